package model

import "testing"

func TestService_Exists(t *testing.T) {
	s := &Service{}
	if s.Exists() {
		t.Fatal("fresh service should not exist")
	}
	s.SeenInPAT = true
	if !s.Exists() {
		t.Fatal("seen in PAT should exist")
	}
	s.SeenInPAT = false
	s.SeenInSDT = true
	if !s.Exists() {
		t.Fatal("seen in SDT should exist")
	}
}

func TestService_Equal(t *testing.T) {
	a := &Service{MultiplexUID: 1, ServiceID: 0x64}
	b := &Service{MultiplexUID: 1, ServiceID: 0x64}
	c := &Service{MultiplexUID: 2, ServiceID: 0x64}
	if !a.Equal(b) {
		t.Fatal("expected equal")
	}
	if a.Equal(c) {
		t.Fatal("expected not equal across multiplexes")
	}
}

func TestFQID_roundtrip(t *testing.T) {
	mux := &Multiplex{NetworkID: 0x233D, TransportStreamID: 0x1001, NetworkIDKnown: true, TransportStreamIDKnown: true}
	svc := &Service{ServiceID: 0x0064}
	fqid, ok := FQID(mux, svc)
	if !ok {
		t.Fatal("expected ok")
	}
	if fqid != "233d.1001.0064" {
		t.Fatalf("fqid = %q", fqid)
	}
	net, ts, sid, ok := ParseFQID(fqid)
	if !ok || net != 0x233D || ts != 0x1001 || sid != 0x0064 {
		t.Fatalf("ParseFQID = %x %x %x %v", net, ts, sid, ok)
	}
}

func TestFQID_unknownIdentity(t *testing.T) {
	mux := &Multiplex{}
	svc := &Service{ServiceID: 1}
	if _, ok := FQID(mux, svc); ok {
		t.Fatal("expected not ok when multiplex identity unknown")
	}
}

func TestParseFQID_rejectsBareName(t *testing.T) {
	if _, _, _, ok := ParseFQID("BBC ONE"); ok {
		t.Fatal("expected ParseFQID to reject a bare name")
	}
}

func TestProgramInfo_FirstVideoAudioSubtitle(t *testing.T) {
	pi := &ProgramInfo{
		ServiceID: 1,
		PIDs: []PIDInfo{
			{PID: 0x200, Type: StreamTypeMPEG2Video},
			{PID: 0x201, Type: StreamTypeAC3},
			{PID: 0x202, Type: StreamTypePrivateData, Descriptors: []byte{0x59, 0x03, 'e', 'n', 'g'}},
		},
	}
	v, ok := pi.FirstVideo()
	if !ok || v.PID != 0x200 {
		t.Fatalf("FirstVideo = %+v %v", v, ok)
	}
	a, ok := pi.FirstAudio()
	if !ok || a.PID != 0x201 {
		t.Fatalf("FirstAudio = %+v %v", a, ok)
	}
	sub, ok := pi.FirstSubtitle()
	if !ok || sub.PID != 0x202 {
		t.Fatalf("FirstSubtitle = %+v %v", sub, ok)
	}
}

func TestDiff_addedChangedRemoved(t *testing.T) {
	old := &ProgramInfo{PIDs: []PIDInfo{
		{PID: 0x200, Type: StreamTypeMPEG2Video},
		{PID: 0x201, Type: StreamTypeAC3},
	}}
	new := &ProgramInfo{PIDs: []PIDInfo{
		{PID: 0x200, Type: StreamTypeMPEG2Video},
		{PID: 0x201, Type: StreamTypeEAC3}, // changed type
		{PID: 0x202, Type: StreamTypeAAC},  // added
	}}
	added, changed, removed := Diff(old, new)
	if len(added) != 1 || added[0].PID != 0x202 {
		t.Fatalf("added = %+v", added)
	}
	if len(changed) != 1 || changed[0].PID != 0x201 {
		t.Fatalf("changed = %+v", changed)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %+v", removed)
	}

	added, changed, removed = Diff(new, old)
	if len(removed) != 1 || removed[0].PID != 0x202 {
		t.Fatalf("removed = %+v", removed)
	}
	_ = added
	_ = changed
}
