package sdt

import (
	"testing"

	"github.com/snapetech/tsengine/internal/psi/crc"
)

func buildServiceDescriptor(svcType byte, provider, name string) []byte {
	d := []byte{svcType, byte(len(provider))}
	d = append(d, []byte(provider)...)
	d = append(d, byte(len(name)))
	d = append(d, []byte(name)...)
	return append([]byte{0x48, byte(len(d))}, d...)
}

func buildSDTSection(tsID, onid uint16, version byte, entries []struct {
	ServiceID uint16
	EITSched  bool
	EITPF     bool
	FreeCA    bool
	Descs     []byte
}) []byte {
	var loop []byte
	for _, e := range entries {
		flags := byte(0)
		if e.EITSched {
			flags |= 0x02
		}
		if e.EITPF {
			flags |= 0x01
		}
		b3 := byte(0) // running_status in top 3 bits, free_CA in bit 4
		if e.FreeCA {
			b3 |= 0x10
		}
		b3 |= byte(len(e.Descs)>>8) & 0x0F
		loop = append(loop, byte(e.ServiceID>>8), byte(e.ServiceID), flags, b3, byte(len(e.Descs)))
		loop = append(loop, e.Descs...)
	}
	length := 8 + len(loop) + 4 // ts_id(2)+version(1)+secnum(1)+lastsecnum(1)+onid(2)+reserved(1) + loop + crc
	s := []byte{
		tableIDActual,
		0xB0 | byte((length>>8)&0x0F), byte(length),
		byte(tsID >> 8), byte(tsID),
		0xC1 | (version << 1),
		0x00, 0x00,
		byte(onid >> 8), byte(onid),
		0xFF, // reserved_future_use
	}
	s = append(s, loop...)
	return crc.AppendCRC32(s)
}

func TestDecoder_basic(t *testing.T) {
	d := New()
	var got *Table
	d.OnTable = func(tbl *Table) { got = tbl }

	descs := buildServiceDescriptor(0x01, "BBC", "BBC ONE")
	section := buildSDTSection(0x1001, 0x233D, 0, []struct {
		ServiceID uint16
		EITSched  bool
		EITPF     bool
		FreeCA    bool
		Descs     []byte
	}{
		{ServiceID: 0x0064, EITSched: true, EITPF: true, FreeCA: false, Descs: descs},
	})
	d.Feed(section)
	if got == nil {
		t.Fatal("expected table")
	}
	if got.OriginalNetworkID != 0x233D || len(got.Services) != 1 {
		t.Fatalf("got = %+v", got)
	}
	svc := got.Services[0]
	if svc.ServiceName != "BBC ONE" || svc.ProviderName != "BBC" {
		t.Fatalf("svc = %+v", svc)
	}
	if !svc.EITSchedule || !svc.EITPresentFollowing {
		t.Fatalf("eit flags wrong: %+v", svc)
	}
	if svc.ConditionalAccess {
		t.Fatalf("expected free (non-CA) service")
	}
}

func TestDecoder_conditionalAccessFlag(t *testing.T) {
	d := New()
	var got *Table
	d.OnTable = func(tbl *Table) { got = tbl }

	section := buildSDTSection(0x1001, 0x233D, 0, []struct {
		ServiceID uint16
		EITSched  bool
		EITPF     bool
		FreeCA    bool
		Descs     []byte
	}{
		{ServiceID: 0x0065, FreeCA: true},
	})
	d.Feed(section)
	if got == nil || !got.Services[0].ConditionalAccess {
		t.Fatalf("expected CA service, got %+v", got)
	}
}
