// Package model defines the persistent Multiplex/Service/PID entities from
// §3, keyed the way original_source/include/multiplexes.h, services.h, and
// pids.h key them — but using the UID-keyed Service_t revision, not the
// legacy multiplexFreq-keyed one (Open Question (a) in spec.md §9: "the
// UID-keyed form is authoritative").
//
// The fully-qualified lookup key (network_id.transport_stream_id.service_id,
// in hex) and its index-building style are grounded on the teacher's
// internal/dvbdb package (Entry, tripletKey, byTriplet/byONIDName maps
// rebuilt via buildIndices()) — the community-registry lookup concern
// dvbdb served is gone, but the triplet-keyed indexing idiom is exactly
// what CacheServiceFindName's "name or net.ts.svc hex triple" contract
// (cache.h) needs, so the key format is reused here as FQID/ParseFQID;
// this package builds no index maps of its own.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// DeliverySystem tags the physical layer a Multiplex is carried on.
type DeliverySystem string

const (
	DeliveryDVBT  DeliverySystem = "DVB-T"
	DeliveryDVBC  DeliverySystem = "DVB-C"
	DeliveryDVBS  DeliverySystem = "DVB-S"
	DeliveryDVBS2 DeliverySystem = "DVB-S2"
	DeliveryATSC  DeliverySystem = "ATSC"
	DeliveryISDBT DeliverySystem = "ISDB-T"
)

// ServiceType mirrors dvbstreamer's coarse service classification.
type ServiceType int

const (
	ServiceTypeUnknown ServiceType = iota
	ServiceTypeTV
	ServiceTypeRadio
	ServiceTypeData
)

// RunningStatus mirrors DVB SDT running_status (EN 300 468 §5.2.3).
type RunningStatus int

const (
	RunningStatusUndefined RunningStatus = iota
	RunningStatusNotRunning
	RunningStatusStartsInSeconds
	RunningStatusPausing
	RunningStatusRunning
)

// Multiplex is a single modulated RF channel carrying one Transport Stream.
// UID is stable across renames of NetworkID/TransportStreamID; per §3,
// (NetworkID, TransportStreamID) uniquely identifies a multiplex within the
// store once both are known, but the UID is what every other entity refers
// to, so a rename of those fields never invalidates foreign keys.
type Multiplex struct {
	UID                int64
	Delivery           DeliverySystem
	TuningParams        map[string]string // opaque key/value text: Frequency, Modulation, ...
	NetworkID          uint16
	NetworkIDKnown     bool
	TransportStreamID  uint16
	TransportStreamIDKnown bool
	PATVersion         int // -1 = never seen
}

// HasIdentity reports whether both NetworkID and TransportStreamID are known,
// i.e. the (NetworkID, TransportStreamID) uniqueness invariant from §3 can be
// enforced for this multiplex.
func (m *Multiplex) HasIdentity() bool {
	return m.NetworkIDKnown && m.TransportStreamIDKnown
}

// TuningParam returns a tuning parameter value by key (e.g. "Frequency"),
// and whether it was present.
func (m *Multiplex) TuningParam(key string) (string, bool) {
	if m.TuningParams == nil {
		return "", false
	}
	v, ok := m.TuningParams[key]
	return v, ok
}

// Service is a program (TV channel, radio station, data service) carried
// within a Multiplex. Per §3, a Service exists only while at least one of
// SeenInPAT/SeenInSDT is set.
type Service struct {
	MultiplexUID          int64
	ServiceID             uint16 // 16-bit program number
	Name                  string // ≤256 bytes UTF-8
	PMTPID                uint16
	PMTVersion            int // -1 = never seen
	PCRPID                uint16
	Type                  ServiceType
	SourceID              uint16 // ATSC source_id
	ConditionalAccess     bool
	RunningStatus         RunningStatus
	EITPresentFollowing   bool
	EITSchedule           bool
	SeenInPAT             bool
	SeenInSDT             bool // also covers "seen in VCT" for ATSC
}

// Exists reports whether the service should still be considered part of the
// multiplex, per §3's "a service exists only if at least one seen bit is
// set" invariant.
func (s *Service) Exists() bool { return s.SeenInPAT || s.SeenInSDT }

// Equal implements the ServiceAreEqual comparison from services.h, under the
// UID-keyed revision: two services are the same broadcast service iff they
// share a multiplex and a service/program id.
func (s *Service) Equal(o *Service) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.MultiplexUID == o.MultiplexUID && s.ServiceID == o.ServiceID
}

// FQID returns the fully-qualified "net.ts.svc" hex triple identity for a
// service, given its owning multiplex. Returns ok=false if the multiplex
// identity isn't known yet (NIT/SDT not yet processed).
func FQID(mux *Multiplex, svc *Service) (string, bool) {
	if mux == nil || svc == nil || !mux.HasIdentity() {
		return "", false
	}
	return fmt.Sprintf("%04x.%04x.%04x", mux.NetworkID, mux.TransportStreamID, svc.ServiceID), true
}

// ParseFQID parses a "net.ts.svc" hex triple, as accepted by
// CacheServiceFindName (cache.h) for unambiguous cross-multiplex lookups.
func ParseFQID(s string) (netID, tsID, svcID uint16, ok bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	vals := make([]uint16, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 16, 16)
		if err != nil {
			return 0, 0, 0, false
		}
		vals[i] = uint16(n)
	}
	return vals[0], vals[1], vals[2], true
}

// StreamType is the PMT elementary stream type byte (ISO/IEC 13818-1 Table
// 2-34), e.g. 0x02 MPEG-2 video, 0x0F AAC, 0x81 AC-3.
type StreamType byte

const (
	StreamTypeMPEG2Video StreamType = 0x02
	StreamTypeMPEG1Audio StreamType = 0x03
	StreamTypeMPEG2Audio StreamType = 0x04
	StreamTypePrivateSection StreamType = 0x05
	StreamTypePrivateData StreamType = 0x06
	StreamTypeAAC        StreamType = 0x0F
	StreamTypeH264       StreamType = 0x1B
	StreamTypeHEVC       StreamType = 0x24
	StreamTypeAC3        StreamType = 0x81
	StreamTypeEAC3       StreamType = 0x87
	StreamTypeDVBSubtitle StreamType = 0x06 // carried via descriptor tag 0x59 on a private-data stream
)

// PIDInfo describes one elementary-stream PID belonging to a Service, as
// carried in a PMT elementary-stream loop.
type PIDInfo struct {
	PID         uint16
	Type        StreamType
	Subtype     string // e.g. ISO-639 language code for audio/subtitle streams
	PMTVersion  int    // the PMT version that introduced/last confirmed this PID
	Descriptors []byte // raw descriptor bytes, for consumers that need more than Type/Subtype
}

// IsVideo reports whether this PID carries a video elementary stream.
func (p PIDInfo) IsVideo() bool {
	switch p.Type {
	case StreamTypeMPEG2Video, StreamTypeH264, StreamTypeHEVC:
		return true
	}
	return false
}

// IsAudio reports whether this PID carries an audio elementary stream.
func (p PIDInfo) IsAudio() bool {
	switch p.Type {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio, StreamTypeAAC, StreamTypeAC3, StreamTypeEAC3:
		return true
	}
	return false
}

// ProgramInfo is the PID list for one service at a point in time, mirroring
// dvbstreamer's PIDList_t.
type ProgramInfo struct {
	ServiceID         uint16
	PIDs              []PIDInfo
	ConditionalAccess bool
}

// FirstVideo returns the first video PID, if any.
func (pi *ProgramInfo) FirstVideo() (PIDInfo, bool) {
	for _, p := range pi.PIDs {
		if p.IsVideo() {
			return p, true
		}
	}
	return PIDInfo{}, false
}

// FirstAudio returns the first audio PID, if any.
func (pi *ProgramInfo) FirstAudio() (PIDInfo, bool) {
	for _, p := range pi.PIDs {
		if p.IsAudio() {
			return p, true
		}
	}
	return PIDInfo{}, false
}

// FirstSubtitle returns the first PID carrying a DVB subtitle descriptor
// (tag 0x59), if any.
func (pi *ProgramInfo) FirstSubtitle() (PIDInfo, bool) {
	for _, p := range pi.PIDs {
		if hasDescriptorTag(p.Descriptors, 0x59) {
			return p, true
		}
	}
	return PIDInfo{}, false
}

func hasDescriptorTag(descs []byte, tag byte) bool {
	for i := 0; i+2 <= len(descs); {
		t, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return false
		}
		if t == tag {
			return true
		}
		i += 2 + l
	}
	return false
}

// Diff returns the PIDs added, changed (same PID with a different Type,
// Subtype or Descriptors), and removed between an old and new
// ProgramInfo, by PID set-diff —
// per §4.5's "the PMT handler distinguishes added/changed/removed elementary
// streams by PID set-diff against the cached program info".
func Diff(old, new *ProgramInfo) (added, changed, removed []PIDInfo) {
	oldByPID := map[uint16]PIDInfo{}
	if old != nil {
		for _, p := range old.PIDs {
			oldByPID[p.PID] = p
		}
	}
	newByPID := map[uint16]PIDInfo{}
	if new != nil {
		for _, p := range new.PIDs {
			newByPID[p.PID] = p
		}
	}
	for pid, np := range newByPID {
		op, existed := oldByPID[pid]
		if !existed {
			added = append(added, np)
			continue
		}
		if op.Type != np.Type || op.Subtype != np.Subtype || string(op.Descriptors) != string(np.Descriptors) {
			changed = append(changed, np)
		}
	}
	for pid, op := range oldByPID {
		if _, still := newByPID[pid]; !still {
			removed = append(removed, op)
		}
	}
	return added, changed, removed
}
