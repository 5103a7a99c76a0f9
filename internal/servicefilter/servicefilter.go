// Package servicefilter implements the single-service output filter
// described in §4.6's Packet Filter note: a packet filter parameterized
// by a target service that rewrites PAT to one program entry, forwards
// PCR and elementary-stream packets unchanged, and optionally rewrites
// PMT to the primary audio/video/subtitle streams only.
//
// Grounded on original_source/include/deliverymethod.h's
// ReserveHeaderSpace/SetHeader contract (internal/sink.Sink) and on the
// PAT/PMT section layouts established in internal/psi/pat and
// internal/psi/pmt.
package servicefilter

import (
	"sync"

	"github.com/snapetech/tsengine/internal/dispatch"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/psi/crc"
	"github.com/snapetech/tsengine/internal/psi/pat"
	"github.com/snapetech/tsengine/internal/psi/pmt"
	"github.com/snapetech/tsengine/internal/sidemux"
	"github.com/snapetech/tsengine/internal/sink"
	"github.com/snapetech/tsengine/internal/tspacket"
)

const patPID uint16 = 0x0000

// Filter rewrites the PAT/PMT of one multiplex down to a single target
// service and forwards that service's packets to a delivery sink.
type Filter struct {
	sinkImpl sink.Sink
	group    *dispatch.Group
	avsOnly  bool

	mu              sync.Mutex
	serviceID       uint16
	pmtPID          uint16
	passthroughPIDs map[uint16]bool
	pmtDemux        *sidemux.Demux
	patCC           byte
	pmtCC           byte

	patDecoder *pat.Decoder
	patDemux   *sidemux.Demux
}

// New creates a Filter delivering to sinkImpl. When avsOnly is set the
// PMT is rewritten to carry only the first video, audio, and subtitle
// elementary streams; otherwise the upstream PMT is forwarded as-is.
func New(sinkImpl sink.Sink, avsOnly bool) *Filter {
	f := &Filter{
		sinkImpl:        sinkImpl,
		avsOnly:         avsOnly,
		passthroughPIDs: map[uint16]bool{},
	}
	f.group = dispatch.NewGroup("servicefilter")
	f.patDemux = sidemux.New(patPID, nil)
	f.patDecoder = pat.New()
	f.patDecoder.OnTable = f.onPATTable
	f.patDemux.Attach(0x00, f.patDecoder.Feed)
	f.group.AddSectionFilter(patPID, f.patDemux)
	return f
}

// Group returns the filter group to register with a dispatch.Dispatcher.
func (f *Filter) Group() *dispatch.Group { return f.group }

// SetTarget retargets the filter at a new service: its PMT PID, PCR PID,
// and elementary-stream list. Called by the tuning controller whenever
// the primary service filter is retargeted (§4.9).
func (f *Filter) SetTarget(serviceID, pmtPID, pcrPID uint16, info *model.ProgramInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pmtPID != 0 && f.pmtPID != pmtPID {
		f.group.RemoveSectionFilter(f.pmtPID)
		f.group.ClearPacketFilters(f.pmtPID)
	}
	for pid := range f.passthroughPIDs {
		f.group.ClearPacketFilters(pid)
	}
	f.passthroughPIDs = map[uint16]bool{}

	f.serviceID = serviceID
	f.pmtPID = pmtPID

	for _, pid := range selectStreams(info, f.avsOnly) {
		f.addPassthroughLocked(pid)
	}
	if pcrPID != 0 {
		f.addPassthroughLocked(pcrPID)
	}

	if f.avsOnly {
		f.pmtDemux = sidemux.New(pmtPID, nil)
		decoder := pmt.New()
		decoder.OnProgram = f.onPMTProgram
		f.pmtDemux.Attach(0x02, decoder.Feed)
		f.group.AddSectionFilter(pmtPID, f.pmtDemux)
	} else {
		f.addPassthroughLocked(pmtPID)
	}
}

func (f *Filter) addPassthroughLocked(pid uint16) {
	if f.passthroughPIDs[pid] {
		return
	}
	f.passthroughPIDs[pid] = true
	f.group.AddPacketFilter(pid, f.forwardPacket)
}

func selectStreams(info *model.ProgramInfo, avsOnly bool) []uint16 {
	if info == nil {
		return nil
	}
	if !avsOnly {
		out := make([]uint16, 0, len(info.PIDs))
		for _, p := range info.PIDs {
			out = append(out, p.PID)
		}
		return out
	}
	var out []uint16
	if v, ok := info.FirstVideo(); ok {
		out = append(out, v.PID)
	}
	if a, ok := info.FirstAudio(); ok {
		out = append(out, a.PID)
	}
	if s, ok := info.FirstSubtitle(); ok {
		out = append(out, s.PID)
	}
	return out
}

func (f *Filter) forwardPacket(g *dispatch.Group, pkt tspacket.Packet) {
	_ = f.sinkImpl.OutputPacket(pkt)
}

// onPATTable rewrites an upstream PAT to one program entry (the target
// service) plus program 0 (NIT) when present, preserving the upstream
// version and transport_stream_id per §4.6's rewrite semantics.
func (f *Filter) onPATTable(t *pat.Table) {
	f.mu.Lock()
	serviceID := f.serviceID
	pmtPID := f.pmtPID
	f.mu.Unlock()

	programs := []pat.Program{{ProgramNumber: serviceID, PID: pmtPID}}
	if nitPID, ok := t.NITPID(); ok {
		programs = append(programs, pat.Program{ProgramNumber: 0, PID: nitPID})
	}
	section := buildPATSection(t.TransportStreamID, t.Version, programs)
	f.outputSection(patPID, section, &f.patCC)
}

// onPMTProgram rewrites an upstream PMT to the primary audio/video/
// subtitle streams only. Program-level descriptors are dropped; a
// single-service output has no use for NIT/EIT-linkage or CA
// descriptors scoped to the full original program.
func (f *Filter) onPMTProgram(info *model.ProgramInfo, version int, pcrPID uint16) {
	f.mu.Lock()
	pmtPID := f.pmtPID
	serviceID := f.serviceID
	f.mu.Unlock()

	var streams []model.PIDInfo
	if v, ok := info.FirstVideo(); ok {
		streams = append(streams, v)
	}
	if a, ok := info.FirstAudio(); ok {
		streams = append(streams, a)
	}
	if s, ok := info.FirstSubtitle(); ok {
		streams = append(streams, s)
	}

	section := buildPMTSection(serviceID, version, pcrPID, streams)
	f.outputSection(pmtPID, section, &f.pmtCC)
}

func (f *Filter) outputSection(pid uint16, section []byte, ccField *byte) {
	f.mu.Lock()
	ccStart := *ccField
	f.mu.Unlock()

	packets, ccNext := packetizeSection(pid, section, ccStart)

	f.mu.Lock()
	*ccField = ccNext
	f.mu.Unlock()

	for _, raw := range packets {
		pkt, err := tspacket.Wrap(raw)
		if err != nil {
			continue
		}
		_ = f.sinkImpl.OutputPacket(pkt)
	}
}

// buildPATSection serializes a single-section PAT: table_id 0x00,
// section_syntax_indicator set, one program_number/PID entry per
// program, CRC-32 appended.
func buildPATSection(tsID uint16, version int, programs []pat.Program) []byte {
	body := make([]byte, 0, len(programs)*4)
	for _, p := range programs {
		body = append(body, byte(p.ProgramNumber>>8), byte(p.ProgramNumber),
			0xE0|byte(p.PID>>8&0x1F), byte(p.PID))
	}
	// section_length covers everything after the length field, including CRC.
	secLen := 5 + len(body) + 4
	s := make([]byte, 0, 3+secLen)
	s = append(s, 0x00, 0xB0|byte(secLen>>8&0x0F), byte(secLen))
	s = append(s, byte(tsID>>8), byte(tsID))
	s = append(s, 0xC1|byte(version&0x1F)<<1, 0x00, 0x00)
	s = append(s, body...)
	return crc.AppendCRC32(s)
}

// buildPMTSection serializes a single-program PMT with an empty
// program_info loop and the given elementary streams, CRC-32 appended.
func buildPMTSection(programNumber uint16, version int, pcrPID uint16, streams []model.PIDInfo) []byte {
	var esLoop []byte
	for _, p := range streams {
		descLen := len(p.Descriptors)
		esLoop = append(esLoop, byte(p.Type), 0xE0|byte(p.PID>>8&0x1F), byte(p.PID),
			0xF0|byte(descLen>>8&0x0F), byte(descLen))
		esLoop = append(esLoop, p.Descriptors...)
	}
	secLen := 9 + len(esLoop) + 4
	s := make([]byte, 0, 3+secLen)
	s = append(s, 0x02, 0xB0|byte(secLen>>8&0x0F), byte(secLen))
	s = append(s, byte(programNumber>>8), byte(programNumber))
	s = append(s, 0xC1|byte(version&0x1F)<<1, 0x00, 0x00)
	s = append(s, 0xE0|byte(pcrPID>>8&0x1F), byte(pcrPID))
	s = append(s, 0xF0, 0x00) // program_info_length = 0
	s = append(s, esLoop...)
	return crc.AppendCRC32(s)
}

// packetizeSection splits section into one or more 188-byte packets
// with a leading pointer_field on the first packet, 0xFF stuffing
// padding the final packet, and per-packet continuity counters starting
// at ccStart. Returns the packets and the next continuity counter value.
func packetizeSection(pid uint16, section []byte, ccStart byte) ([][]byte, byte) {
	var packets [][]byte
	cc := ccStart
	remaining := append([]byte{0x00}, section...) // pointer_field = 0
	first := true
	for len(remaining) > 0 {
		pkt := make([]byte, tspacket.Size)
		pkt[0] = 0x47
		pusi := byte(0x00)
		if first {
			pusi = 0x40
		}
		pkt[1] = pusi | byte(pid>>8&0x1F)
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | cc&0x0F
		n := copy(pkt[4:], remaining)
		remaining = remaining[n:]
		for i := 4 + n; i < tspacket.Size; i++ {
			pkt[i] = 0xFF
		}
		packets = append(packets, pkt)
		cc = (cc + 1) & 0x0F
		first = false
	}
	return packets, cc
}
