// Package tspacket defines the 188-byte MPEG-2 Transport Stream packet and
// its header/adaptation-field accessors.
//
// Field layout follows the bit macros in dvbstreamer's ts.h
// (TSPACKET_GETPID/SETPID/GETCOUNT) generalized to the full header this
// engine needs (PUSI, TEI, adaptation-field-control, discontinuity
// indicator, PCR) — the teacher's tuner/ts_inspector.go already extracts
// PID/CC/PUSI/PCR/PTS/DTS from raw packet bytes per-request; that bit
// arithmetic is lifted here into a reusable, testable type instead of being
// duplicated inline in a stats collector.
package tspacket

import "errors"

// Size is the fixed length of a Transport Stream packet.
const Size = 188

// SyncByte is the required first byte of every packet.
const SyncByte = 0x47

// PIDNull is the PID that marks stuffing/null packets (§3: "8191 means null packet").
const PIDNull = 0x1FFF

// PIDPAT is the fixed well-known PAT PID (§3: "0 means PAT").
const PIDPAT = 0x0000

// PIDCAT is the fixed well-known CAT PID (§3: "1 means CAT").
const PIDCAT = 0x0001

var ErrBadSync = errors.New("tspacket: bad sync byte")
var ErrShort = errors.New("tspacket: short packet")

// Packet is a borrowed view over one 188-byte TS packet. It does not copy or
// own the backing array — per §3 "packets are stack/buffer-owned by the
// reader and borrowed by filter callbacks for the duration of one dispatch".
type Packet struct {
	b []byte
}

// Wrap validates and wraps a buffer as a Packet. The buffer must be at least
// Size bytes; only the first Size bytes are used.
func Wrap(b []byte) (Packet, error) {
	if len(b) < Size {
		return Packet{}, ErrShort
	}
	if b[0] != SyncByte {
		return Packet{}, ErrBadSync
	}
	return Packet{b: b[:Size]}, nil
}

// Bytes returns the raw 188-byte backing slice.
func (p Packet) Bytes() []byte { return p.b }

// TransportErrorIndicator reports the TEI bit.
func (p Packet) TransportErrorIndicator() bool { return p.b[1]&0x80 != 0 }

// PayloadUnitStart reports whether this packet begins a new PES/section.
func (p Packet) PayloadUnitStart() bool { return p.b[1]&0x40 != 0 }

// TransportPriority reports the priority bit.
func (p Packet) TransportPriority() bool { return p.b[1]&0x20 != 0 }

// PID returns the 13-bit packet identifier.
func (p Packet) PID() uint16 {
	return (uint16(p.b[1]&0x1F) << 8) | uint16(p.b[2])
}

// SetPID overwrites the PID in place, preserving the other header bits.
func (p Packet) SetPID(pid uint16) {
	p.b[1] = (p.b[1] & 0xE0) | byte(pid>>8&0x1F)
	p.b[2] = byte(pid & 0xFF)
}

// IsNull reports whether this is a null/stuffing packet.
func (p Packet) IsNull() bool { return p.PID() == PIDNull }

// AdaptationFieldControl returns the 2-bit adaptation field control value:
// 0b01 payload only, 0b10 adaptation only, 0b11 both, 0b00 reserved.
func (p Packet) AdaptationFieldControl() byte { return (p.b[3] >> 4) & 0x3 }

// HasAdaptationField reports whether an adaptation field is present.
func (p Packet) HasAdaptationField() bool {
	afc := p.AdaptationFieldControl()
	return afc == 0x2 || afc == 0x3
}

// HasPayload reports whether a payload is present.
func (p Packet) HasPayload() bool {
	afc := p.AdaptationFieldControl()
	return afc == 0x1 || afc == 0x3
}

// ContinuityCounter returns the 4-bit continuity counter.
func (p Packet) ContinuityCounter() byte { return p.b[3] & 0x0F }

// SetContinuityCounter overwrites the continuity counter in place.
func (p Packet) SetContinuityCounter(cc byte) {
	p.b[3] = (p.b[3] & 0xF0) | (cc & 0x0F)
}

// AdaptationFieldLength returns the length byte of the adaptation field, or 0
// if none is present.
func (p Packet) AdaptationFieldLength() int {
	if !p.HasAdaptationField() {
		return 0
	}
	return int(p.b[4])
}

// DiscontinuityIndicator reports the adaptation field's discontinuity flag.
// Per §4.4, a continuity-counter jump is only treated as the reader losing
// data (not a deliberate splice) when this flag is clear.
func (p Packet) DiscontinuityIndicator() bool {
	if !p.HasAdaptationField() || p.AdaptationFieldLength() < 1 {
		return false
	}
	return p.b[5]&0x80 != 0
}

// PCR returns the program clock reference carried in the adaptation field, if
// present, as a 42-bit value (base*300+extension), and whether one was found.
func (p Packet) PCR() (uint64, bool) {
	if !p.HasAdaptationField() || p.AdaptationFieldLength() < 1 {
		return 0, false
	}
	flags := p.b[5]
	if flags&0x10 == 0 {
		return 0, false
	}
	if p.AdaptationFieldLength() < 7 {
		return 0, false
	}
	pcr := p.b[6:12]
	base := uint64(pcr[0])<<25 | uint64(pcr[1])<<17 | uint64(pcr[2])<<9 | uint64(pcr[3])<<1 | uint64(pcr[4]>>7)
	ext := uint64(pcr[4]&0x1)<<8 | uint64(pcr[5])
	return base*300 + ext, true
}

// Payload returns the slice of the packet following the 4-byte header and
// any adaptation field. Returns nil if there is no payload.
func (p Packet) Payload() []byte {
	if !p.HasPayload() {
		return nil
	}
	start := 4
	if p.HasAdaptationField() {
		start += 1 + p.AdaptationFieldLength()
	}
	if start >= Size {
		return nil
	}
	return p.b[start:]
}

// PointerField returns the pointer_field byte that precedes a section when
// PayloadUnitStart is set, and the payload bytes following it. Callers must
// check PayloadUnitStart() first.
func PointerField(payload []byte) (ptr byte, rest []byte, ok bool) {
	if len(payload) < 1 {
		return 0, nil, false
	}
	ptr = payload[0]
	if int(ptr)+1 > len(payload) {
		return 0, nil, false
	}
	return ptr, payload[1+int(ptr):], true
}
