// Package sidemux reassembles PSI/SI sections from the packets of a
// single PID and routes completed sections to registered table decoders
// by table_id, and for multi-extension tables by table_id_extension.
//
// Grounded on original_source/include/subtableprocessor.h's concept of a
// generic per-PID processor sitting in front of per-table decoders
// ("Generic Processor for PSI/SI tables that have several subtables on
// the same PID"), and on the teacher's sdtprobe package for the Go-side
// idiom of hand-rolled big-endian section field extraction
// (encoding/binary, table_id/section_length/table_id_extension byte
// layout) rather than pulling in a third-party MPEG-TS parsing library.
package sidemux

import (
	"log/slog"
	"strconv"

	"github.com/snapetech/tsengine/internal/metrics"
	"github.com/snapetech/tsengine/internal/psi/crc"
	"github.com/snapetech/tsengine/internal/tspacket"
)

// Handler receives a complete, CRC-validated section (including its
// 3-byte or 8-byte header and trailing CRC, when present). Table
// decoders (internal/psi/*) are responsible for parsing the header
// fields they need.
type Handler func(section []byte)

type handlerKey struct {
	tableID   byte
	extension uint16
	anyExt    bool
}

// Demux reassembles sections for a single PID. It is not safe for
// concurrent use by multiple goroutines without external
// synchronization — per §4.6, a PID Filter Group delivers packets for
// one PID to one Demux from the single reader thread.
type Demux struct {
	pid uint16
	log *slog.Logger

	// Metrics, when set, counts CRC-rejected sections against this PID.
	Metrics *metrics.Registry

	handlers map[handlerKey]Handler

	haveCC  bool
	lastCC  byte
	started bool
	buf     []byte
}

// New creates a Demux for pid.
func New(pid uint16, log *slog.Logger) *Demux {
	if log == nil {
		log = slog.Default()
	}
	return &Demux{pid: pid, log: log, handlers: map[handlerKey]Handler{}}
}

// PID returns the PID this demux reassembles sections for.
func (d *Demux) PID() uint16 { return d.pid }

// Attach registers h for every section with the given table_id,
// regardless of table_id_extension. Replaces any prior registration for
// the same table_id.
func (d *Demux) Attach(tableID byte, h Handler) {
	d.handlers[handlerKey{tableID: tableID}] = h
}

// AttachExtension registers h for sections matching both table_id and
// table_id_extension — used for multi-extension tables such as PMT
// (extension = program_number) where different programs share a PID
// range or a single dynamically-attached filter.
func (d *Demux) AttachExtension(tableID byte, extension uint16, h Handler) {
	d.handlers[handlerKey{tableID: tableID, extension: extension, anyExt: true}] = h
}

// Detach removes the table_id-only registration, if any.
func (d *Demux) Detach(tableID byte) {
	delete(d.handlers, handlerKey{tableID: tableID})
}

// DetachExtension removes a table_id+extension registration, if any.
func (d *Demux) DetachExtension(tableID byte, extension uint16) {
	delete(d.handlers, handlerKey{tableID: tableID, extension: extension, anyExt: true})
}

// Reset discards any in-progress section and continuity-counter state.
// The group dispatcher calls it on TSStructureChanged, which the tuning
// Controller raises on every retune (§4.9).
func (d *Demux) Reset() {
	d.haveCC = false
	d.started = false
	d.buf = nil
}

// Feed processes one packet belonging to this demux's PID.
func (d *Demux) Feed(pkt tspacket.Packet) {
	if pkt.IsNull() || !pkt.HasPayload() {
		return
	}
	payload := pkt.Payload()
	if len(payload) == 0 {
		return
	}

	cc := pkt.ContinuityCounter()
	if d.haveCC {
		if cc == d.lastCC {
			return // retransmitted packet, not new data
		}
		expected := (d.lastCC + 1) & 0x0F
		if cc != expected {
			if !pkt.DiscontinuityIndicator() {
				d.log.Debug("sidemux: continuity discontinuity", "pid", d.pid, "got", cc, "want", expected)
			}
			d.Reset()
		}
	}
	d.lastCC = cc
	d.haveCC = true

	if !d.started && !pkt.PayloadUnitStart() {
		return
	}

	if pkt.PayloadUnitStart() {
		ptr, rest, ok := tspacket.PointerField(payload)
		if !ok {
			d.Reset()
			return
		}
		if int(ptr) > len(rest) {
			d.log.Debug("sidemux: pointer field beyond payload", "pid", d.pid)
			d.Reset()
			return
		}
		tail, head := rest[:ptr], rest[ptr:]
		if d.started {
			d.buf = append(d.buf, tail...)
			d.drainComplete()
		}
		d.startSection(head)
		return
	}

	if !d.started {
		return
	}
	d.buf = append(d.buf, payload...)
	d.drainComplete()
}

func (d *Demux) startSection(data []byte) {
	d.buf = append([]byte(nil), data...)
	d.started = true
	d.drainComplete()
}

// drainComplete extracts as many complete sections as are currently
// buffered, dispatching each, then leaves any partial tail for the next
// Feed call.
func (d *Demux) drainComplete() {
	for d.started && len(d.buf) >= 3 {
		if d.buf[0] == 0xFF {
			// Stuffing byte: no more sections in this run.
			d.started = false
			d.buf = nil
			return
		}
		sectionSyntax := d.buf[1]&0x80 != 0
		length := int(d.buf[1]&0x0F)<<8 | int(d.buf[2])
		total := 3 + length
		if total > 4096 {
			d.log.Debug("sidemux: oversized section, dropping", "pid", d.pid, "len", total)
			d.started = false
			d.buf = nil
			return
		}
		if len(d.buf) < total {
			return // wait for more packets
		}
		section := d.buf[:total]
		d.buf = d.buf[total:]
		if len(d.buf) == 0 {
			d.started = false
		}
		d.dispatch(section, sectionSyntax)
	}
}

func (d *Demux) dispatch(section []byte, sectionSyntax bool) {
	if sectionSyntax {
		if len(section) < 8 {
			return
		}
		if !crc.Verify(section) {
			d.log.Debug("sidemux: CRC mismatch, dropping section", "pid", d.pid, "table_id", section[0])
			if d.Metrics != nil {
				d.Metrics.SectionCRCErrorsTotal.WithLabelValues(strconv.Itoa(int(d.pid))).Inc()
			}
			return
		}
	}
	tableID := section[0]

	if sectionSyntax && len(section) >= 5 {
		extension := uint16(section[3])<<8 | uint16(section[4])
		if h, ok := d.handlers[handlerKey{tableID: tableID, extension: extension, anyExt: true}]; ok {
			h(section)
			return
		}
	}
	if h, ok := d.handlers[handlerKey{tableID: tableID}]; ok {
		h(section)
		return
	}
	d.log.Debug("sidemux: no handler for table_id, dropping", "pid", d.pid, "table_id", tableID)
}
