// Package sicapture implements the debug PSI/SI capture sink: a packet
// filter that forwards only PSI/SI-bearing packets to a brotli-
// compressed file, for offline inspection of a multiplex's table
// traffic without the rest of the stream.
//
// Grounded on original_source/src/plugins/sicapture.c's FilterPacket
// (PAT/CAT always, PMT PIDs from the cache, fixed DVB SI PIDs or ATSC
// PSIP plus MGT-discovered EIT/ETT PIDs) and NewMGT (tracking EIT/ETT
// PIDs and the channel ETT PID as the MGT's version changes). Capture
// files are compressed with github.com/andybalholm/brotli — a
// dependency the teacher's go.mod carried without any file in its tree
// exercising it.
package sicapture

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/snapetech/tsengine/internal/psi/atsc"
	"github.com/snapetech/tsengine/internal/tspacket"
)

// fixed DVB SI PIDs sicapture.c always captures when not ATSC: NIT/ST,
// SDT/BAT/ST, EIT/ST/CIT, RST/ST, TDT/TOT/ST, RNT.
var dvbSIPIDs = map[uint16]bool{
	0x10: true,
	0x11: true,
	0x12: true,
	0x13: true,
	0x14: true,
	0x16: true,
}

const atscPSIPBasePID uint16 = 0x1FFB

// PIDSet tracks the dynamic parts of the capture predicate: PMT PIDs
// (from the current multiplex's services) and, for ATSC, the EIT/ETT/
// channel-ETT PIDs the MGT names. Safe for concurrent use.
type PIDSet struct {
	mu         sync.Mutex
	pmtPIDs    map[uint16]bool
	eitPIDs    map[uint16]bool
	ettPIDs    map[uint16]bool
	channelETT uint16
}

// NewPIDSet returns an empty PIDSet.
func NewPIDSet() *PIDSet {
	return &PIDSet{pmtPIDs: map[uint16]bool{}, eitPIDs: map[uint16]bool{}, ettPIDs: map[uint16]bool{}}
}

// SetPMTPIDs replaces the tracked PMT PID set, e.g. after a PAT change.
func (p *PIDSet) SetPMTPIDs(pids []uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pmtPIDs = make(map[uint16]bool, len(pids))
	for _, pid := range pids {
		p.pmtPIDs[pid] = true
	}
}

// OnMGT is an atsc.MGTDecoder.OnTable callback that refreshes the
// tracked EIT/ETT PIDs and the channel ETT PID whenever the MGT's
// version changes, mirroring NewMGT's ResetCount-then-repopulate.
func (p *PIDSet) OnMGT(mgt *atsc.MGT, eitPIDs, ettPIDs []uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eitPIDs = make(map[uint16]bool, len(eitPIDs))
	for _, pid := range eitPIDs {
		p.eitPIDs[pid] = true
	}
	p.ettPIDs = make(map[uint16]bool, len(ettPIDs))
	for _, pid := range ettPIDs {
		p.ettPIDs[pid] = true
	}
	p.channelETT = 0
	for _, e := range mgt.Entries {
		if e.TableType == 0x04 {
			p.channelETT = e.PID
		}
	}
}

// ShouldCapture reports whether pid carries PSI/SI data worth
// capturing, per sicapture.c's FilterPacket. fromNetwork selects the
// DVB fixed-PID branch; when false, the ATSC PSIP/MGT-discovered branch
// applies instead.
func (p *PIDSet) ShouldCapture(pid uint16, fromNetwork bool) bool {
	if pid == tspacket.PIDPAT || pid == tspacket.PIDCAT {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pmtPIDs[pid] {
		return true
	}

	if fromNetwork {
		return dvbSIPIDs[pid]
	}

	if pid == atscPSIPBasePID {
		return true
	}
	if p.channelETT != 0 && pid == p.channelETT {
		return true
	}
	return p.eitPIDs[pid] || p.ettPIDs[pid]
}

// Writer captures raw packet bytes to a brotli-compressed stream. It
// does not implement internal/sink.Sink: sicapture only ever observes
// packets already flowing to the primary service filter (§4.6 packet
// filters may run read-only alongside the group's section filters), it
// never rewrites or owns the delivery header.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	bw     *brotli.Writer
	closed bool
}

// New opens (or truncates) path and wraps it with a brotli compressor
// at the given quality (0-11; brotli.DefaultCompression is a reasonable
// default for a debug capture that trades ratio for low CPU cost).
func New(path string, quality int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, bw: brotli.NewWriterLevel(f, quality)}, nil
}

// Capture writes one packet's raw bytes to the compressed stream if
// pid passes pids.ShouldCapture.
func (w *Writer) Capture(pids *PIDSet, fromNetwork bool, pkt tspacket.Packet) error {
	if !pids.ShouldCapture(pkt.PID(), fromNetwork) {
		return nil
	}
	return w.write(pkt.Bytes())
}

func (w *Writer) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("sicapture: writer closed")
	}
	_, err := w.bw.Write(b)
	return err
}

// Flush forces any buffered compressed output to the underlying file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.bw.Flush()
}

// Close flushes and closes the brotli stream and the backing file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	closeErr := w.bw.Close()
	if fErr := w.f.Close(); fErr != nil && closeErr == nil {
		closeErr = fErr
	}
	return closeErr
}

var _ io.Closer = (*Writer)(nil)
