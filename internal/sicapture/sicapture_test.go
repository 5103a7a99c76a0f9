package sicapture

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/snapetech/tsengine/internal/psi/atsc"
	"github.com/snapetech/tsengine/internal/tspacket"
)

func packet(pid uint16) tspacket.Packet {
	b := make([]byte, tspacket.Size)
	b[0] = tspacket.SyncByte
	b[1] = byte(pid >> 8 & 0x1F)
	b[2] = byte(pid)
	b[3] = 0x10
	pkt, err := tspacket.Wrap(b)
	if err != nil {
		panic(err)
	}
	return pkt
}

func TestPIDSet_alwaysCapturesPATAndCAT(t *testing.T) {
	p := NewPIDSet()
	if !p.ShouldCapture(tspacket.PIDPAT, true) {
		t.Fatalf("PAT should always be captured")
	}
	if !p.ShouldCapture(tspacket.PIDCAT, false) {
		t.Fatalf("CAT should always be captured")
	}
}

func TestPIDSet_capturesTrackedPMTPIDs(t *testing.T) {
	p := NewPIDSet()
	p.SetPMTPIDs([]uint16{0x100, 0x200})
	if !p.ShouldCapture(0x100, true) {
		t.Fatalf("expected 0x100 to be captured as a tracked PMT PID")
	}
	if p.ShouldCapture(0x300, true) {
		t.Fatalf("0x300 was never registered as a PMT PID")
	}
}

func TestPIDSet_dvbFixedPIDs(t *testing.T) {
	p := NewPIDSet()
	for _, pid := range []uint16{0x10, 0x11, 0x12, 0x13, 0x14, 0x16} {
		if !p.ShouldCapture(pid, true) {
			t.Fatalf("expected DVB SI PID %#x to be captured", pid)
		}
	}
	if p.ShouldCapture(0x1FFB, true) {
		t.Fatalf("ATSC PSIP base PID should not be captured on a DVB network")
	}
}

func TestPIDSet_atscMGTDiscoveredPIDs(t *testing.T) {
	p := NewPIDSet()
	if !p.ShouldCapture(0x1FFB, false) {
		t.Fatalf("expected ATSC PSIP base PID to be captured")
	}

	mgt := &atsc.MGT{Entries: []atsc.MGTEntry{{TableType: 0x04, PID: 0x1FFC}}}
	p.OnMGT(mgt, []uint16{0x1000}, []uint16{0x1100})

	if !p.ShouldCapture(0x1FFC, false) {
		t.Fatalf("expected channel ETT PID to be captured after OnMGT")
	}
	if !p.ShouldCapture(0x1000, false) {
		t.Fatalf("expected discovered EIT PID to be captured")
	}
	if !p.ShouldCapture(0x1100, false) {
		t.Fatalf("expected discovered ETT PID to be captured")
	}
	if p.ShouldCapture(0x1200, false) {
		t.Fatalf("0x1200 was never discovered")
	}
}

func TestWriter_capturesAndCompresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.tsi.br")

	w, err := New(path, brotli.DefaultCompression)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p := NewPIDSet()
	if err := w.Capture(p, true, packet(tspacket.PIDPAT)); err != nil {
		t.Fatalf("Capture PAT: %v", err)
	}
	if err := w.Capture(p, true, packet(0x1234)); err != nil {
		t.Fatalf("Capture non-SI pid: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(brotli.NewReader(f))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if len(raw) != tspacket.Size {
		t.Fatalf("decompressed len = %d, want %d (only the PAT packet should be captured)", len(raw), tspacket.Size)
	}
}
