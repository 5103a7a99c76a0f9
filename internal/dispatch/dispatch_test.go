package dispatch

import (
	"testing"

	"github.com/snapetech/tsengine/internal/psi/crc"
	"github.com/snapetech/tsengine/internal/sidemux"
	"github.com/snapetech/tsengine/internal/tspacket"
)

func mustWrap(t *testing.T, b []byte) tspacket.Packet {
	t.Helper()
	p, err := tspacket.Wrap(b)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	return p
}

func blankPacket(t *testing.T, pid uint16) tspacket.Packet {
	t.Helper()
	b := make([]byte, 188)
	b[0] = 0x47
	b[1] = byte(pid >> 8 & 0x1F)
	b[2] = byte(pid)
	b[3] = 0x10
	return mustWrap(t, b)
}

// sectionPackets splits a CRC-terminated section across packets on pid,
// the first carrying payload_unit_start and a zero pointer_field.
func sectionPackets(t *testing.T, pid uint16, section []byte) []tspacket.Packet {
	t.Helper()
	var out []tspacket.Packet
	for cc := byte(0); cc == 0 || len(section) > 0; cc++ {
		b := make([]byte, 188)
		for i := range b {
			b[i] = 0xFF
		}
		b[0] = 0x47
		b[1] = byte(pid >> 8 & 0x1F)
		b[2] = byte(pid)
		b[3] = 0x10 | cc&0x0F
		off := 4
		if cc == 0 {
			b[1] |= 0x40
			b[4] = 0x00
			off = 5
		}
		n := copy(b[off:], section)
		section = section[n:]
		out = append(out, mustWrap(t, b))
	}
	return out
}

func TestDispatcher_packetFilterOrdering(t *testing.T) {
	d := New(nil)
	var order []string

	g1 := NewGroup("g1")
	g1.AddPacketFilter(0x100, func(g *Group, pkt tspacket.Packet) { order = append(order, "g1") })
	g2 := NewGroup("g2")
	g2.AddPacketFilter(0x100, func(g *Group, pkt tspacket.Packet) { order = append(order, "g2") })

	d.Register(g1)
	d.Register(g2)

	d.Dispatch(blankPacket(t, 0x100))
	if len(order) != 2 || order[0] != "g1" || order[1] != "g2" {
		t.Fatalf("order = %v", order)
	}
}

func TestDispatcher_sectionBeforePacketWithinGroup(t *testing.T) {
	d := New(nil)
	var order []string

	g := NewGroup("g")
	demux := sidemux.New(0x10, nil)
	demux.Attach(0x00, func(section []byte) { order = append(order, "section") })
	g.AddSectionFilter(0x10, demux)
	g.AddPacketFilter(0x10, func(gg *Group, pkt tspacket.Packet) { order = append(order, "packet") })
	d.Register(g)

	// A one-packet PAT section: the demux emits it before the packet
	// filter sees the same packet.
	pat := crc.AppendCRC32([]byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xE1, 0x00})
	d.Dispatch(sectionPackets(t, 0x10, pat)[0])
	if len(order) != 2 || order[0] != "section" || order[1] != "packet" {
		t.Fatalf("order = %v", order)
	}
}

func TestDispatcher_allFilter(t *testing.T) {
	d := New(nil)
	var hits int
	g := NewGroup("catch-all")
	g.AddPacketFilter(ALL, func(gg *Group, pkt tspacket.Packet) { hits++ })
	d.Register(g)

	d.Dispatch(blankPacket(t, 0x100))
	d.Dispatch(blankPacket(t, 0x200))
	if hits != 2 {
		t.Fatalf("hits = %d, want 2", hits)
	}
}

func TestDispatcher_unrelatedPIDNotDispatched(t *testing.T) {
	d := New(nil)
	var hits int
	g := NewGroup("g")
	g.AddPacketFilter(0x100, func(gg *Group, pkt tspacket.Packet) { hits++ })
	d.Register(g)

	d.Dispatch(blankPacket(t, 0x200))
	if hits != 0 {
		t.Fatalf("hits = %d, want 0", hits)
	}
}

func TestDispatcher_unregister(t *testing.T) {
	d := New(nil)
	var hits int
	g := NewGroup("g")
	g.AddPacketFilter(0x100, func(gg *Group, pkt tspacket.Packet) { hits++ })
	d.Register(g)
	d.Unregister(g)

	d.Dispatch(blankPacket(t, 0x100))
	if hits != 0 {
		t.Fatalf("hits = %d, want 0 after unregister", hits)
	}
}

func TestDispatcher_muxChangedNotifiesAllGroups(t *testing.T) {
	d := New(nil)
	var got []any
	g1 := NewGroup("g1")
	g1.OnMuxChanged(func(newMux any) { got = append(got, newMux) })
	g2 := NewGroup("g2")
	g2.OnMuxChanged(func(newMux any) { got = append(got, newMux) })
	d.Register(g1)
	d.Register(g2)

	d.MuxChanged("mux-123")
	if len(got) != 2 || got[0] != "mux-123" || got[1] != "mux-123" {
		t.Fatalf("got = %v", got)
	}
}

func TestDispatcher_tsStructureChangedResetsDemuxes(t *testing.T) {
	d := New(nil)
	g := NewGroup("g")
	demux := sidemux.New(0x10, nil)
	var sections int
	demux.Attach(0x02, func(section []byte) { sections++ })
	var fired bool
	g.OnTSStructureChanged(func() { fired = true })
	g.AddSectionFilter(0x10, demux)
	d.Register(g)

	// A 212-byte section spans two packets; the reset between them drops
	// the partial section, so the continuation alone delivers nothing.
	long := append([]byte{0x02, 0xB0, 0xD1, 0x00, 0x01, 0xC1, 0x00, 0x00}, make([]byte, 200)...)
	pkts := sectionPackets(t, 0x10, crc.AppendCRC32(long))
	d.Dispatch(pkts[0])
	d.TSStructureChanged()
	if !fired {
		t.Fatal("expected TSStructureChanged callback to fire")
	}
	d.Dispatch(pkts[1])
	if sections != 0 {
		t.Fatalf("sections = %d, want 0 after the reset dropped the partial section", sections)
	}
}

func TestDispatcher_registerIdempotent(t *testing.T) {
	d := New(nil)
	g := NewGroup("g")
	var hits int
	g.AddPacketFilter(0x100, func(gg *Group, pkt tspacket.Packet) { hits++ })
	d.Register(g)
	d.Register(g)

	d.Dispatch(blankPacket(t, 0x100))
	if hits != 1 {
		t.Fatalf("hits = %d, want 1 (double registration should be a no-op)", hits)
	}
}
