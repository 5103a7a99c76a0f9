// Package dispatch implements the reader-thread packet fan-out described
// in spec §4.6: named Filter Groups register section and packet filters
// against PIDs (or ALL), and the reader hands every packet to the groups
// registered for its PID, section filters before packet filters.
//
// Grounded on original_source/include/subtableprocessor.h's registration
// pattern (PID-keyed handler lists owned by named processors) and on
// Open Question (b): the dynamic list design is normative, not the older
// fixed 20-slot array.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/snapetech/tsengine/internal/metrics"
	"github.com/snapetech/tsengine/internal/sidemux"
	"github.com/snapetech/tsengine/internal/tspacket"
)

// ALL is the pseudo-PID a packet filter registers against to receive
// every packet regardless of PID.
const ALL uint16 = 0x2000 // outside the 13-bit PID space, used as a sentinel key

// PacketFunc receives every packet a packet filter is registered for.
type PacketFunc func(group *Group, pkt tspacket.Packet)

// Group is a named filter registration. Section filters route a PID's
// reassembled sections into a table-decoder chain; packet filters see
// raw packets for a PID or for ALL. Both kinds fire in the order they
// were added within their own kind, and across groups in the order the
// groups were registered with the Dispatcher.
type Group struct {
	Name string

	mu             sync.Mutex
	sectionFilters map[uint16]*sidemux.Demux
	packetFilters  map[uint16][]PacketFunc

	onMuxChanged         func(newMux any)
	onTSStructureChanged func()
}

// NewGroup creates an empty, unregistered filter group.
func NewGroup(name string) *Group {
	return &Group{
		Name:           name,
		sectionFilters: make(map[uint16]*sidemux.Demux),
		packetFilters:  make(map[uint16][]PacketFunc),
	}
}

// AddSectionFilter attaches a section demux for pid. Replaces any demux
// previously attached for the same pid.
func (g *Group) AddSectionFilter(pid uint16, d *sidemux.Demux) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sectionFilters[pid] = d
}

// RemoveSectionFilter detaches the section demux for pid, if any.
func (g *Group) RemoveSectionFilter(pid uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sectionFilters, pid)
}

// AddPacketFilter registers fn to receive packets for pid, or for every
// packet if pid is ALL.
func (g *Group) AddPacketFilter(pid uint16, fn PacketFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.packetFilters[pid] = append(g.packetFilters[pid], fn)
}

// ClearPacketFilters removes every packet filter registered for pid.
func (g *Group) ClearPacketFilters(pid uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.packetFilters, pid)
}

// OnMuxChanged sets the callback fired when the Dispatcher's current
// multiplex changes. newMux is nil when tuning away with no replacement.
func (g *Group) OnMuxChanged(fn func(newMux any)) { g.onMuxChanged = fn }

// OnTSStructureChanged sets the callback fired when the dispatcher's
// TS-structure-change flag is raised.
func (g *Group) OnTSStructureChanged(fn func()) { g.onTSStructureChanged = fn }

// pids returns the set of PIDs (excluding ALL) this group currently
// cares about, used by the Dispatcher to maintain its flat index.
func (g *Group) pids() []uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[uint16]bool)
	var out []uint16
	for pid := range g.sectionFilters {
		if !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}
	for pid := range g.packetFilters {
		if pid == ALL || seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
	}
	return out
}

// dispatch feeds pkt to g's section filter and per-pid packet filters
// for pid. Pass ALL to run only g's ALL packet filters.
func (g *Group) dispatch(pid uint16, pkt tspacket.Packet) {
	g.mu.Lock()
	var demux *sidemux.Demux
	var fns []PacketFunc
	if pid == ALL {
		fns = append(fns, g.packetFilters[ALL]...)
	} else {
		demux = g.sectionFilters[pid]
		fns = append(fns, g.packetFilters[pid]...)
	}
	g.mu.Unlock()

	if demux != nil {
		demux.Feed(pkt)
	}
	for _, fn := range fns {
		fn(g, pkt)
	}
}

func (g *Group) hasAllFilter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.packetFilters[ALL]) > 0
}

// Dispatcher fans packets out to registered Filter Groups. It is driven
// by the single reader thread (internal/reader); the mutation methods
// (Register/Unregister/group filter changes) may be called from other
// goroutines and take effect on the next packet, per §4.6's "mutations
// take effect on the next packet" rule — the dispatcher snapshots its
// index once per Dispatch call.
type Dispatcher struct {
	log *slog.Logger

	// Metrics, when set, receives a per-group packet count on every
	// Dispatch call.
	Metrics *metrics.Registry

	mu     sync.Mutex
	groups []*Group // insertion order
}

// New creates an empty Dispatcher.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log}
}

// Register adds g to the dispatcher, at the end of the insertion order.
// Registering the same group twice is a no-op.
func (d *Dispatcher) Register(g *Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.groups {
		if existing == g {
			return
		}
	}
	d.groups = append(d.groups, g)
}

// Unregister removes g from the dispatcher.
func (d *Dispatcher) Unregister(g *Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.groups {
		if existing == g {
			d.groups = append(d.groups[:i], d.groups[i+1:]...)
			return
		}
	}
}

const pidSpace = 8192 // 13-bit PID space, §4.6's "flat 8192-entry index"

// index is the flat per-PID lookup table the reader consults for every
// packet. Rebuilt from the current group registrations; group filter
// mutations made mid-batch are picked up by the next rebuild, matching
// §4.6's "such mutations take effect on the next packet".
type index struct {
	byPID [pidSpace][]*Group
	all   []*Group
}

func buildIndex(groups []*Group) *index {
	idx := &index{}
	for _, g := range groups {
		for _, pid := range g.pids() {
			if int(pid) < pidSpace {
				idx.byPID[pid] = append(idx.byPID[pid], g)
			}
		}
		if g.hasAllFilter() {
			idx.all = append(idx.all, g)
		}
	}
	return idx
}

// Dispatch runs one packet through every registered group whose PID set
// includes pkt's PID, or ALL, in group registration order. Within a
// single group, section filters run before packet filters, per §4.6.
func (d *Dispatcher) Dispatch(pkt tspacket.Packet) {
	d.mu.Lock()
	groups := append([]*Group(nil), d.groups...)
	d.mu.Unlock()

	idx := buildIndex(groups)
	pid := pkt.PID()
	if int(pid) < pidSpace {
		for _, g := range idx.byPID[pid] {
			g.dispatch(pid, pkt)
			d.countDelivery(g)
		}
	}
	for _, g := range idx.all {
		g.dispatch(ALL, pkt)
		d.countDelivery(g)
	}
}

func (d *Dispatcher) countDelivery(g *Group) {
	if d.Metrics != nil {
		d.Metrics.DispatchPacketsTotal.WithLabelValues(g.Name).Inc()
	}
}

// MuxChanged notifies every registered group that the current multiplex
// changed, per §4.6's `MuxChanged(new_mux|null)` group event.
func (d *Dispatcher) MuxChanged(newMux any) {
	d.mu.Lock()
	groups := append([]*Group(nil), d.groups...)
	d.mu.Unlock()
	for _, g := range groups {
		if g.onMuxChanged != nil {
			g.onMuxChanged(newMux)
		}
	}
}

// TSStructureChanged notifies every registered group that the TS
// structure changed and resets every group's section demuxes, so
// duplicates of unchanged tables re-flow to their handlers per §4.6.
func (d *Dispatcher) TSStructureChanged() {
	d.mu.Lock()
	groups := append([]*Group(nil), d.groups...)
	d.mu.Unlock()
	for _, g := range groups {
		g.mu.Lock()
		for _, demux := range g.sectionFilters {
			demux.Reset()
		}
		g.mu.Unlock()
		if g.onTSStructureChanged != nil {
			g.onTSStructureChanged()
		}
	}
}
