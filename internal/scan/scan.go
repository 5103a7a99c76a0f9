// Package scan implements the channel scan state machine described in
// §4.11: for each candidate multiplex, tune, wait for lock, wait for
// PAT + all referenced PMTs + (SDT or VCT), and — when scanning from a
// seed multiplex's network — wait for the NIT and append any
// previously-unseen transponders it names to the candidate queue.
//
// Grounded on original_source/src/scanning.c's state machine
// (SCANNING_STATE_NEXTMUX / WAITINGFORTABLES / WAITINGFORNIT /
// STOPPING) and its per-mux timeout-advances-to-next-candidate
// behaviour; cancellation is kept orthogonal to the state machine
// (a flag checked at each state transition) per §4.11's "Canceling"
// note rather than folded into the state enum itself.
package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/tsengine/internal/cache"
	"github.com/snapetech/tsengine/internal/dispatch"
	"github.com/snapetech/tsengine/internal/eventbus"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/psi/atsc"
	"github.com/snapetech/tsengine/internal/psi/nit"
	"github.com/snapetech/tsengine/internal/psi/pat"
	"github.com/snapetech/tsengine/internal/psi/pmt"
	"github.com/snapetech/tsengine/internal/psi/sdt"
	"github.com/snapetech/tsengine/internal/reader"
	"github.com/snapetech/tsengine/internal/sidemux"
	"github.com/snapetech/tsengine/internal/sitables"
	"github.com/snapetech/tsengine/internal/store"
	"github.com/snapetech/tsengine/internal/tuner"
)

const (
	sdtPID     uint16 = 0x0011
	nitPID     uint16 = 0x0010
	psipPID    uint16 = 0x1FFB // ATSC PSIP base PID: MGT, VCT, STT
)

// State is one node of the scan state machine.
type State int

const (
	StateInit State = iota
	StateNextMux
	StateWaitingForTables
	StateWaitingForNIT
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNextMux:
		return "next_mux"
	case StateWaitingForTables:
		return "waiting_for_tables"
	case StateWaitingForNIT:
		return "waiting_for_nit"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Result records the outcome of scanning one candidate multiplex.
type Result struct {
	Mux   *model.Multiplex
	Found bool
}

// Scanner drives candidate multiplexes through tune/wait-lock/
// wait-tables/wait-nit, reusing the same FrontEnd, Reader, Dispatcher,
// Cache and Store a tuner.Controller uses, and restoring the pre-scan
// service through that Controller when done.
type Scanner struct {
	fe   tuner.FrontEnd
	rdr  *reader.Reader
	disp *dispatch.Dispatcher
	cch  *cache.Cache
	st   store.Store
	ctrl *tuner.Controller
	bus  *eventbus.Bus
	log  *slog.Logger

	// maint applies the same cache mutations and fires the same events
	// the main-path sitables.Maintainer does, so a scan's discoveries
	// land in the cache exactly like a live tune's do rather than only
	// driving buildGroup's completion flags.
	maint *sitables.Maintainer

	LockTimeout   time.Duration
	TablesTimeout time.Duration
	NITTimeout    time.Duration
	PollInterval  time.Duration
	FromNetwork   bool

	// TuneLimiter paces how fast scanOne moves from one candidate to the
	// next, so a long frequency list doesn't hammer the front end with
	// back-to-back tune requests. Callers may replace it (e.g. in tests,
	// with a higher limit) or call SetLimit on the default.
	TuneLimiter *rate.Limiter

	mu       sync.Mutex
	state    State
	canceled bool
}

// New creates a Scanner.
func New(fe tuner.FrontEnd, rdr *reader.Reader, disp *dispatch.Dispatcher, cch *cache.Cache, st store.Store, ctrl *tuner.Controller, bus *eventbus.Bus, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		fe:            fe,
		rdr:           rdr,
		disp:          disp,
		cch:           cch,
		st:            st,
		ctrl:          ctrl,
		bus:           bus,
		log:           log,
		maint:         sitables.New(cch, bus, log),
		LockTimeout:   10 * time.Second,
		TablesTimeout: 10 * time.Second,
		NITTimeout:    5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		// One candidate every 250ms at most, per original_source/src/
		// scanning.c's pacing between SCANNING_STATE_NEXTMUX advances.
		TuneLimiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		state:       StateInit,
	}
}

// State returns the current state machine node.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel requests the scan stop after its current candidate finishes.
// Cancellation is orthogonal to the state machine: it is checked at
// every transition rather than being a state of its own.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
}

func (s *Scanner) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (s *Scanner) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the scan over candidates in order, appending
// network-discovered transponders to the queue when FromNetwork is set,
// and restores the pre-scan service selection on completion or
// cancellation.
func (s *Scanner) Run(ctx context.Context, candidates []*model.Multiplex) []Result {
	preMux := s.ctrl.CurrentMultiplex()
	preSvc := s.ctrl.CurrentService()
	s.ctrl.LockService()

	s.setState(StateInit)
	s.bus.Fire("scan.started", len(candidates))

	seen := map[string]bool{}
	for _, m := range candidates {
		seen[transponderKey(m)] = true
	}

	queue := append([]*model.Multiplex(nil), candidates...)
	var results []Result

	s.setState(StateNextMux)
	for len(queue) > 0 {
		if s.isCanceled() {
			break
		}
		mux := queue[0]
		queue = queue[1:]

		s.bus.Fire("scan.trying", mux)
		found, discovered := s.scanOne(ctx, mux)
		results = append(results, Result{Mux: mux, Found: found})
		if found {
			s.bus.Fire("scan.found", mux)
		}
		for _, d := range discovered {
			key := transponderKey(d)
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, d)
		}
	}

	s.ctrl.UnlockService()
	s.setState(StateStopping)

	if s.isCanceled() {
		s.bus.Fire("scan.cancel", nil)
	}

	// The cache still holds whichever candidate scanOne loaded last; flush
	// its discoveries to the store before reloading the pre-scan multiplex,
	// or everything scanOne found is lost the moment the cache is
	// replaced.
	if err := s.cch.Writeback(ctx); err != nil {
		s.log.Warn("scan: writeback after scan failed", "error", err)
	}

	if preMux != nil && preSvc != nil {
		if err := s.cch.Load(ctx, preMux); err != nil {
			s.log.Warn("scan: failed to reload pre-scan multiplex", "mux", preMux.UID, "error", err)
		}
		if err := s.ctrl.SetCurrentService(ctx, preMux, preSvc.ServiceID); err != nil {
			s.log.Warn("scan: failed to restore pre-scan service", "error", err)
		}
	} else {
		s.rdr.Enable(true)
	}

	s.setState(StateStopped)
	s.bus.Fire("scan.finished", results)
	return results
}

func transponderKey(m *model.Multiplex) string {
	if m.HasIdentity() {
		return fmtHex(m.NetworkID) + "." + fmtHex(m.TransportStreamID)
	}
	if freq, ok := m.TuningParam("Frequency"); ok {
		return "freq:" + freq
	}
	return "unidentified"
}

func fmtHex(v uint16) string {
	const hexDigits = "0123456789abcdef"
	b := [4]byte{}
	for i := 3; i >= 0; i-- {
		b[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}

// tableFlags tracks the per-candidate arrival of the tables §4.11's
// wait-tables step watches for.
type tableFlags struct {
	mu         sync.Mutex
	patDone    bool
	pmtPending map[uint16]bool
	pmtDone    map[uint16]bool
	sdtDone    bool
	vctDone    bool
	nitTable   *nit.Table
}

func newTableFlags() *tableFlags {
	return &tableFlags{pmtPending: map[uint16]bool{}, pmtDone: map[uint16]bool{}}
}

func (f *tableFlags) tablesComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.patDone {
		return false
	}
	for pid := range f.pmtPending {
		if !f.pmtDone[pid] {
			return false
		}
	}
	return f.sdtDone || f.vctDone
}

func (f *tableFlags) nit() *nit.Table {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nitTable
}

// scanOne tunes to mux, waits for lock and the completion tables, and
// returns whether the multiplex yielded a usable service set, plus any
// transponders discovered via its NIT (only populated when
// s.FromNetwork is set).
func (s *Scanner) scanOne(ctx context.Context, mux *model.Multiplex) (found bool, discovered []*model.Multiplex) {
	if s.TuneLimiter != nil {
		if err := s.TuneLimiter.Wait(ctx); err != nil {
			return false, nil
		}
	}

	s.rdr.Enable(false)
	if err := s.cch.Load(ctx, mux); err != nil {
		s.log.Warn("scan: cache load failed", "mux", mux.UID, "error", err)
		s.rdr.Enable(true)
		return false, nil
	}

	flags := newTableFlags()
	group := s.buildGroup(flags)
	s.disp.Register(group)
	defer s.disp.Unregister(group)

	tuneCtx, cancel := context.WithTimeout(ctx, s.LockTimeout)
	defer cancel()
	if err := s.fe.Tune(tuneCtx, mux); err != nil {
		s.rdr.Enable(true)
		return false, nil
	}
	if !s.waitUntil(tuneCtx, func() bool {
		status, err := s.fe.Status(tuneCtx)
		return err == nil && status.Locked
	}) {
		s.rdr.Enable(true)
		return false, nil
	}

	s.rdr.Enable(true)
	s.setState(StateWaitingForTables)

	tablesCtx, cancelTables := context.WithTimeout(ctx, s.TablesTimeout)
	defer cancelTables()
	tablesOK := s.waitUntil(tablesCtx, flags.tablesComplete)

	if tablesOK && s.FromNetwork {
		s.setState(StateWaitingForNIT)
		nitCtx, cancelNIT := context.WithTimeout(ctx, s.NITTimeout)
		s.waitUntil(nitCtx, func() bool { return flags.nit() != nil })
		cancelNIT()
		if table := flags.nit(); table != nil {
			discovered = s.transpondersFromNIT(mux, table)
		}
	}

	s.rdr.Enable(false)
	s.setState(StateNextMux)
	return tablesOK, discovered
}

func (s *Scanner) transpondersFromNIT(seed *model.Multiplex, table *nit.Table) []*model.Multiplex {
	var out []*model.Multiplex
	for _, ts := range table.Streams {
		if ts.TransportStreamID == seed.TransportStreamID && table.NetworkID == seed.NetworkID {
			continue
		}
		m := &model.Multiplex{
			Delivery:               seed.Delivery,
			NetworkID:              table.NetworkID,
			NetworkIDKnown:         true,
			TransportStreamID:      ts.TransportStreamID,
			TransportStreamIDKnown: true,
			PATVersion:             -1,
		}
		if len(ts.Frequencies) > 0 {
			params := map[string]string{}
			for k, v := range seed.TuningParams {
				params[k] = v
			}
			params["Frequency"] = freqString(ts.Frequencies[0])
			m.TuningParams = params
		}
		out = append(out, m)
	}
	return out
}

func freqString(hz uint32) string {
	digits := "0123456789"
	if hz == 0 {
		return "0"
	}
	var b []byte
	for hz > 0 {
		b = append([]byte{digits[hz%10]}, b...)
		hz /= 10
	}
	return string(b)
}

// waitUntil polls cond every PollInterval until it returns true or ctx
// is done.
func (s *Scanner) waitUntil(ctx context.Context, cond func() bool) bool {
	if cond() {
		return true
	}
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

func (s *Scanner) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return s.PollInterval
}

// buildGroup wires a scan-scoped filter group that watches PAT (and
// dynamically every PMT it names), SDT, and ATSC VCT, recording
// completion into flags. When s.FromNetwork is set it also watches NIT.
func (s *Scanner) buildGroup(flags *tableFlags) *dispatch.Group {
	group := dispatch.NewGroup("scan")

	patDecoder := pat.New()
	patDemux := sidemux.New(0x0000, s.log)
	patDemux.Attach(0x00, patDecoder.Feed)
	group.AddSectionFilter(0x0000, patDemux)

	patDecoder.OnTable = func(t *pat.Table) {
		s.maint.HandlePAT(t)
		flags.mu.Lock()
		flags.patDone = true
		flags.mu.Unlock()
		for _, prog := range t.Programs {
			if prog.ProgramNumber == 0 {
				continue // NIT PID, not a PMT
			}
			s.attachPMT(group, flags, prog.PID)
		}
	}

	sdtDecoder := sdt.New()
	sdtDemux := sidemux.New(sdtPID, s.log)
	sdtDemux.Attach(0x42, sdtDecoder.Feed)
	sdtDemux.Attach(0x46, sdtDecoder.Feed)
	sdtDecoder.OnTable = func(t *sdt.Table) {
		s.maint.HandleSDT(t)
		flags.mu.Lock()
		flags.sdtDone = true
		flags.mu.Unlock()
	}
	group.AddSectionFilter(sdtPID, sdtDemux)

	vctDecoder := atsc.NewVCTDecoder()
	vctDemux := sidemux.New(psipPID, s.log)
	vctDemux.Attach(0xC8, vctDecoder.Feed)
	vctDemux.Attach(0xC9, vctDecoder.Feed)
	vctDecoder.OnTable = func(v *atsc.VCT) {
		s.maint.HandleVCT(v)
		flags.mu.Lock()
		flags.vctDone = true
		flags.mu.Unlock()
	}
	group.AddSectionFilter(psipPID, vctDemux)

	if s.FromNetwork {
		nitDecoder := nit.New()
		nitDemux := sidemux.New(nitPID, s.log)
		nitDemux.Attach(nit.TableIDActual, nitDecoder.Feed)
		nitDecoder.OnTable = func(t *nit.Table) {
			s.maint.HandleNIT(t)
			flags.mu.Lock()
			flags.nitTable = t
			flags.mu.Unlock()
		}
		group.AddSectionFilter(nitPID, nitDemux)
	}

	return group
}

func (s *Scanner) attachPMT(group *dispatch.Group, flags *tableFlags, pmtPID uint16) {
	flags.mu.Lock()
	already := flags.pmtPending[pmtPID]
	flags.pmtPending[pmtPID] = true
	flags.mu.Unlock()
	if already {
		return
	}

	decoder := pmt.New()
	demux := sidemux.New(pmtPID, s.log)
	demux.Attach(0x02, decoder.Feed)
	decoder.OnProgram = func(info *model.ProgramInfo, version int, pcrPID uint16) {
		s.maint.HandlePMT(info, pcrPID)
		flags.mu.Lock()
		flags.pmtDone[pmtPID] = true
		flags.mu.Unlock()
	}
	group.AddSectionFilter(pmtPID, demux)
}
