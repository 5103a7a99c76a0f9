// Package sitables wires the PAT, PMT, SDT, NIT, and ATSC VCT decoders
// into a single §4.6 Filter Group that keeps a Cache current and fires
// the corresponding mpeg2./dvb./atsc. events as tables arrive, per §2's
// "table decoders deliver to (cache update | event fire)" pipeline.
//
// Grounded on cmd/tsengine/main.go's wireSICapture (the same
// MGT-driven dynamic section-filter-attach idiom, here applied to PMTs
// discovered via PAT instead of EIT/ETT discovered via MGT) and on
// internal/scan's buildGroup/attachPMT, which watches the same table
// set for completion gating; this package gives both call sites one
// place to keep the cache in sync instead of duplicating the mutator
// calls.
package sitables

import (
	"log/slog"
	"sync"

	"github.com/snapetech/tsengine/internal/cache"
	"github.com/snapetech/tsengine/internal/dispatch"
	"github.com/snapetech/tsengine/internal/eventbus"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/psi/atsc"
	"github.com/snapetech/tsengine/internal/psi/nit"
	"github.com/snapetech/tsengine/internal/psi/pat"
	"github.com/snapetech/tsengine/internal/psi/pmt"
	"github.com/snapetech/tsengine/internal/psi/sdt"
	"github.com/snapetech/tsengine/internal/sidemux"
)

const (
	patPID  uint16 = 0x0000
	sdtPID  uint16 = 0x0011
	nitPID  uint16 = 0x0010
	psipPID uint16 = atsc.PIDPSIP
)

// ProgramInfoChange is the mpeg2.program_info_changed event payload: the
// PIDs a PMT update added, changed, or removed against the previously
// cached program info, per §4.5's "the PMT handler distinguishes
// added/changed/removed elementary streams by PID set-diff".
type ProgramInfoChange struct {
	ServiceID uint16
	Added     []model.PIDInfo
	Changed   []model.PIDInfo
	Removed   []model.PIDInfo
}

// Maintainer applies PAT/PMT/SDT/NIT/VCT table arrivals to a Cache and
// fires the matching event on a Bus. Its Handle* methods are reusable on
// their own (internal/scan drives them from its own scan-scoped
// decoders); Group builds a self-contained, long-lived dispatch.Group
// for a caller that just wants the whole table set watched.
type Maintainer struct {
	cch *cache.Cache
	bus *eventbus.Bus
	log *slog.Logger
}

// New creates a Maintainer.
func New(cch *cache.Cache, bus *eventbus.Bus, log *slog.Logger) *Maintainer {
	if log == nil {
		log = slog.Default()
	}
	return &Maintainer{cch: cch, bus: bus, log: log}
}

// HandlePAT records every program PAT names as a service (seen_in_pat,
// PMT PID) and fires mpeg2.pat. Program number 0 names the NIT PID, not
// a service, per ISO/IEC 13818-1.
func (m *Maintainer) HandlePAT(t *pat.Table) {
	m.cch.UpdateMultiplex(t.Version, t.TransportStreamID)
	for _, prog := range t.Programs {
		if prog.ProgramNumber == 0 {
			continue
		}
		m.cch.ServiceAdd(prog.ProgramNumber, 0)
		if err := m.cch.ServiceSeen(prog.ProgramNumber, true, false); err != nil {
			m.log.Warn("sitables: service seen (pat)", "service", prog.ProgramNumber, "error", err)
		}
		if err := m.cch.UpdateServicePMTPID(prog.ProgramNumber, prog.PID); err != nil {
			m.log.Warn("sitables: update pmt pid", "service", prog.ProgramNumber, "error", err)
		}
	}
	m.bus.Fire("mpeg2.pat", t)
}

// HandlePMT diffs info against the cached program info for its service,
// updates the cache, and fires mpeg2.pmt (and mpeg2.program_info_changed
// when the diff is non-empty), per §4.5's PMT handling.
func (m *Maintainer) HandlePMT(info *model.ProgramInfo, pcrPID uint16) {
	old, _ := m.cch.ProgramInfo(info.ServiceID)
	added, changed, removed := model.Diff(old, info)

	m.cch.UpdateProgramInfo(info.ServiceID, info)
	if err := m.cch.UpdateServiceConditionalAccess(info.ServiceID, info.ConditionalAccess); err != nil {
		m.log.Warn("sitables: update ca", "service", info.ServiceID, "error", err)
	}
	if err := m.cch.UpdateServicePCRPID(info.ServiceID, pcrPID); err != nil {
		m.log.Warn("sitables: update pcr pid", "service", info.ServiceID, "error", err)
	}

	m.bus.Fire("mpeg2.pmt", info)
	if len(added) > 0 || len(changed) > 0 || len(removed) > 0 {
		m.bus.Fire("mpeg2.program_info_changed", ProgramInfoChange{
			ServiceID: info.ServiceID,
			Added:     added,
			Changed:   changed,
			Removed:   removed,
		})
	}
}

// HandleSDT records each entry's name, type, and CA flag against the
// service it names, sets the multiplex's network id from an actual SDT,
// and fires dvb.sdt.
func (m *Maintainer) HandleSDT(t *sdt.Table) {
	if t.Actual {
		m.cch.UpdateNetworkID(t.OriginalNetworkID)
	}
	for _, e := range t.Services {
		m.cch.ServiceAdd(e.ServiceID, 0)
		if err := m.cch.ServiceSeen(e.ServiceID, false, true); err != nil {
			m.log.Warn("sitables: service seen (sdt)", "service", e.ServiceID, "error", err)
		}
		if e.ServiceName != "" {
			if err := m.cch.UpdateServiceName(e.ServiceID, e.ServiceName); err != nil {
				m.log.Warn("sitables: update service name", "service", e.ServiceID, "error", err)
			}
		}
		if err := m.cch.UpdateServiceConditionalAccess(e.ServiceID, e.ConditionalAccess); err != nil {
			m.log.Warn("sitables: update ca (sdt)", "service", e.ServiceID, "error", err)
		}
		if err := m.cch.UpdateServiceType(e.ServiceID, serviceTypeFromDVB(e.ServiceType)); err != nil {
			m.log.Warn("sitables: update service type (sdt)", "service", e.ServiceID, "error", err)
		}
	}
	m.bus.Fire("dvb.sdt", t)
}

// HandleNIT sets the multiplex's network id from an actual NIT and fires
// dvb.nit. The transport-stream loop's LCN/frequency-list descriptors
// drive channel-list presentation and full-spectrum scan discovery
// (internal/scan), not any per-service cache field, so they are left to
// the event payload rather than written into the cache here.
func (m *Maintainer) HandleNIT(t *nit.Table) {
	if t.Actual {
		m.cch.UpdateNetworkID(t.NetworkID)
	}
	m.bus.Fire("dvb.nit", t)
}

// HandleVCT records each channel's short name, source id, and service
// type against the service it names (by program_number) and fires
// atsc.vct. A channel with program_number 0 is an analog-only entry
// with no PMT and is skipped.
func (m *Maintainer) HandleVCT(v *atsc.VCT) {
	for _, ch := range v.Channels {
		if ch.ProgramNumber == 0 {
			continue
		}
		m.cch.ServiceAdd(ch.ProgramNumber, ch.SourceID)
		if err := m.cch.ServiceSeen(ch.ProgramNumber, false, true); err != nil {
			m.log.Warn("sitables: service seen (vct)", "service", ch.ProgramNumber, "error", err)
		}
		if ch.ShortName != "" {
			if err := m.cch.UpdateServiceName(ch.ProgramNumber, ch.ShortName); err != nil {
				m.log.Warn("sitables: update service name (vct)", "service", ch.ProgramNumber, "error", err)
			}
		}
		if err := m.cch.UpdateServiceSource(ch.ProgramNumber, ch.SourceID); err != nil {
			m.log.Warn("sitables: update source id", "service", ch.ProgramNumber, "error", err)
		}
		if err := m.cch.UpdateServiceType(ch.ProgramNumber, serviceTypeFromATSC(ch.ServiceType)); err != nil {
			m.log.Warn("sitables: update service type (vct)", "service", ch.ProgramNumber, "error", err)
		}
	}
	m.bus.Fire("atsc.vct", v)
}

func serviceTypeFromDVB(t byte) model.ServiceType {
	switch t {
	case 0x01, 0x11, 0x16, 0x19: // digital television, HD TV, and variants
		return model.ServiceTypeTV
	case 0x02, 0x0A: // digital radio sound, advanced codec radio
		return model.ServiceTypeRadio
	default:
		return model.ServiceTypeData
	}
}

func serviceTypeFromATSC(t byte) model.ServiceType {
	switch t {
	case 0x02:
		return model.ServiceTypeTV
	case 0x03:
		return model.ServiceTypeRadio
	default:
		return model.ServiceTypeData
	}
}

// Group builds a dispatch.Group that watches PAT (and, dynamically,
// every PMT it names), SDT, NIT, and ATSC VCT, applying each table to
// the Cache through the Handle* methods above. The group is meant to be
// registered once and left registered: per §4.6, Dispatcher.Register is
// permanent and MuxChanged/TSStructureChanged already reach every
// registered group on every retune, so a single registration at startup
// keeps the cache current across the whole process lifetime without any
// change needed at the tuning controller.
func (m *Maintainer) Group() *dispatch.Group {
	group := dispatch.NewGroup("sitables")

	patDecoder := pat.New()
	patDemux := sidemux.New(patPID, m.log)
	patDemux.Attach(0x00, patDecoder.Feed)
	group.AddSectionFilter(patPID, patDemux)

	attached := map[uint16]bool{}
	var mu sync.Mutex

	attachPMT := func(pmtPID uint16) {
		mu.Lock()
		if attached[pmtPID] {
			mu.Unlock()
			return
		}
		attached[pmtPID] = true
		mu.Unlock()

		decoder := pmt.New()
		demux := sidemux.New(pmtPID, m.log)
		demux.Attach(0x02, decoder.Feed)
		decoder.OnProgram = func(info *model.ProgramInfo, version int, pcrPID uint16) {
			m.HandlePMT(info, pcrPID)
		}
		group.AddSectionFilter(pmtPID, demux)
	}

	patDecoder.OnTable = func(t *pat.Table) {
		m.HandlePAT(t)
		for _, prog := range t.Programs {
			if prog.ProgramNumber == 0 {
				continue
			}
			attachPMT(prog.PID)
		}
	}

	sdtDecoder := sdt.New()
	sdtDemux := sidemux.New(sdtPID, m.log)
	sdtDemux.Attach(0x42, sdtDecoder.Feed)
	sdtDemux.Attach(0x46, sdtDecoder.Feed)
	sdtDecoder.OnTable = m.HandleSDT
	group.AddSectionFilter(sdtPID, sdtDemux)

	nitDecoder := nit.New()
	nitDemux := sidemux.New(nitPID, m.log)
	nitDemux.Attach(nit.TableIDActual, nitDecoder.Feed)
	nitDemux.Attach(nit.TableIDOther, nitDecoder.Feed)
	nitDecoder.OnTable = m.HandleNIT
	group.AddSectionFilter(nitPID, nitDemux)

	vctDecoder := atsc.NewVCTDecoder()
	psipDemux := sidemux.New(psipPID, m.log)
	psipDemux.Attach(atsc.TableIDTVCT, vctDecoder.Feed)
	psipDemux.Attach(atsc.TableIDCVCT, vctDecoder.Feed)
	vctDecoder.OnTable = m.HandleVCT
	group.AddSectionFilter(psipPID, psipDemux)

	// A structure change (new PAT program set, retune) invalidates which
	// PMT PIDs are still live; drop every dynamically-attached PMT filter
	// so the next PAT re-attaches exactly the current set instead of
	// accumulating stale ones across retunes.
	group.OnTSStructureChanged(func() {
		mu.Lock()
		pids := make([]uint16, 0, len(attached))
		for pid := range attached {
			pids = append(pids, pid)
		}
		attached = map[uint16]bool{}
		mu.Unlock()
		for _, pid := range pids {
			group.RemoveSectionFilter(pid)
		}
	})

	return group
}
