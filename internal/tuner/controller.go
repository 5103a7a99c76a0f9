// Package tuner implements the Tuning Controller described in §4.9: it
// owns the current service/multiplex pair, drives the front-end through
// a retune sequence when the target service lives on a different
// multiplex, and exposes the lock/unlock pair the scan state machine
// uses to pin selection across scan restores.
//
// Grounded on original_source/src/tuning.c's TuningCurrentServiceSet and
// TuneMultiplex; where tuning.c's literal statement order and spec.md
// §4.9's stated sequence disagree, §4.9 is treated as authoritative
// (quiesce reader, writeback cache, load new multiplex, tune front-end,
// wait for lock, then and only then adopt the new multiplex and
// retarget the primary service filter).
package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snapetech/tsengine/internal/cache"
	"github.com/snapetech/tsengine/internal/dispatch"
	"github.com/snapetech/tsengine/internal/eventbus"
	"github.com/snapetech/tsengine/internal/metrics"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/reader"
	"github.com/snapetech/tsengine/internal/servicefilter"
	"github.com/snapetech/tsengine/internal/store"
	"github.com/snapetech/tsengine/internal/tserr"
)

// defaultLockTimeout is the 30s default tune timeout from §4.9.
const defaultLockTimeout = 30 * time.Second

// defaultPollInterval is how often Controller polls FrontEnd.Status
// while waiting for lock. Exposed as a struct field so tests can shrink
// it; production callers leave it at the default.
const defaultPollInterval = 100 * time.Millisecond

// Status reports a front-end's current tuning state.
type Status struct {
	Locked bool
}

// FrontEnd is the hardware (or emulated) tuner a Controller drives. Tune
// begins tuning asynchronously; Status is polled until Locked is true or
// the controller's lock timeout elapses.
type FrontEnd interface {
	Tune(ctx context.Context, mux *model.Multiplex) error
	Status(ctx context.Context) (Status, error)
}

// Controller owns the current service/multiplex selection for one
// adapter and drives retunes through FrontEnd, Reader, Cache, and the
// primary service filter in the sequence §4.9 specifies.
type Controller struct {
	fe    FrontEnd
	rdr   *reader.Reader
	disp  *dispatch.Dispatcher
	cch   *cache.Cache
	st    store.Store
	prim  *servicefilter.Filter
	bus   *eventbus.Bus
	log   *slog.Logger

	// Metrics, when set, counts retune attempts and failures.
	Metrics *metrics.Registry

	LockTimeout             time.Duration
	PollInterval            time.Duration
	RemoveFailedFrequencies bool

	mu             sync.Mutex
	currentMux     *model.Multiplex
	currentService *model.Service
	locked         bool
}

// New creates a Controller. prim is the primary service filter whose
// target is retargeted on every successful service change; bus is the
// event bus service_changed/multiplex_changed notifications fire on.
func New(fe FrontEnd, rdr *reader.Reader, disp *dispatch.Dispatcher, cch *cache.Cache, st store.Store, prim *servicefilter.Filter, bus *eventbus.Bus, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		fe:           fe,
		rdr:          rdr,
		disp:         disp,
		cch:          cch,
		st:           st,
		prim:         prim,
		bus:          bus,
		log:          log,
		LockTimeout:  defaultLockTimeout,
		PollInterval: defaultPollInterval,
	}
}

// CurrentMultiplex returns the multiplex currently tuned, or nil.
func (c *Controller) CurrentMultiplex() *model.Multiplex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentMux
}

// CurrentService returns the currently selected service, or nil.
func (c *Controller) CurrentService() *model.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentService
}

// LockService pins the current selection: SetCurrentService calls fail
// with tserr.ErrBusy until UnlockService is called. Used by the scan
// state machine so it can tune away and restore the pre-scan service
// without a concurrent control-thread request retargeting mid-scan.
func (c *Controller) LockService() {
	c.mu.Lock()
	c.locked = true
	c.mu.Unlock()
}

// UnlockService releases a LockService hold.
func (c *Controller) UnlockService() {
	c.mu.Lock()
	c.locked = false
	c.mu.Unlock()
}

// SetCurrentService changes the current service. If serviceID already
// lives on the multiplex currently loaded in cache, only the primary
// service filter is retargeted (no retune). Otherwise the full retune
// sequence runs: quiesce the reader, write back the current cache,
// load mux into the cache, tune the front end, wait for lock, adopt the
// new multiplex and service, and re-enable. The reader's packet counters
// and bitrate estimate are not reset by a retune.
func (c *Controller) SetCurrentService(ctx context.Context, mux *model.Multiplex, serviceID uint16) error {
	c.mu.Lock()
	if c.locked {
		c.mu.Unlock()
		return fmt.Errorf("tuner: set current service: %w", tserr.ErrBusy)
	}
	sameMux := c.currentMux != nil && c.currentMux.UID == mux.UID
	c.mu.Unlock()

	if sameMux {
		return c.retargetLocked(ctx, serviceID)
	}
	return c.retune(ctx, mux, serviceID)
}

// retargetLocked retargets the primary service filter to serviceID on
// the multiplex already loaded, without touching the front end.
func (c *Controller) retargetLocked(ctx context.Context, serviceID uint16) error {
	svc, err := c.cch.ServiceFindID(serviceID)
	if err != nil {
		return fmt.Errorf("tuner: retarget service=%d: %w", serviceID, err)
	}
	info, _ := c.cch.ProgramInfo(serviceID)

	c.prim.SetTarget(serviceID, svc.PMTPID, svc.PCRPID, info)

	c.mu.Lock()
	c.currentService = svc
	c.mu.Unlock()

	c.bus.Fire("tuning.service_changed", svc)
	return nil
}

// retune performs the full quiesce/writeback/load/tune/resume sequence
// for a service on a different multiplex than the one currently loaded.
func (c *Controller) retune(ctx context.Context, mux *model.Multiplex, serviceID uint16) error {
	if c.Metrics != nil {
		c.Metrics.RetuneTotal.Inc()
	}
	c.rdr.Enable(false)

	if err := c.cch.Writeback(ctx); err != nil {
		c.rdr.Enable(true)
		c.countRetuneFailure()
		return fmt.Errorf("tuner: writeback before retune: %w", err)
	}

	if err := c.cch.Load(ctx, mux); err != nil {
		c.rdr.Enable(true)
		c.countRetuneFailure()
		return fmt.Errorf("tuner: load multiplex %d: %w", mux.UID, err)
	}

	tuneCtx, cancel := context.WithTimeout(ctx, c.lockTimeout())
	defer cancel()
	if err := c.fe.Tune(tuneCtx, mux); err != nil {
		c.rdr.Enable(true)
		c.bus.Fire("dvb_adapter.tune_failed", mux)
		c.countRetuneFailure()
		return fmt.Errorf("tuner: tune multiplex %d: %w", mux.UID, err)
	}

	if err := c.waitLock(tuneCtx); err != nil {
		c.rdr.Enable(true)
		c.bus.Fire("dvb_adapter.tune_failed", mux)
		c.countRetuneFailure()
		if c.RemoveFailedFrequencies {
			if delErr := c.st.DeleteMultiplex(ctx, mux.UID); delErr != nil && !errors.Is(delErr, tserr.ErrNotFound) {
				c.log.Warn("tuner: failed to remove failed multiplex", "uid", mux.UID, "error", delErr)
			}
		}
		return fmt.Errorf("tuner: multiplex %d: %w", mux.UID, err)
	}

	svc, err := c.cch.ServiceFindID(serviceID)
	if err != nil {
		c.rdr.Enable(true)
		c.countRetuneFailure()
		return fmt.Errorf("tuner: service=%d on multiplex %d: %w", serviceID, mux.UID, err)
	}
	info, _ := c.cch.ProgramInfo(serviceID)

	c.prim.SetTarget(serviceID, svc.PMTPID, svc.PCRPID, info)

	c.mu.Lock()
	c.currentMux = mux
	c.currentService = svc
	c.mu.Unlock()

	c.disp.MuxChanged(mux)
	c.disp.TSStructureChanged()

	c.bus.Fire("tuning.multiplex_changed", mux)
	c.bus.Fire("tuning.service_changed", svc)

	c.rdr.Enable(true)
	return nil
}

// SetCurrentMultiplex retunes to mux without pinning a target service,
// used by the control surface's set_current_multiplex operation where
// the caller wants the front end parked on a multiplex before choosing
// a service. If mux is already current, this is a no-op. On success the
// cache's first known service (by service ID order), if any, becomes
// the current service so the primary filter has a target; callers that
// want a specific service should follow up with SetCurrentService.
func (c *Controller) SetCurrentMultiplex(ctx context.Context, mux *model.Multiplex) error {
	c.mu.Lock()
	if c.locked {
		c.mu.Unlock()
		return fmt.Errorf("tuner: set current multiplex: %w", tserr.ErrBusy)
	}
	sameMux := c.currentMux != nil && c.currentMux.UID == mux.UID
	c.mu.Unlock()
	if sameMux {
		return nil
	}

	if c.Metrics != nil {
		c.Metrics.RetuneTotal.Inc()
	}
	c.rdr.Enable(false)

	if err := c.cch.Writeback(ctx); err != nil {
		c.rdr.Enable(true)
		c.countRetuneFailure()
		return fmt.Errorf("tuner: writeback before retune: %w", err)
	}
	if err := c.cch.Load(ctx, mux); err != nil {
		c.rdr.Enable(true)
		c.countRetuneFailure()
		return fmt.Errorf("tuner: load multiplex %d: %w", mux.UID, err)
	}

	tuneCtx, cancel := context.WithTimeout(ctx, c.lockTimeout())
	defer cancel()
	if err := c.fe.Tune(tuneCtx, mux); err != nil {
		c.rdr.Enable(true)
		c.bus.Fire("dvb_adapter.tune_failed", mux)
		c.countRetuneFailure()
		return fmt.Errorf("tuner: tune multiplex %d: %w", mux.UID, err)
	}
	if err := c.waitLock(tuneCtx); err != nil {
		c.rdr.Enable(true)
		c.bus.Fire("dvb_adapter.tune_failed", mux)
		c.countRetuneFailure()
		if c.RemoveFailedFrequencies {
			if delErr := c.st.DeleteMultiplex(ctx, mux.UID); delErr != nil && !errors.Is(delErr, tserr.ErrNotFound) {
				c.log.Warn("tuner: failed to remove failed multiplex", "uid", mux.UID, "error", delErr)
			}
		}
		return fmt.Errorf("tuner: multiplex %d: %w", mux.UID, err)
	}

	var svc *model.Service
	if svcs := c.cch.ServicesSnapshot(); len(svcs) > 0 {
		svc = svcs[0]
		info, _ := c.cch.ProgramInfo(svc.ServiceID)
		c.prim.SetTarget(svc.ServiceID, svc.PMTPID, svc.PCRPID, info)
	}

	c.mu.Lock()
	c.currentMux = mux
	c.currentService = svc
	c.mu.Unlock()

	c.disp.MuxChanged(mux)
	c.disp.TSStructureChanged()

	c.bus.Fire("tuning.multiplex_changed", mux)
	if svc != nil {
		c.bus.Fire("tuning.service_changed", svc)
	}

	c.rdr.Enable(true)
	return nil
}

func (c *Controller) countRetuneFailure() {
	if c.Metrics != nil {
		c.Metrics.RetuneFailedTotal.Inc()
	}
}

// waitLock polls the front end's Status until Locked is true or ctx is
// done, per §4.9's "on locked event (or timeout-to-fail)".
func (c *Controller) waitLock(ctx context.Context) error {
	for {
		status, err := c.fe.Status(ctx)
		if err != nil {
			return fmt.Errorf("tuner: status: %w", err)
		}
		if status.Locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return &tserr.Timeout{Scope: "lock"}
		case <-time.After(c.pollInterval()):
		}
	}
}

func (c *Controller) lockTimeout() time.Duration {
	if c.LockTimeout <= 0 {
		return defaultLockTimeout
	}
	return c.LockTimeout
}

func (c *Controller) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return defaultPollInterval
	}
	return c.PollInterval
}
