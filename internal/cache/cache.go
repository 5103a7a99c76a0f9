// Package cache implements the in-memory service/PID cache described in
// §4.3: a single multiplex's worth of services and PIDs, held in memory so
// the reader thread's PID filter groups never block on the database.
// Grounded directly on original_source/include/cache.h (CacheLoad,
// CacheWriteback, CacheServiceFind/FindId/FindName, CacheServicesGet/
// Release, CacheUpdate*, CacheServiceAdd/Delete) — the module's own doc
// comment there states the concern precisely: "allow changes to be
// recorded by the PID filters running in the TS Filter thread without
// having the thread halted while the database file is accessed."
//
// The teacher's RWMutex usage (internal/catalog/catalog.go, the
// read-mostly in-memory index guarded by sync.RWMutex) is the idiom this
// package generalizes: readers (PID filter groups doing PID->service
// lookups) take RLock, while Load/Writeback/mutators take the full Lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snapetech/tsengine/internal/metrics"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/store"
	"github.com/snapetech/tsengine/internal/tserr"
)

// Cache holds one multiplex's services and program info in memory,
// backed by a Store for load/writeback. Per §4.3, a cache is always
// scoped to exactly one multiplex at a time; switching multiplexes is a
// Load call, not a second Cache instance.
type Cache struct {
	st store.Store

	// Metrics, when set, observes Writeback latency.
	Metrics *metrics.Registry

	mu       sync.RWMutex
	mux      *model.Multiplex
	services map[uint16]*model.Service     // live in-memory state, keyed by ServiceID
	programs map[uint16]*model.ProgramInfo // keyed by ServiceID

	deleted map[uint16]bool // services removed since load, pending writeback
}

// New creates a Cache backed by st. The cache starts unloaded; call Load
// before any lookups.
func New(st store.Store) *Cache {
	return &Cache{st: st}
}

// Load reads every service and its program info for mux from the store,
// replacing any previously cached multiplex. Per cache.h's CacheLoad
// contract, this should only be called while the reader thread is
// quiesced (§4.9's controller sequence: quiesce -> writeback -> load ->
// tune -> resume).
func (c *Cache) Load(ctx context.Context, mux *model.Multiplex) error {
	services, err := c.st.ServicesForMultiplex(ctx, mux.UID)
	if err != nil {
		return fmt.Errorf("cache: load multiplex %d: %w", mux.UID, err)
	}

	byID := make(map[uint16]*model.Service, len(services))
	programs := make(map[uint16]*model.ProgramInfo, len(services))
	for _, svc := range services {
		cp := *svc
		byID[svc.ServiceID] = &cp

		pi, err := c.st.ProgramInfo(ctx, mux.UID, svc.ServiceID)
		if err != nil {
			return fmt.Errorf("cache: load program info service=%d: %w", svc.ServiceID, err)
		}
		if pi != nil {
			programs[svc.ServiceID] = pi
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	muxCopy := *mux
	c.mux = &muxCopy
	c.services = byID
	c.programs = programs
	c.deleted = map[uint16]bool{}
	return nil
}

// Multiplex returns the multiplex the cache currently manages, or nil if
// unloaded.
func (c *Cache) Multiplex() *model.Multiplex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mux
}

// ServiceFindID returns the cached service with the given program
// number, per CacheServiceFindId.
func (c *Cache) ServiceFindID(id uint16) (*model.Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[id]
	if !ok {
		return nil, fmt.Errorf("cache: service id=%d: %w", id, tserr.ErrNotFound)
	}
	return svc, nil
}

// ServiceFindName returns the cached service with the given name, per
// CacheServiceFindName. Names are not guaranteed unique on air; the
// match with the lowest service id wins.
func (c *Cache) ServiceFindName(name string) (*model.Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.orderedIDsLocked() {
		if svc := c.services[id]; svc.Name == name {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("cache: service name=%q: %w", name, tserr.ErrNotFound)
}

// ServiceFind resolves name as either a bare service name or a
// fully-qualified net.ts.svc hex triple, matching CacheServiceFind's
// documented dual syntax.
func (c *Cache) ServiceFind(name string) (*model.Service, error) {
	if netID, tsID, svcID, ok := model.ParseFQID(name); ok {
		c.mu.RLock()
		mux := c.mux
		c.mu.RUnlock()
		if mux != nil && mux.HasIdentity() && mux.NetworkID == netID && mux.TransportStreamID == tsID {
			return c.ServiceFindID(svcID)
		}
		return nil, fmt.Errorf("cache: service %s: %w", name, tserr.ErrNotFound)
	}
	return c.ServiceFindName(name)
}

// ServicesSnapshot returns a stable-ordered copy of every cached
// service, matching the lock-for-duration contract CacheServicesGet/
// CacheServicesRelease describe in the C API — here expressed as a
// value copy taken under RLock instead of a separate
// lock/unlock pair, since Go slices of pointers to copies need no
// explicit release.
func (c *Cache) ServicesSnapshot() []*model.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Service, 0, len(c.services))
	for _, id := range c.orderedIDsLocked() {
		cp := *c.services[id]
		out = append(out, &cp)
	}
	return out
}

// orderedIDsLocked returns service IDs in ascending order. Caller must
// hold c.mu (read or write).
func (c *Cache) orderedIDsLocked() []uint16 {
	ids := make([]uint16, 0, len(c.services))
	for id := range c.services {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// ProgramInfo returns the cached PID list for a service, per
// CacheProgramInfoGet.
func (c *Cache) ProgramInfo(serviceID uint16) (*model.ProgramInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pi, ok := c.programs[serviceID]
	return pi, ok
}

// UpdateProgramInfo replaces the PID list for a service, per
// CacheUpdateProgramInfo. The caller (the PMT handler) is expected to
// have already computed the added/changed/removed diff via model.Diff
// for event-firing purposes; this call only updates cache state.
func (c *Cache) UpdateProgramInfo(serviceID uint16, info *model.ProgramInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[serviceID] = info
}

// UpdateMultiplex updates the cached multiplex's PAT version and
// transport stream ID, per CacheUpdateMultiplex.
func (c *Cache) UpdateMultiplex(patVersion int, tsID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mux == nil {
		return
	}
	c.mux.PATVersion = patVersion
	c.mux.TransportStreamID = tsID
	c.mux.TransportStreamIDKnown = true
}

// UpdateNetworkID updates the cached multiplex's network id, per
// CacheUpdateNetworkId.
func (c *Cache) UpdateNetworkID(netID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mux == nil {
		return
	}
	c.mux.NetworkID = netID
	c.mux.NetworkIDKnown = true
}

// mutateService applies fn to the cached service with the given id.
// No per-field dirty flag is kept and no load-time snapshot is diffed:
// Writeback upserts every live service whether or not it changed.
func (c *Cache) mutateService(id uint16, fn func(*model.Service)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[id]
	if !ok {
		return fmt.Errorf("cache: service id=%d: %w", id, tserr.ErrNotFound)
	}
	fn(svc)
	return nil
}

// UpdateServicePMTPID sets the PMT PID, per CacheUpdateServicePMTPID.
func (c *Cache) UpdateServicePMTPID(id uint16, pmtPID uint16) error {
	return c.mutateService(id, func(s *model.Service) { s.PMTPID = pmtPID })
}

// UpdateServicePCRPID sets the PCR PID, per CacheUpdateServicePCRPID.
func (c *Cache) UpdateServicePCRPID(id uint16, pcrPID uint16) error {
	return c.mutateService(id, func(s *model.Service) { s.PCRPID = pcrPID })
}

// UpdateServiceName sets the service name, per CacheUpdateServiceName.
func (c *Cache) UpdateServiceName(id uint16, name string) error {
	return c.mutateService(id, func(s *model.Service) { s.Name = name })
}

// UpdateServiceSource sets the ATSC source id, per CacheUpdateServiceSource.
func (c *Cache) UpdateServiceSource(id uint16, sourceID uint16) error {
	return c.mutateService(id, func(s *model.Service) { s.SourceID = sourceID })
}

// UpdateServiceConditionalAccess sets the CA flag, per
// CacheUpdateServiceConditionalAccess.
func (c *Cache) UpdateServiceConditionalAccess(id uint16, ca bool) error {
	return c.mutateService(id, func(s *model.Service) { s.ConditionalAccess = ca })
}

// UpdateServiceType sets the coarse service type, per
// CacheUpdateServiceType.
func (c *Cache) UpdateServiceType(id uint16, t model.ServiceType) error {
	return c.mutateService(id, func(s *model.Service) { s.Type = t })
}

// ServiceAdd inserts a new service into the cache, per CacheServiceAdd.
// Matches the idempotent-on-equal-input convention: adding an id that
// already exists just returns the existing service.
func (c *Cache) ServiceAdd(id uint16, sourceID uint16) *model.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.services[id]; ok {
		return existing
	}
	if c.services == nil {
		c.services = map[uint16]*model.Service{}
	}
	svc := &model.Service{MultiplexUID: c.muxUIDLocked(), ServiceID: id, SourceID: sourceID, PMTVersion: -1}
	c.services[id] = svc
	return svc
}

// ServiceSeen records that a service was observed in a given table
// (PAT or SDT/VCT), per cache.h's ServiceSeen concept folded into the
// Service_t seen bits described in §3.
func (c *Cache) ServiceSeen(id uint16, inPAT, inSDT bool) error {
	return c.mutateService(id, func(s *model.Service) {
		if inPAT {
			s.SeenInPAT = true
		}
		if inSDT {
			s.SeenInSDT = true
		}
	})
}

// ServiceDelete removes a service from the cache, per
// CacheServiceDelete. It is recorded for the next Writeback rather than
// applied to the store immediately.
func (c *Cache) ServiceDelete(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, id)
	delete(c.programs, id)
	if c.deleted == nil {
		c.deleted = map[uint16]bool{}
	}
	c.deleted[id] = true
}

func (c *Cache) muxUIDLocked() int64 {
	if c.mux == nil {
		return 0
	}
	return c.mux.UID
}

// Writeback flushes the current in-memory state to the store, per
// CacheWriteback: the multiplex record, every live service (upsert),
// every service deleted since the last Load or Writeback, and the
// program info for each live service.
func (c *Cache) Writeback(ctx context.Context) error {
	if c.Metrics != nil {
		start := time.Now()
		defer func() { c.Metrics.WritebackDuration.Observe(time.Since(start).Seconds()) }()
	}

	c.mu.Lock()
	if c.mux == nil {
		c.mu.Unlock()
		return nil
	}
	mux := *c.mux
	services := make([]*model.Service, 0, len(c.services))
	for _, svc := range c.services {
		services = append(services, svc)
	}
	programs := make(map[uint16]*model.ProgramInfo, len(c.programs))
	for id, pi := range c.programs {
		programs[id] = pi
	}
	deletedIDs := make([]uint16, 0, len(c.deleted))
	for id := range c.deleted {
		deletedIDs = append(deletedIDs, id)
	}
	c.mu.Unlock()

	if err := c.st.UpdateMultiplex(ctx, &mux); err != nil {
		return fmt.Errorf("cache: writeback multiplex: %w", err)
	}
	for _, id := range deletedIDs {
		if err := c.st.DeleteService(ctx, mux.UID, id); err != nil && !errors.Is(err, tserr.ErrNotFound) {
			return fmt.Errorf("cache: writeback delete service=%d: %w", id, err)
		}
	}
	for _, svc := range services {
		if err := c.st.UpsertService(ctx, svc); err != nil {
			return fmt.Errorf("cache: writeback service=%d: %w", svc.ServiceID, err)
		}
		if pi, ok := programs[svc.ServiceID]; ok {
			if err := c.st.SetProgramInfo(ctx, mux.UID, svc.ServiceID, pi); err != nil {
				return fmt.Errorf("cache: writeback program info service=%d: %w", svc.ServiceID, err)
			}
		}
	}

	c.mu.Lock()
	c.deleted = map[uint16]bool{}
	c.mu.Unlock()
	return nil
}
