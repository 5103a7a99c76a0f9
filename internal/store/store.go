// Package store defines the persisted multiplex/service/PID schema from §6
// as an opaque key-value-ish backend the cache (internal/cache) flushes
// into, plus a concrete modernc.org/sqlite implementation.
//
// Per §1, the on-disk database is an external collaborator the core treats
// as "an opaque key-value store the cache flushes into" — Store is that
// opaque interface. sqlite.go is the one concrete implementation this
// engine ships, grounded on the teacher's internal/plex/dvr.go and
// lineup.go (sql.Open("sqlite", path) with the pure-Go
// modernc.org/sqlite driver, CREATE TABLE IF NOT EXISTS schema
// bootstrapping).
package store

import (
	"context"

	"github.com/snapetech/tsengine/internal/model"
)

// Store is the persistence boundary §6 describes abstractly as tables
// Multiplexes/Services/PIDs. All methods are safe for concurrent use; the
// concrete SQLiteStore serializes access with an internal mutex per §5
// ("Database store: serialized by an internal mutex; writeback is
// transactional").
type Store interface {
	// FindMultiplexByUID returns the multiplex or (nil, ErrNotFound).
	FindMultiplexByUID(ctx context.Context, uid int64) (*model.Multiplex, error)
	// FindMultiplexByIDs looks up by the (network_id, transport_stream_id) unique key.
	FindMultiplexByIDs(ctx context.Context, netID, tsID uint16) (*model.Multiplex, error)
	// AddMultiplex inserts a new multiplex and returns its assigned UID.
	AddMultiplex(ctx context.Context, m *model.Multiplex) (int64, error)
	// UpdateMultiplex persists mutable fields (TuningParams, NetworkID, TransportStreamID, PATVersion).
	UpdateMultiplex(ctx context.Context, m *model.Multiplex) error
	// DeleteMultiplex removes a multiplex and all its services/PIDs.
	DeleteMultiplex(ctx context.Context, uid int64) error
	// EnumerateMultiplexes returns every stored multiplex.
	EnumerateMultiplexes(ctx context.Context) ([]*model.Multiplex, error)

	// ServicesForMultiplex returns all services currently stored for a multiplex.
	ServicesForMultiplex(ctx context.Context, muxUID int64) ([]*model.Service, error)
	// UpsertService inserts or fully replaces a service keyed by (mux_uid, service_id).
	UpsertService(ctx context.Context, s *model.Service) error
	// DeleteService removes a service (and its PIDs) by (mux_uid, service_id).
	DeleteService(ctx context.Context, muxUID int64, serviceID uint16) error

	// ProgramInfo returns the stored PID list for a service, or nil if none.
	ProgramInfo(ctx context.Context, muxUID int64, serviceID uint16) (*model.ProgramInfo, error)
	// SetProgramInfo replaces the PID list for a service in one transaction.
	SetProgramInfo(ctx context.Context, muxUID int64, serviceID uint16, info *model.ProgramInfo) error

	// Close releases any underlying resources (DB handle, etc.).
	Close() error
}

