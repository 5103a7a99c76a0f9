package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/tserr"
)

// SQLiteStore is the modernc.org/sqlite-backed Store. All access is
// serialized by mu, matching the teacher's single sql.DB-per-process
// usage in internal/plex/dvr.go — the pure-Go driver means no cgo, and
// an internal mutex avoids SQLITE_BUSY under the writer/writeback
// access pattern described in §5 rather than relying on WAL retry
// semantics.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite opens (creating if absent) a SQLite database at path and
// ensures the Multiplexes/Services/PIDs schema from §6 exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // pure-Go driver, no concurrent writer support
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS multiplexes (
			uid INTEGER PRIMARY KEY AUTOINCREMENT,
			delivery TEXT NOT NULL,
			tuning_params TEXT NOT NULL DEFAULT '{}',
			network_id INTEGER NOT NULL DEFAULT 0,
			network_id_known INTEGER NOT NULL DEFAULT 0,
			ts_id INTEGER NOT NULL DEFAULT 0,
			ts_id_known INTEGER NOT NULL DEFAULT 0,
			pat_version INTEGER NOT NULL DEFAULT -1
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_multiplexes_ids ON multiplexes(network_id, ts_id)
			WHERE network_id_known = 1 AND ts_id_known = 1`,
		`CREATE TABLE IF NOT EXISTS services (
			mux_uid INTEGER NOT NULL,
			service_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			pmt_pid INTEGER NOT NULL DEFAULT 0,
			pmt_version INTEGER NOT NULL DEFAULT -1,
			pcr_pid INTEGER NOT NULL DEFAULT 0,
			type INTEGER NOT NULL DEFAULT 0,
			source_id INTEGER NOT NULL DEFAULT 0,
			conditional_access INTEGER NOT NULL DEFAULT 0,
			running_status INTEGER NOT NULL DEFAULT 0,
			eit_pf INTEGER NOT NULL DEFAULT 0,
			eit_schedule INTEGER NOT NULL DEFAULT 0,
			seen_in_pat INTEGER NOT NULL DEFAULT 0,
			seen_in_sdt INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (mux_uid, service_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pids (
			mux_uid INTEGER NOT NULL,
			service_id INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			stream_type INTEGER NOT NULL,
			subtype TEXT NOT NULL DEFAULT '',
			pmt_version INTEGER NOT NULL DEFAULT -1,
			descriptors BLOB,
			PRIMARY KEY (mux_uid, service_id, pid)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w: %w", tserr.ErrStore, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalParams(p map[string]string) (string, error) {
	if p == nil {
		p = map[string]string{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalParams(s string) (map[string]string, error) {
	p := map[string]string{}
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func scanMultiplex(row interface {
	Scan(dest ...any) error
}) (*model.Multiplex, error) {
	var m model.Multiplex
	var params string
	var netKnown, tsKnown int
	if err := row.Scan(&m.UID, &m.Delivery, &params, &m.NetworkID, &netKnown, &m.TransportStreamID, &tsKnown, &m.PATVersion); err != nil {
		return nil, err
	}
	m.NetworkIDKnown = netKnown != 0
	m.TransportStreamIDKnown = tsKnown != 0
	tp, err := unmarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("store: decode tuning params: %w", err)
	}
	m.TuningParams = tp
	return &m, nil
}

const multiplexCols = `uid, delivery, tuning_params, network_id, network_id_known, ts_id, ts_id_known, pat_version`

// FindMultiplexByUID implements Store.
func (s *SQLiteStore) FindMultiplexByUID(ctx context.Context, uid int64) (*model.Multiplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+multiplexCols+` FROM multiplexes WHERE uid = ?`, uid)
	m, err := scanMultiplex(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: multiplex uid=%d: %w", uid, tserr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	return m, nil
}

// FindMultiplexByIDs implements Store.
func (s *SQLiteStore) FindMultiplexByIDs(ctx context.Context, netID, tsID uint16) (*model.Multiplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+multiplexCols+` FROM multiplexes WHERE network_id = ? AND network_id_known = 1 AND ts_id = ? AND ts_id_known = 1`, netID, tsID)
	m, err := scanMultiplex(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: multiplex %04x.%04x: %w", netID, tsID, tserr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	return m, nil
}

// AddMultiplex implements Store.
func (s *SQLiteStore) AddMultiplex(ctx context.Context, m *model.Multiplex) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	params, err := marshalParams(m.TuningParams)
	if err != nil {
		return 0, fmt.Errorf("store: encode tuning params: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO multiplexes (delivery, tuning_params, network_id, network_id_known, ts_id, ts_id_known, pat_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(m.Delivery), params, m.NetworkID, boolInt(m.NetworkIDKnown), m.TransportStreamID, boolInt(m.TransportStreamIDKnown), m.PATVersion)
	if err != nil {
		return 0, fmt.Errorf("store: add multiplex: %w: %w", tserr.ErrStore, err)
	}
	uid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add multiplex: %w: %w", tserr.ErrStore, err)
	}
	return uid, nil
}

// UpdateMultiplex implements Store.
func (s *SQLiteStore) UpdateMultiplex(ctx context.Context, m *model.Multiplex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	params, err := marshalParams(m.TuningParams)
	if err != nil {
		return fmt.Errorf("store: encode tuning params: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE multiplexes SET delivery=?, tuning_params=?, network_id=?, network_id_known=?, ts_id=?, ts_id_known=?, pat_version=? WHERE uid=?`,
		string(m.Delivery), params, m.NetworkID, boolInt(m.NetworkIDKnown), m.TransportStreamID, boolInt(m.TransportStreamIDKnown), m.PATVersion, m.UID)
	if err != nil {
		return fmt.Errorf("store: update multiplex: %w: %w", tserr.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: multiplex uid=%d: %w", m.UID, tserr.ErrNotFound)
	}
	return nil
}

// DeleteMultiplex implements Store.
func (s *SQLiteStore) DeleteMultiplex(ctx context.Context, uid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pids WHERE mux_uid = ?`, uid); err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE mux_uid = ?`, uid); err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM multiplexes WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: multiplex uid=%d: %w", uid, tserr.ErrNotFound)
	}
	return tx.Commit()
}

// EnumerateMultiplexes implements Store.
func (s *SQLiteStore) EnumerateMultiplexes(ctx context.Context) ([]*model.Multiplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+multiplexCols+` FROM multiplexes ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	defer rows.Close()
	var out []*model.Multiplex
	for rows.Next() {
		m, err := scanMultiplex(rows)
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const serviceCols = `mux_uid, service_id, name, pmt_pid, pmt_version, pcr_pid, type, source_id, conditional_access, running_status, eit_pf, eit_schedule, seen_in_pat, seen_in_sdt`

func scanService(row interface {
	Scan(dest ...any) error
}) (*model.Service, error) {
	var svc model.Service
	var ca, eitPF, eitSched, seenPAT, seenSDT int
	if err := row.Scan(&svc.MultiplexUID, &svc.ServiceID, &svc.Name, &svc.PMTPID, &svc.PMTVersion, &svc.PCRPID,
		&svc.Type, &svc.SourceID, &ca, &svc.RunningStatus, &eitPF, &eitSched, &seenPAT, &seenSDT); err != nil {
		return nil, err
	}
	svc.ConditionalAccess = ca != 0
	svc.EITPresentFollowing = eitPF != 0
	svc.EITSchedule = eitSched != 0
	svc.SeenInPAT = seenPAT != 0
	svc.SeenInSDT = seenSDT != 0
	return &svc, nil
}

// ServicesForMultiplex implements Store.
func (s *SQLiteStore) ServicesForMultiplex(ctx context.Context, muxUID int64) ([]*model.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+serviceCols+` FROM services WHERE mux_uid = ? ORDER BY service_id`, muxUID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	defer rows.Close()
	var out []*model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// UpsertService implements Store. Matches services.h's update-or-create
// idiom (ServiceAdd vs. the Update* family): a PK collision on
// (mux_uid, service_id) replaces the existing row in full.
func (s *SQLiteStore) UpsertService(ctx context.Context, svc *model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO services (`+serviceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(mux_uid, service_id) DO UPDATE SET
			name=excluded.name, pmt_pid=excluded.pmt_pid, pmt_version=excluded.pmt_version,
			pcr_pid=excluded.pcr_pid, type=excluded.type, source_id=excluded.source_id,
			conditional_access=excluded.conditional_access, running_status=excluded.running_status,
			eit_pf=excluded.eit_pf, eit_schedule=excluded.eit_schedule,
			seen_in_pat=excluded.seen_in_pat, seen_in_sdt=excluded.seen_in_sdt`,
		svc.MultiplexUID, svc.ServiceID, svc.Name, svc.PMTPID, svc.PMTVersion, svc.PCRPID, svc.Type, svc.SourceID,
		boolInt(svc.ConditionalAccess), svc.RunningStatus, boolInt(svc.EITPresentFollowing), boolInt(svc.EITSchedule),
		boolInt(svc.SeenInPAT), boolInt(svc.SeenInSDT))
	if err != nil {
		return fmt.Errorf("store: upsert service: %w: %w", tserr.ErrStore, err)
	}
	return nil
}

// DeleteService implements Store.
func (s *SQLiteStore) DeleteService(ctx context.Context, muxUID int64, serviceID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pids WHERE mux_uid = ? AND service_id = ?`, muxUID, serviceID); err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE mux_uid = ? AND service_id = ?`, muxUID, serviceID)
	if err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: service mux=%d id=%d: %w", muxUID, serviceID, tserr.ErrNotFound)
	}
	return tx.Commit()
}

// ProgramInfo implements Store.
func (s *SQLiteStore) ProgramInfo(ctx context.Context, muxUID int64, serviceID uint16) (*model.ProgramInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT pid, stream_type, subtype, pmt_version, descriptors FROM pids WHERE mux_uid = ? AND service_id = ? ORDER BY pid`, muxUID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	defer rows.Close()
	pi := &model.ProgramInfo{ServiceID: serviceID}
	for rows.Next() {
		var p model.PIDInfo
		var streamType byte
		if err := rows.Scan(&p.PID, &streamType, &p.Subtype, &p.PMTVersion, &p.Descriptors); err != nil {
			return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
		}
		p.Type = model.StreamType(streamType)
		pi.PIDs = append(pi.PIDs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	if len(pi.PIDs) == 0 {
		return nil, nil
	}
	return pi, nil
}

// SetProgramInfo implements Store, replacing the full PID set for a
// service in one transaction, matching CacheUpdateProgramInfo's
// wholesale-replace contract in cache.h.
func (s *SQLiteStore) SetProgramInfo(ctx context.Context, muxUID int64, serviceID uint16, info *model.ProgramInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pids WHERE mux_uid = ? AND service_id = ?`, muxUID, serviceID); err != nil {
		return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
	}
	if info != nil {
		for _, p := range info.PIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO pids (mux_uid, service_id, pid, stream_type, subtype, pmt_version, descriptors) VALUES (?,?,?,?,?,?,?)`,
				muxUID, serviceID, p.PID, byte(p.Type), p.Subtype, p.PMTVersion, p.Descriptors); err != nil {
				return fmt.Errorf("store: %w: %w", tserr.ErrStore, err)
			}
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
