// Package sqlite implements harvest.Store on a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Config controls where the database file lives.
type Config struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// identityChunk keeps IN lists below SQLite's bound-variable limit.
const identityChunk = 500

// Store is a harvest.Store backed by SQLite. It uses one connection, so every
// statement is serialized and each conditional UPDATE is atomic.
type Store struct {
	db    *sqlx.DB
	clock harvest.Clock
}

var _ harvest.Store = (*Store)(nil)

// New opens (creating if needed) the database at cfg.Path and applies the schema.
func New(ctx context.Context, cfg Config, clock harvest.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, harvest.NewConfigurationError("store.sqlite.path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, busy.Milliseconds(),
	)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, mapErr("ping sqlite", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, clock: clock}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type runRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	Matrix     string         `db:"matrix"`
	Params     string         `db:"params"`
	CreatedAt  int64          `db:"created_at"`
	Cancelled  bool           `db:"cancelled"`
	LockOwner  sql.NullString `db:"lock_owner"`
	LockExpiry sql.NullInt64  `db:"lock_expiry"`
}

func (r runRow) run() (harvest.Run, error) {
	run := harvest.Run{
		ID:         r.ID,
		Name:       r.Name,
		CreatedAt:  fromNanos(r.CreatedAt),
		Cancelled:  r.Cancelled,
		LockOwner:  r.LockOwner.String,
		LockExpiry: fromNullNanos(r.LockExpiry),
	}
	if err := json.Unmarshal([]byte(r.Matrix), &run.Matrix); err != nil {
		return harvest.Run{}, fmt.Errorf("decode matrix of run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Params), &run.Params); err != nil {
		return harvest.Run{}, fmt.Errorf("decode params of run %s: %w", r.ID, err)
	}
	return run, nil
}

type unitRow struct {
	RunID       string         `db:"run_id"`
	Ordinal     int64          `db:"ordinal"`
	City        string         `db:"city"`
	Request     string         `db:"request"`
	Category    string         `db:"category"`
	ExcludeSet  string         `db:"exclude_set"`
	Status      string         `db:"status"`
	LeaseOwner  sql.NullString `db:"lease_owner"`
	LeaseExpiry sql.NullInt64  `db:"lease_expiry"`
	ClaimedAt   sql.NullInt64  `db:"claimed_at"`
	Attempts    int            `db:"attempts"`
	LastError   string         `db:"last_error"`
}

func (r unitRow) unit() harvest.WorkUnit {
	return harvest.WorkUnit{
		RunID:       r.RunID,
		Ordinal:     r.Ordinal,
		City:        r.City,
		Request:     r.Request,
		Category:    r.Category,
		ExcludeSet:  r.ExcludeSet,
		Status:      harvest.UnitStatus(r.Status),
		LeaseOwner:  r.LeaseOwner.String,
		LeaseExpiry: fromNullNanos(r.LeaseExpiry),
		ClaimedAt:   fromNullNanos(r.ClaimedAt),
		Attempts:    r.Attempts,
		LastError:   r.LastError,
	}
}

const unitColumns = `run_id, ordinal, city, request, category, exclude_set, status,
	lease_owner, lease_expiry, claimed_at, attempts, last_error`

const runColumns = `id, name, matrix, params, created_at, cancelled, lock_owner, lock_expiry`

// CreateRun inserts the run row.
func (s *Store) CreateRun(ctx context.Context, run harvest.Run) error {
	matrix, err := json.Marshal(run.Matrix)
	if err != nil {
		return fmt.Errorf("encode matrix: %w", err)
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, matrix, params, created_at, cancelled) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, string(matrix), string(params), toNanos(run.CreatedAt), run.Cancelled,
	)
	if err != nil {
		return mapErr("create run", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (harvest.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Run{}, &harvest.RunNotFoundError{RunID: runID}
	}
	if err != nil {
		return harvest.Run{}, mapErr("get run", err)
	}
	return row.run()
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]harvest.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapErr("list runs", err)
	}
	out := make([]harvest.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.run()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// SetCancelled flips the run's cancellation flag.
func (s *Store) SetCancelled(ctx context.Context, runID string, cancelled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET cancelled = ? WHERE id = ?`, cancelled, runID)
	if err != nil {
		return mapErr("set cancelled", err)
	}
	return requireRow(res, runID)
}

// SeedUnits inserts units that are not already present.
func (s *Store) SeedUnits(ctx context.Context, runID string, units []harvest.WorkUnit) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, mapErr("begin seed", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := runExists(ctx, tx, runID); err != nil {
		return 0, err
	}
	stmt, err := tx.PreparexContext(ctx, `
INSERT INTO work_units (run_id, ordinal, city, request, category, exclude_set, status)
VALUES (?, ?, ?, ?, ?, ?, 'pending')
ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, mapErr("prepare seed", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, u := range units {
		res, err := stmt.ExecContext(ctx, runID, u.Ordinal, u.City, u.Request, u.Category, u.ExcludeSet)
		if err != nil {
			return 0, mapErr("seed unit", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, mapErr("commit seed", err)
	}
	return inserted, nil
}

// ClaimNext leases the lowest-ordinal pending or lease-expired unit.
func (s *Store) ClaimNext(
	ctx context.Context,
	runID, leaseOwner string,
	lease time.Duration,
) (harvest.WorkUnit, bool, error) {
	now := s.clock.Now()
	var row unitRow
	err := s.db.QueryRowxContext(ctx, `
UPDATE work_units
SET status = 'claimed', lease_owner = ?, lease_expiry = ?, claimed_at = ?
WHERE run_id = ? AND ordinal = (
	SELECT ordinal FROM work_units
	WHERE run_id = ?
	  AND (status = 'pending' OR (status = 'claimed' AND lease_expiry < ?))
	ORDER BY ordinal
	LIMIT 1
)
RETURNING `+unitColumns,
		leaseOwner, toNanos(now.Add(lease)), toNanos(now),
		runID, runID, toNanos(now),
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.WorkUnit{}, false, nil
	}
	if err != nil {
		return harvest.WorkUnit{}, false, mapErr("claim next", err)
	}
	return row.unit(), true, nil
}

// CompleteUnit marks the unit done and inserts its results in one transaction.
func (s *Store) CompleteUnit(ctx context.Context, c harvest.Completion) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, mapErr("begin complete", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE work_units
SET status = 'done', lease_owner = NULL, lease_expiry = NULL
WHERE run_id = ? AND ordinal = ? AND status = 'claimed' AND lease_owner = ? AND lease_expiry >= ?`,
		c.RunID, c.Ordinal, c.LeaseOwner, toNanos(s.clock.Now()),
	)
	if err != nil {
		return 0, mapErr("complete unit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, &harvest.StaleLeaseError{RunID: c.RunID, Ordinal: c.Ordinal, LeaseOwner: c.LeaseOwner}
	}

	inserted := 0
	for _, r := range c.Results {
		res, err := tx.ExecContext(ctx, `
INSERT INTO results (run_id, identity, unit_ordinal, payload, fetched_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (run_id, identity) DO NOTHING`,
			c.RunID, r.Identity, c.Ordinal, string(r.Payload), toNanos(r.FetchedAt),
		)
		if err != nil {
			return 0, mapErr("insert result", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, mapErr("commit complete", err)
	}
	return inserted, nil
}

// FailUnit records a failed attempt and either requeues or terminates the unit.
func (s *Store) FailUnit(ctx context.Context, f harvest.Failure) (harvest.UnitStatus, error) {
	var status string
	err := s.db.QueryRowxContext(ctx, `
UPDATE work_units
SET attempts = attempts + 1,
	status = CASE WHEN ? OR attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
	lease_owner = NULL,
	lease_expiry = NULL,
	last_error = ?
WHERE run_id = ? AND ordinal = ? AND status = 'claimed' AND lease_owner = ?
RETURNING status`,
		f.Permanent, f.MaxAttempts, harvest.TruncateError(f.Err),
		f.RunID, f.Ordinal, f.LeaseOwner,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &harvest.StaleLeaseError{RunID: f.RunID, Ordinal: f.Ordinal, LeaseOwner: f.LeaseOwner}
	}
	if err != nil {
		return "", mapErr("fail unit", err)
	}
	return harvest.UnitStatus(status), nil
}

// ReleaseUnit hands a claimed unit back to pending with its attempts untouched.
func (s *Store) ReleaseUnit(ctx context.Context, runID string, ordinal int64, leaseOwner string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE work_units SET status = 'pending', lease_owner = NULL, lease_expiry = NULL
WHERE run_id = ? AND ordinal = ? AND status = 'claimed' AND lease_owner = ?`,
		runID, ordinal, leaseOwner)
	if err != nil {
		return mapErr("release unit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("release unit", err)
	}
	if n == 0 {
		return &harvest.StaleLeaseError{RunID: runID, Ordinal: ordinal, LeaseOwner: leaseOwner}
	}
	return nil
}

// CommittedIdentities returns the subset of identities already stored for the run.
func (s *Store) CommittedIdentities(
	ctx context.Context,
	runID string,
	identities []string,
) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for start := 0; start < len(identities); start += identityChunk {
		chunk := identities[start:min(start+identityChunk, len(identities))]
		query, args, err := sqlx.In(`SELECT identity FROM results WHERE run_id = ? AND identity IN (?)`, runID, chunk)
		if err != nil {
			return nil, fmt.Errorf("build identity query: %w", err)
		}
		var found []string
		if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
			return nil, mapErr("committed identities", err)
		}
		for _, id := range found {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// Counts tallies units by status plus committed results.
func (s *Store) Counts(ctx context.Context, runID string) (harvest.RunCounts, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return harvest.RunCounts{}, mapErr("begin counts", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := runExists(ctx, tx, runID); err != nil {
		return harvest.RunCounts{}, err
	}
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := tx.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM work_units WHERE run_id = ? GROUP BY status`, runID); err != nil {
		return harvest.RunCounts{}, mapErr("count units", err)
	}
	var counts harvest.RunCounts
	for _, r := range rows {
		counts.Add(harvest.UnitStatus(r.Status), r.N)
	}
	if err := tx.GetContext(ctx, &counts.Results,
		`SELECT COUNT(*) FROM results WHERE run_id = ?`, runID); err != nil {
		return harvest.RunCounts{}, mapErr("count results", err)
	}
	return counts, nil
}

// ListUnits returns units in ordinal order, optionally filtered by status.
func (s *Store) ListUnits(ctx context.Context, runID string, filter harvest.UnitFilter) ([]harvest.WorkUnit, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	var rows []unitRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT `+unitColumns+` FROM work_units
WHERE run_id = ? AND (? = '' OR status = ?)
ORDER BY ordinal
LIMIT ?`, runID, string(filter.Status), string(filter.Status), limit)
	if err != nil {
		return nil, mapErr("list units", err)
	}
	out := make([]harvest.WorkUnit, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.unit())
	}
	return out, nil
}

// ListResults returns committed results ordered by unit ordinal, then identity.
func (s *Store) ListResults(ctx context.Context, runID string) ([]harvest.Result, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	var rows []struct {
		Identity    string `db:"identity"`
		UnitOrdinal int64  `db:"unit_ordinal"`
		Payload     string `db:"payload"`
		FetchedAt   int64  `db:"fetched_at"`
		City        string `db:"city"`
		Request     string `db:"request"`
		Category    string `db:"category"`
	}
	err := s.db.SelectContext(ctx, &rows, `
SELECT r.identity, r.unit_ordinal, r.payload, r.fetched_at,
	COALESCE(u.city, '') AS city, COALESCE(u.request, '') AS request, COALESCE(u.category, '') AS category
FROM results r
LEFT JOIN work_units u ON u.run_id = r.run_id AND u.ordinal = r.unit_ordinal
WHERE r.run_id = ?
ORDER BY r.unit_ordinal, r.identity`, runID)
	if err != nil {
		return nil, mapErr("list results", err)
	}
	out := make([]harvest.Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, harvest.Result{
			RunID:       runID,
			Identity:    r.Identity,
			UnitOrdinal: r.UnitOrdinal,
			Payload:     json.RawMessage(r.Payload),
			FetchedAt:   fromNanos(r.FetchedAt),
			City:        r.City,
			Request:     r.Request,
			Category:    r.Category,
		})
	}
	return out, nil
}

// RetryUnit moves a failed unit back to pending with a fresh attempt budget.
func (s *Store) RetryUnit(ctx context.Context, runID string, ordinal int64) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE work_units SET status = 'pending', attempts = 0, last_error = ''
WHERE run_id = ? AND ordinal = ? AND status = 'failed'`, runID, ordinal)
	if err != nil {
		return mapErr("retry unit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed unit %d of run %s: %w", ordinal, runID, harvest.ErrUnitNotFound)
	}
	return nil
}

// RequeueFailed moves every failed unit of the run back to pending.
func (s *Store) RequeueFailed(ctx context.Context, runID string) (int, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE work_units SET status = 'pending', attempts = 0, last_error = ''
WHERE run_id = ? AND status = 'failed'`, runID)
	if err != nil {
		return 0, mapErr("requeue failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AcquireRunLock takes the run lock when it is free, expired, or already ours.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) error {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET lock_owner = ?, lock_expiry = ?
WHERE id = ? AND (lock_owner IS NULL OR lock_owner = ? OR lock_expiry < ?)`,
		owner, toNanos(now.Add(ttl)), runID, owner, toNanos(now))
	if err != nil {
		return mapErr("acquire run lock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.lockConflict(ctx, runID)
	}
	return nil
}

// RefreshRunLock extends a lock we still hold.
func (s *Store) RefreshRunLock(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET lock_expiry = ? WHERE id = ? AND lock_owner = ?`,
		toNanos(s.clock.Now().Add(ttl)), runID, owner)
	if err != nil {
		return mapErr("refresh run lock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.lockConflict(ctx, runID)
	}
	return nil
}

// ReleaseRunLock drops the lock if owner holds it.
func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lock_owner = NULL, lock_expiry = NULL WHERE id = ? AND lock_owner = ?`, runID, owner)
	if err != nil {
		return mapErr("release run lock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.GetRun(ctx, runID)
		return err
	}
	return nil
}

func (s *Store) lockConflict(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return &harvest.AlreadyRunningError{RunID: runID, Owner: run.LockOwner}
}

// PurgeRun deletes a run whose lock is free or expired; units and results
// cascade. The lock check and the delete are one statement.
func (s *Store) PurgeRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id = ? AND (lock_owner IS NULL OR lock_expiry < ?)`,
		runID, toNanos(s.clock.Now()))
	if err != nil {
		return mapErr("purge run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.lockConflict(ctx, runID)
	}
	return nil
}

func runExists(ctx context.Context, q sqlx.QueryerContext, runID string) error {
	var one int
	err := sqlx.GetContext(ctx, q, &one, `SELECT 1 FROM runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return &harvest.RunNotFoundError{RunID: runID}
	}
	if err != nil {
		return mapErr("lookup run", err)
	}
	return nil
}

func requireRow(res sql.Result, runID string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return &harvest.RunNotFoundError{RunID: runID}
	}
	return nil
}

// mapErr turns lock contention and dead connections into BackendUnavailable
// and a missing table or column into a schema mismatch.
func mapErr(op string, err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return harvest.Unavailable(op, err)
		case sqlite3.SQLITE_ERROR:
			if msg := serr.Error(); strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
				return &harvest.SchemaError{Want: SchemaVersion, Detail: msg}
			}
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return harvest.Unavailable(op, err)
	}
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return harvest.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}
