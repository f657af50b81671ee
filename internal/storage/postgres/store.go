// Package postgres implements harvest.Store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a harvest.Store backed by PostgreSQL. Claims use FOR UPDATE SKIP
// LOCKED so many dispatchers can share one database.
type Store struct {
	pool  Pool
	clock harvest.Clock
}

var _ harvest.Store = (*Store)(nil)

// New connects to cfg.DSN and applies the schema.
func New(ctx context.Context, cfg Config, clock harvest.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, harvest.NewConfigurationError("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, harvest.NewConfigurationError("parse postgres dsn: %v", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, mapErr("connect postgres", err)
	}
	store, err := NewWithPool(pool, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a store on an existing pool without migrating (primarily for testing).
func NewWithPool(pool Pool, clock harvest.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const runColumns = `id, name, matrix, params, created_at, cancelled, lock_owner, lock_expiry`

const unitColumns = `run_id, ordinal, city, request, category, exclude_set, status,
	lease_owner, lease_expiry, claimed_at, attempts, last_error`

func scanRun(row pgx.Row) (harvest.Run, error) {
	var (
		run            harvest.Run
		matrix, params []byte
		lockOwner      *string
		lockExpiry     *time.Time
	)
	if err := row.Scan(
		&run.ID, &run.Name, &matrix, &params, &run.CreatedAt, &run.Cancelled, &lockOwner, &lockExpiry,
	); err != nil {
		return harvest.Run{}, err
	}
	if err := json.Unmarshal(matrix, &run.Matrix); err != nil {
		return harvest.Run{}, fmt.Errorf("decode matrix of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return harvest.Run{}, fmt.Errorf("decode params of run %s: %w", run.ID, err)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if lockOwner != nil {
		run.LockOwner = *lockOwner
	}
	run.LockExpiry = deref(lockExpiry)
	return run, nil
}

func scanUnit(row pgx.Row) (harvest.WorkUnit, error) {
	var (
		u                      harvest.WorkUnit
		status                 string
		leaseOwner             *string
		leaseExpiry, claimedAt *time.Time
	)
	if err := row.Scan(
		&u.RunID, &u.Ordinal, &u.City, &u.Request, &u.Category, &u.ExcludeSet, &status,
		&leaseOwner, &leaseExpiry, &claimedAt, &u.Attempts, &u.LastError,
	); err != nil {
		return harvest.WorkUnit{}, err
	}
	u.Status = harvest.UnitStatus(status)
	if leaseOwner != nil {
		u.LeaseOwner = *leaseOwner
	}
	u.LeaseExpiry = deref(leaseExpiry)
	u.ClaimedAt = deref(claimedAt)
	return u, nil
}

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
	_, err = s.pool.Exec(ctx, `
INSERT INTO runs (id, name, matrix, params, created_at, cancelled)
VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Name, matrix, params, run.CreatedAt, run.Cancelled,
	)
	if err != nil {
		return mapErr("create run", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (harvest.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Run{}, &harvest.RunNotFoundError{RunID: runID}
	}
	if err != nil {
		return harvest.Run{}, mapErr("get run", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]harvest.Run, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT $1`, lim)
	if err != nil {
		return nil, mapErr("list runs", err)
	}
	defer rows.Close()

	var out []harvest.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, mapErr("scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list runs", err)
	}
	return out, nil
}

// SetCancelled flips the run's cancellation flag.
func (s *Store) SetCancelled(ctx context.Context, runID string, cancelled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET cancelled = $1 WHERE id = $2`, cancelled, runID)
	if err != nil {
		return mapErr("set cancelled", err)
	}
	if tag.RowsAffected() == 0 {
		return &harvest.RunNotFoundError{RunID: runID}
	}
	return nil
}

// SeedUnits inserts units that are not already present in one statement.
func (s *Store) SeedUnits(ctx context.Context, runID string, units []harvest.WorkUnit) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, mapErr("begin seed", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := runExists(ctx, tx, runID); err != nil {
		return 0, err
	}
	ordinals := make([]int64, len(units))
	cities := make([]string, len(units))
	requests := make([]string, len(units))
	categories := make([]string, len(units))
	excludes := make([]string, len(units))
	for i, u := range units {
		ordinals[i], cities[i], requests[i], categories[i], excludes[i] =
			u.Ordinal, u.City, u.Request, u.Category, u.ExcludeSet
	}
	tag, err := tx.Exec(ctx, `
INSERT INTO work_units (run_id, ordinal, city, request, category, exclude_set, status)
SELECT $1, t.ordinal, t.city, t.request, t.category, t.exclude_set, 'pending'
FROM unnest($2::bigint[], $3::text[], $4::text[], $5::text[], $6::text[])
	AS t(ordinal, city, request, category, exclude_set)
ON CONFLICT DO NOTHING`,
		runID, ordinals, cities, requests, categories, excludes,
	)
	if err != nil {
		return 0, mapErr("seed units", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, mapErr("commit seed", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimNext leases the lowest-ordinal pending or lease-expired unit.
func (s *Store) ClaimNext(
	ctx context.Context,
	runID, leaseOwner string,
	lease time.Duration,
) (harvest.WorkUnit, bool, error) {
	now := s.clock.Now()
	u, err := scanUnit(s.pool.QueryRow(ctx, `
UPDATE work_units
SET status = 'claimed', lease_owner = $1, lease_expiry = $2, claimed_at = $3
WHERE run_id = $4 AND ordinal = (
	SELECT ordinal FROM work_units
	WHERE run_id = $4
	  AND (status = 'pending' OR (status = 'claimed' AND lease_expiry < $3))
	ORDER BY ordinal
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+unitColumns,
		leaseOwner, now.Add(lease), now, runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.WorkUnit{}, false, nil
	}
	if err != nil {
		return harvest.WorkUnit{}, false, mapErr("claim next", err)
	}
	return u, true, nil
}

// CompleteUnit marks the unit done and inserts its results in one transaction.
func (s *Store) CompleteUnit(ctx context.Context, c harvest.Completion) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, mapErr("begin complete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE work_units
SET status = 'done', lease_owner = NULL, lease_expiry = NULL
WHERE run_id = $1 AND ordinal = $2 AND status = 'claimed' AND lease_owner = $3 AND lease_expiry >= $4`,
		c.RunID, c.Ordinal, c.LeaseOwner, s.clock.Now(),
	)
	if err != nil {
		return 0, mapErr("complete unit", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, &harvest.StaleLeaseError{RunID: c.RunID, Ordinal: c.Ordinal, LeaseOwner: c.LeaseOwner}
	}

	inserted := int64(0)
	if len(c.Results) > 0 {
		identities := make([]string, len(c.Results))
		payloads := make([]string, len(c.Results))
		fetched := make([]time.Time, len(c.Results))
		for i, r := range c.Results {
			identities[i], payloads[i], fetched[i] = r.Identity, string(r.Payload), r.FetchedAt
		}
		tag, err = tx.Exec(ctx, `
INSERT INTO results (run_id, identity, unit_ordinal, payload, fetched_at)
SELECT $1, t.identity, $2, t.payload::jsonb, t.fetched_at
FROM unnest($3::text[], $4::text[], $5::timestamptz[]) AS t(identity, payload, fetched_at)
ON CONFLICT (run_id, identity) DO NOTHING`,
			c.RunID, c.Ordinal, identities, payloads, fetched,
		)
		if err != nil {
			return 0, mapErr("insert results", err)
		}
		inserted = tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, mapErr("commit complete", err)
	}
	return int(inserted), nil
}

// FailUnit records a failed attempt and either requeues or terminates the unit.
func (s *Store) FailUnit(ctx context.Context, f harvest.Failure) (harvest.UnitStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
UPDATE work_units
SET attempts = attempts + 1,
	status = CASE WHEN $1::boolean OR attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
	lease_owner = NULL,
	lease_expiry = NULL,
	last_error = $3
WHERE run_id = $4 AND ordinal = $5 AND status = 'claimed' AND lease_owner = $6
RETURNING status`,
		f.Permanent, f.MaxAttempts, harvest.TruncateError(f.Err), f.RunID, f.Ordinal, f.LeaseOwner,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &harvest.StaleLeaseError{RunID: f.RunID, Ordinal: f.Ordinal, LeaseOwner: f.LeaseOwner}
	}
	if err != nil {
		return "", mapErr("fail unit", err)
	}
	return harvest.UnitStatus(status), nil
}

// ReleaseUnit hands a claimed unit back to pending with its attempts untouched.
func (s *Store) ReleaseUnit(ctx context.Context, runID string, ordinal int64, leaseOwner string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_units SET status = 'pending', lease_owner = NULL, lease_expiry = NULL
WHERE run_id = $1 AND ordinal = $2 AND status = 'claimed' AND lease_owner = $3`,
		runID, ordinal, leaseOwner)
	if err != nil {
		return mapErr("release unit", err)
	}
	if tag.RowsAffected() == 0 {
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
	if len(identities) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT identity FROM results WHERE run_id = $1 AND identity = ANY($2)`, runID, identities)
	if err != nil {
		return nil, mapErr("committed identities", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("scan identity", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("committed identities", err)
	}
	return out, nil
}

// Counts tallies units by status plus committed results in one round trip.
func (s *Store) Counts(ctx context.Context, runID string) (harvest.RunCounts, error) {
	var (
		exists bool
		counts harvest.RunCounts
	)
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1),
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'claimed'),
	COUNT(*) FILTER (WHERE status = 'done'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	(SELECT COUNT(*) FROM results WHERE run_id = $1)
FROM work_units
WHERE run_id = $1`, runID,
	).Scan(&exists, &counts.Pending, &counts.Claimed, &counts.Done, &counts.Failed, &counts.Results)
	if err != nil {
		return harvest.RunCounts{}, mapErr("counts", err)
	}
	if !exists {
		return harvest.RunCounts{}, &harvest.RunNotFoundError{RunID: runID}
	}
	return counts, nil
}

// ListUnits returns units in ordinal order, optionally filtered by status.
func (s *Store) ListUnits(ctx context.Context, runID string, filter harvest.UnitFilter) ([]harvest.WorkUnit, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+unitColumns+` FROM work_units
WHERE run_id = $1 AND ($2 = '' OR status = $2)
ORDER BY ordinal
LIMIT $3`, runID, string(filter.Status), limit)
	if err != nil {
		return nil, mapErr("list units", err)
	}
	defer rows.Close()

	var out []harvest.WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, mapErr("scan unit", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list units", err)
	}
	return out, nil
}

// ListResults returns committed results ordered by unit ordinal, then identity.
func (s *Store) ListResults(ctx context.Context, runID string) ([]harvest.Result, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT r.identity, r.unit_ordinal, r.payload, r.fetched_at,
	COALESCE(u.city, ''), COALESCE(u.request, ''), COALESCE(u.category, '')
FROM results r
LEFT JOIN work_units u ON u.run_id = r.run_id AND u.ordinal = r.unit_ordinal
WHERE r.run_id = $1
ORDER BY r.unit_ordinal, r.identity`, runID)
	if err != nil {
		return nil, mapErr("list results", err)
	}
	defer rows.Close()

	var out []harvest.Result
	for rows.Next() {
		r := harvest.Result{RunID: runID}
		var payload []byte
		if err := rows.Scan(
			&r.Identity, &r.UnitOrdinal, &payload, &r.FetchedAt, &r.City, &r.Request, &r.Category,
		); err != nil {
			return nil, mapErr("scan result", err)
		}
		r.Payload = json.RawMessage(payload)
		r.FetchedAt = r.FetchedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list results", err)
	}
	return out, nil
}

// RetryUnit moves a failed unit back to pending with a fresh attempt budget.
func (s *Store) RetryUnit(ctx context.Context, runID string, ordinal int64) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE work_units SET status = 'pending', attempts = 0, last_error = ''
WHERE run_id = $1 AND ordinal = $2 AND status = 'failed'`, runID, ordinal)
	if err != nil {
		return mapErr("retry unit", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed unit %d of run %s: %w", ordinal, runID, harvest.ErrUnitNotFound)
	}
	return nil
}

// RequeueFailed moves every failed unit of the run back to pending.
func (s *Store) RequeueFailed(ctx context.Context, runID string) (int, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE work_units SET status = 'pending', attempts = 0, last_error = ''
WHERE run_id = $1 AND status = 'failed'`, runID)
	if err != nil {
		return 0, mapErr("requeue failed", err)
	}
	return int(tag.RowsAffected()), nil
}

// AcquireRunLock takes the run lock when it is free, expired, or already ours.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE runs SET lock_owner = $1, lock_expiry = $2
WHERE id = $3 AND (lock_owner IS NULL OR lock_owner = $1 OR lock_expiry < $4)`,
		owner, now.Add(ttl), runID, now)
	if err != nil {
		return mapErr("acquire run lock", err)
	}
	if tag.RowsAffected() == 0 {
		return s.lockConflict(ctx, runID)
	}
	return nil
}

// RefreshRunLock extends a lock we still hold.
func (s *Store) RefreshRunLock(ctx context.Context, runID, owner string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET lock_expiry = $1 WHERE id = $2 AND lock_owner = $3`,
		s.clock.Now().Add(ttl), runID, owner)
	if err != nil {
		return mapErr("refresh run lock", err)
	}
	if tag.RowsAffected() == 0 {
		return s.lockConflict(ctx, runID)
	}
	return nil
}

// ReleaseRunLock drops the lock if owner holds it.
func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET lock_owner = NULL, lock_expiry = NULL WHERE id = $1 AND lock_owner = $2`, runID, owner)
	if err != nil {
		return mapErr("release run lock", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetRun(ctx, runID)
		return err
	}
	return nil
}

func (s *Store) lockConflict(ctx context.Context, runID string) error {
	var owner *string
	err := s.pool.QueryRow(ctx, `SELECT lock_owner FROM runs WHERE id = $1`, runID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return &harvest.RunNotFoundError{RunID: runID}
	}
	if err != nil {
		return mapErr("read run lock", err)
	}
	conflict := &harvest.AlreadyRunningError{RunID: runID}
	if owner != nil {
		conflict.Owner = *owner
	}
	return conflict
}

// PurgeRun deletes a run whose lock is free or expired; units and results
// cascade. The lock check and the delete are one statement.
func (s *Store) PurgeRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE id = $1 AND (lock_owner IS NULL OR lock_expiry < $2)`, runID, s.clock.Now())
	if err != nil {
		return mapErr("purge run", err)
	}
	if tag.RowsAffected() == 0 {
		return s.lockConflict(ctx, runID)
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func runExists(ctx context.Context, q queryRower, runID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return mapErr("lookup run", err)
	}
	if !exists {
		return &harvest.RunNotFoundError{RunID: runID}
	}
	return nil
}

// mapErr classifies connection-level failures as BackendUnavailable and a
// missing table or column as a schema mismatch.
func mapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return harvest.Unavailable(op, err)
		case pgErr.Code == "42P01", pgErr.Code == "42703":
			return &harvest.SchemaError{Want: SchemaVersion, Detail: pgErr.Message}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return harvest.Unavailable(op, err)
	}
	if strings.Contains(err.Error(), "closed pool") || strings.Contains(err.Error(), "conn closed") {
		return harvest.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
