package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// SchemaVersion is the layout this package reads and writes.
const SchemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS harvest_schema (
	version INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	matrix      JSONB NOT NULL,
	params      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	cancelled   BOOLEAN NOT NULL DEFAULT FALSE,
	lock_owner  TEXT,
	lock_expiry TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS work_units (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	ordinal      BIGINT NOT NULL,
	city         TEXT NOT NULL,
	request      TEXT NOT NULL,
	category     TEXT NOT NULL,
	exclude_set  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	lease_owner  TEXT,
	lease_expiry TIMESTAMPTZ,
	claimed_at   TIMESTAMPTZ,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, ordinal),
	UNIQUE (run_id, city, request, category)
)`,
	`CREATE INDEX IF NOT EXISTS work_units_claim ON work_units (run_id, status, ordinal)`,
	`CREATE TABLE IF NOT EXISTS results (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	identity     TEXT NOT NULL,
	unit_ordinal BIGINT NOT NULL,
	payload      JSONB NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, identity)
)`,
}

// Migrate creates missing tables and checks the recorded schema version.
// Concurrent callers serialize on an advisory lock.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr("begin migration", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('harvest_schema'))`); err != nil {
		return mapErr("lock schema", err)
	}
	for _, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return mapErr("create schema", err)
		}
	}
	var version int
	err = tx.QueryRow(ctx, `SELECT version FROM harvest_schema LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `INSERT INTO harvest_schema (version) VALUES ($1)`, SchemaVersion); err != nil {
			return mapErr("record schema version", err)
		}
	case err != nil:
		return mapErr("read schema version", err)
	case version != SchemaVersion:
		return &harvest.SchemaError{Want: SchemaVersion, Got: version}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit migration", err)
	}
	return nil
}
