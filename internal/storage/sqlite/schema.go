package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

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
	matrix      TEXT NOT NULL,
	params      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	cancelled   INTEGER NOT NULL DEFAULT 0,
	lock_owner  TEXT,
	lock_expiry INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS work_units (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	ordinal      INTEGER NOT NULL,
	city         TEXT NOT NULL,
	request      TEXT NOT NULL,
	category     TEXT NOT NULL,
	exclude_set  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	lease_owner  TEXT,
	lease_expiry INTEGER,
	claimed_at   INTEGER,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, ordinal),
	UNIQUE (run_id, city, request, category)
)`,
	`CREATE INDEX IF NOT EXISTS work_units_claim ON work_units (run_id, status, ordinal)`,
	`CREATE TABLE IF NOT EXISTS results (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	identity     TEXT NOT NULL,
	unit_ordinal INTEGER NOT NULL,
	payload      TEXT NOT NULL,
	fetched_at   INTEGER NOT NULL,
	PRIMARY KEY (run_id, identity)
)`,
}

// migrate creates missing tables and checks the recorded version.
func migrate(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return mapErr("create schema", err)
		}
	}
	var version int
	err = tx.GetContext(ctx, &version, `SELECT version FROM harvest_schema LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO harvest_schema (version) VALUES (?)`, SchemaVersion); err != nil {
			return mapErr("record schema version", err)
		}
	case err != nil:
		return mapErr("read schema version", err)
	case version != SchemaVersion:
		return &harvest.SchemaError{Want: SchemaVersion, Got: version}
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit migration", err)
	}
	return nil
}
