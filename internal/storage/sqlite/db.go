// Package sqlite provides a single-node TargetStore and listing sink on
// modernc.org/sqlite for local runs without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS targets (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	partition_key TEXT    NOT NULL,
	city          TEXT    NOT NULL,
	category      TEXT    NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 100,
	status        TEXT    NOT NULL DEFAULT 'planned',
	claimed_by    TEXT,
	claimed_at    INTEGER,
	heartbeat_at  INTEGER,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	page_current  INTEGER NOT NULL DEFAULT 0,
	resume_token  TEXT,
	max_pages     INTEGER NOT NULL DEFAULT 0,
	note          TEXT,
	UNIQUE (partition_key, city, category)
);
CREATE INDEX IF NOT EXISTS targets_claim_idx ON targets (status, priority, id);
CREATE TABLE IF NOT EXISTS page_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	target_id    INTEGER NOT NULL REFERENCES targets (id),
	worker_id    TEXT    NOT NULL,
	page         INTEGER NOT NULL,
	kind         TEXT    NOT NULL,
	resume_token TEXT,
	records      INTEGER NOT NULL DEFAULT 0,
	at           INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id         TEXT PRIMARY KEY,
	last_heartbeat    INTEGER NOT NULL,
	current_target_id INTEGER
);
CREATE TABLE IF NOT EXISTS listings (
	key           TEXT PRIMARY KEY,
	target_id     INTEGER NOT NULL,
	partition_key TEXT    NOT NULL,
	city          TEXT    NOT NULL,
	category      TEXT    NOT NULL,
	name          TEXT    NOT NULL,
	address       TEXT,
	phone         TEXT,
	website       TEXT,
	source_url    TEXT    NOT NULL,
	page          INTEGER NOT NULL,
	attributes    TEXT    NOT NULL,
	fetched_at    INTEGER NOT NULL
);
`

// Open opens (or creates) the database at path and applies the schema.
// A single connection serializes every transaction in the process.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
