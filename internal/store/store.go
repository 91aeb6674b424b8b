// Package store implements the relational entity store for the
// traceability graph.
//
// The store runs on embedded SQLite (WAL mode, ncruces/go-sqlite3) by
// default, or on PostgreSQL when the DSN looks like a postgres connection
// string. Both backends share one schema and one query set; placeholders
// are rebound per dialect.
//
// Ownership: the store exclusively owns persisted state. The sync engine
// mutates it one entity at a time inside a transaction that also
// recomputes the affected epic's derived metrics, so readers never observe
// a story update without its parent's recomputed completion percentage.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Sentinel errors surfaced by store operations.
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrStale is returned when an apply loses the compare-and-set race
	// on a sync record's last_sync_time. The caller already holds an
	// event at least as old as the committed one; dropping it is correct.
	ErrStale = errors.New("stale sync update")
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// dbTimeLayout is a fixed-width RFC3339 variant. Fixed width keeps
// lexicographic comparison of stored timestamps consistent with time
// ordering, which the sync CAS relies on.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps the database connection.
type Store struct {
	conn   *sql.DB
	driver string
	dsn    string
}

// Open connects to the store. A DSN starting with postgres:// (or
// containing key=value connection parameters) selects PostgreSQL;
// anything else is treated as a SQLite database file path.
//
// The caller MUST call Close() when done.
func Open(dsn string) (*Store, error) {
	driver := detectDriver(dsn)

	connStr := dsn
	if driver == driverSQLite {
		dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if !strings.HasPrefix(connStr, "file:") {
			connStr = "file:" + connStr
		}
	}

	conn, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, driver: driver, dsn: dsn}

	if driver == driverSQLite {
		// WAL keeps readers concurrent with the single writer.
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := s.conn.Exec(pragma); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	return s, nil
}

func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return driverPostgres
	}
	return driverSQLite
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if s.driver == driverSQLite {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
//
// Indexes back every periodic query: stale-entity scans hit
// idx_entities_stale, retry scheduling hits idx_sync_next_retry, and
// parent walks hit idx_entities_parent. Full scans over entities happen
// only in the validator, which reads everything by design.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		external_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		tracker_ref BIGINT,
		title TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'open',
		labels TEXT NOT NULL DEFAULT '[]',  -- JSON array
		parent_id TEXT NOT NULL DEFAULT '',
		test_targets TEXT NOT NULL DEFAULT '[]',  -- JSON array
		story_points INTEGER NOT NULL DEFAULT 0,

		-- Derived, recomputed transactionally; never written by sync
		completion_pct REAL NOT NULL DEFAULT 0,
		points_completed INTEGER NOT NULL DEFAULT 0,

		updated_at TEXT NOT NULL,
		last_synced_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_records (
		tracker_ref BIGINT PRIMARY KEY,
		entity_external_id TEXT NOT NULL DEFAULT '',
		last_sync_time TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_tracker_ref
	    ON entities(tracker_ref) WHERE tracker_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
	CREATE INDEX IF NOT EXISTS idx_entities_state ON entities(state);
	CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id);
	CREATE INDEX IF NOT EXISTS idx_entities_stale
	    ON entities(state, last_synced_at);

	CREATE INDEX IF NOT EXISTS idx_sync_status ON sync_records(sync_status);
	CREATE INDEX IF NOT EXISTS idx_sync_next_retry
	    ON sync_records(sync_status, next_retry_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// rebind converts ?-style placeholders to the dialect's form.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeToDB converts a time to its storage representation.
func timeToDB(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

// timePtrToDB converts an optional time to a nullable storage value.
func timePtrToDB(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToDB(*t), Valid: true}
}

// dbToTime parses a stored timestamp.
func dbToTime(s string) (time.Time, error) {
	t, err := time.Parse(dbTimeLayout, s)
	if err == nil {
		return t, nil
	}
	// Tolerate hand-written fixtures in plain RFC3339.
	return time.Parse(time.RFC3339Nano, s)
}

// dbToTimePtr parses a nullable stored timestamp.
func dbToTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := dbToTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
