// Package store implements the relational persistence layer on Postgres or
// SQLite. SQLite serves local single-process deployments and tests; Postgres
// serves multi-worker deployments where the coordinator must survive
// restarts on another host.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a sql.DB together with its driver name so queries written with
// `?` placeholders can be rebound for Postgres.
type DB struct {
	db     *sql.DB
	driver string
}

// Open connects to the database. Supported drivers are "postgres" and
// "sqlite3".
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// SQLite allows one writer; serializing through a single connection
		// keeps the compare-and-set updates race-free under load.
		db.SetMaxOpenConns(1)
	}
	return &DB{db: db, driver: driver}, nil
}

// Ping verifies connectivity. The readiness probe calls this.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// rebind rewrites `?` placeholders to `$1..$n` for Postgres. Queries are
// written once in SQLite style.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate creates the schema if it does not exist.
func (d *DB) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if d.driver == "postgres" {
		blob = "BYTEA"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			status          TEXT NOT NULL,
			owner_worker_id TEXT NOT NULL DEFAULT '',
			is_local        BOOLEAN NOT NULL DEFAULT FALSE,
			metadata        TEXT NOT NULL DEFAULT '',
			result          TEXT NOT NULL DEFAULT '',
			error_message   TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			started_at      TIMESTAMP,
			completed_at    TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
			job_id              TEXT PRIMARY KEY,
			job_type            TEXT NOT NULL,
			kind                TEXT NOT NULL,
			unit                BIGINT NOT NULL DEFAULT 0,
			state               %s,
			artifact_dir        TEXT NOT NULL DEFAULT '',
			state_size_bytes    BIGINT NOT NULL DEFAULT 0,
			artifact_size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at          TIMESTAMP NOT NULL
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
