package persistence

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the differences between the SQL backends. Queries are
// written with '?' placeholders and rebound per dialect.
type dialect struct {
	name        string
	placeholder func(n int) string
	isUnique    func(err error) bool
}

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	isUnique: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
		return false
	},
}

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	isUnique: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

// rebind rewrites '?' placeholders for the dialect.
func (d dialect) rebind(q string) string {
	if d.name == "sqlite" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// schema is shared by both dialects; BIGINT and TEXT mean the same thing
// to SQLite's type affinity rules.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS durable_current_runs (
		workflow_id TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS durable_executions (
		workflow_id TEXT NOT NULL,
		run_id      TEXT NOT NULL,
		created_at  BIGINT NOT NULL,
		PRIMARY KEY (workflow_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS durable_history_events (
		workflow_id TEXT NOT NULL,
		run_id      TEXT NOT NULL,
		event_id    BIGINT NOT NULL,
		event_type  TEXT NOT NULL,
		data        TEXT NOT NULL,
		PRIMARY KEY (workflow_id, run_id, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS durable_snapshots (
		workflow_id   TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		workflow_type TEXT NOT NULL,
		task_queue    TEXT NOT NULL,
		status        TEXT NOT NULL,
		started_at    BIGINT NOT NULL,
		data          TEXT NOT NULL,
		PRIMARY KEY (workflow_id, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_durable_snapshots_status ON durable_snapshots(status)`,
	`CREATE TABLE IF NOT EXISTS durable_idempotency_keys (
		idem_key   TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS durable_leases (
		workflow_id TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		expires_at  BIGINT NOT NULL
	)`,
}
