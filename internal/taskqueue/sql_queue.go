package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SQLQueue is a persistent task queue backed by a SQL table. Claiming a
// task deletes its row in a single statement, so a task is handed to at
// most one poller.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS durable_tasks (
//	    id          <serial> PRIMARY KEY,
//	    lane        TEXT NOT NULL,
//	    data        <blob> NOT NULL,
//	    not_before  BIGINT NOT NULL
//	);
type SQLQueue struct {
	db           *sql.DB
	pollInterval time.Duration

	schema  []string
	dequeue string
	enqueue string
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in a SQLite database.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS durable_tasks (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				lane       TEXT NOT NULL,
				data       BLOB NOT NULL,
				not_before INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_durable_tasks_lane ON durable_tasks(lane, not_before, id)`,
		},
		enqueue: `INSERT INTO durable_tasks (lane, data, not_before) VALUES (?, ?, ?)`,
		dequeue: `
			DELETE FROM durable_tasks
			WHERE id = (
				SELECT id FROM durable_tasks
				WHERE lane = ? AND not_before <= ?
				ORDER BY not_before, id
				LIMIT 1
			)
			RETURNING data`,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// NewPostgresQueue initializes the tasks table in a PostgreSQL database.
// Concurrent pollers skip rows locked by each other.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		pollInterval: 100 * time.Millisecond,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS durable_tasks (
				id         BIGSERIAL PRIMARY KEY,
				lane       TEXT NOT NULL,
				data       BYTEA NOT NULL,
				not_before BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_durable_tasks_lane ON durable_tasks(lane, not_before, id)`,
		},
		enqueue: `INSERT INTO durable_tasks (lane, data, not_before) VALUES ($1, $2, $3)`,
		dequeue: `
			DELETE FROM durable_tasks
			WHERE id = (
				SELECT id FROM durable_tasks
				WHERE lane = $1 AND not_before <= $2
				ORDER BY not_before, id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING data`,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	for _, stmt := range q.schema {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.enqueue, t.Lane(), data, t.NotBefore.UnixNano())
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *SQLQueue) Dequeue(ctx context.Context, lane string) (*Task, error) {
	tmr := newIdleTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var data []byte
		err := q.db.QueryRowContext(ctx, q.dequeue, lane, time.Now().UnixNano()).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing available: sleep a bit and retry.
			if err := waitPoll(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		task, err := DecodeTask(data)
		if err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM durable_tasks`).Scan(&n); err != nil {
		slog.Warn("sql_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return n
}
