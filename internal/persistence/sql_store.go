package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/petrijr/durable/pkg/api"
)

// SQLStore is a Store backed by database/sql. The same schema and queries
// serve SQLite and PostgreSQL; only placeholders and constraint error
// detection differ.
//
// The caller is responsible for importing the driver for its side effects,
// e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   clock.PassiveClock
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLiteStore initializes the schema in a SQLite database (for example
// one opened with driver "sqlite" from modernc.org/sqlite).
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect, opts)
}

// NewPostgresStore initializes the schema in a PostgreSQL database opened
// with the "pgx" driver.
func NewPostgresStore(db *sql.DB, opts ...Option) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect, opts)
}

func newSQLStore(db *sql.DB, d dialect, opts []Option) (*SQLStore, error) {
	o := applyOptions(opts)
	s := &SQLStore{db: db, dialect: d, clock: o.clock}
	if err := s.initSchema(); err != nil {
		return nil, storageErr("init_schema", api.StorageErrConnection, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) SaveWorkflowExecution(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	const op = "save_workflow_execution"
	if err := api.ValidateSequence(0, false, events); err != nil {
		return classify(op, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, api.StorageErrConnection, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO durable_executions (workflow_id, run_id, created_at)
		VALUES (?, ?, ?)`),
		exec.WorkflowID, exec.RunID, s.clock.Now().UnixNano(),
	)
	if err != nil {
		if s.dialect.isUnique(err) {
			return classify(op, ErrAlreadyExists)
		}
		return classify(op, err)
	}

	if err := s.insertEvents(ctx, tx, exec, events); err != nil {
		return classify(op, err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO durable_current_runs (workflow_id, run_id)
		VALUES (?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET run_id = excluded.run_id`),
		exec.WorkflowID, exec.RunID,
	)
	if err != nil {
		return classify(op, err)
	}

	return classify(op, tx.Commit())
}

func (s *SQLStore) insertEvents(ctx context.Context, tx *sql.Tx, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	for _, ev := range events {
		data, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO durable_history_events (workflow_id, run_id, event_id, event_type, data)
			VALUES (?, ?, ?, ?, ?)`),
			exec.WorkflowID, exec.RunID, int64(ev.ID), string(ev.Type), string(data),
		)
		if err != nil {
			if s.dialect.isUnique(err) || isBusy(err) {
				return ErrConflict
			}
			return err
		}
	}
	return nil
}

func (s *SQLStore) currentRun(ctx context.Context, workflowID api.WorkflowID) (api.RunID, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT run_id FROM durable_current_runs WHERE workflow_id = ?`),
		workflowID,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return runID, err
}

func (s *SQLStore) LoadWorkflowExecution(ctx context.Context, workflowID api.WorkflowID) (api.WorkflowExecution, []api.WorkflowEvent, error) {
	const op = "load_workflow_execution"
	runID, err := s.currentRun(ctx, workflowID)
	if err != nil {
		return api.WorkflowExecution{}, nil, classify(op, err)
	}
	exec := api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}
	events, err := s.LoadHistory(ctx, exec)
	if err != nil {
		return api.WorkflowExecution{}, nil, err
	}
	return exec, events, nil
}

func (s *SQLStore) LoadHistory(ctx context.Context, exec api.WorkflowExecution) ([]api.WorkflowEvent, error) {
	const op = "load_history"
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT data FROM durable_history_events
		WHERE workflow_id = ? AND run_id = ?
		ORDER BY event_id ASC`),
		exec.WorkflowID, exec.RunID,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, classify(op, err)
		}
		ev, err := decodeEvent([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	if len(out) == 0 {
		return nil, classify(op, ErrNotFound)
	}
	return out, nil
}

func (s *SQLStore) AppendEvents(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	const op = "append_events"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, api.StorageErrConnection, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		next     int64
		lastType sql.NullString
	)
	err = tx.QueryRowContext(ctx, s.q(`
		SELECT event_id + 1, event_type FROM durable_history_events
		WHERE workflow_id = ? AND run_id = ?
		ORDER BY event_id DESC
		LIMIT 1`),
		exec.WorkflowID, exec.RunID,
	).Scan(&next, &lastType)
	if errors.Is(err, sql.ErrNoRows) {
		return classify(op, ErrNotFound)
	}
	if err != nil {
		return classify(op, err)
	}

	closed := lastType.Valid && api.EventType(lastType.String).IsTerminal()
	if err := checkAppend(api.EventID(next), closed, events); err != nil {
		return classify(op, err)
	}
	if err := s.insertEvents(ctx, tx, exec, events); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.isUnique(err) || isBusy(err) {
			return classify(op, ErrConflict)
		}
		return classify(op, err)
	}
	return nil
}

// isBusy reports a SQLite write-lock contention error, which for appends
// means another writer won.
func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

func (s *SQLStore) SaveState(ctx context.Context, snap api.Snapshot) error {
	const op = "save_state"
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO durable_snapshots (workflow_id, run_id, workflow_type, task_queue, status, started_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, run_id) DO UPDATE SET
			workflow_type = excluded.workflow_type,
			task_queue    = excluded.task_queue,
			status        = excluded.status,
			started_at    = excluded.started_at,
			data          = excluded.data`),
		snap.Execution.WorkflowID,
		snap.Execution.RunID,
		snap.WorkflowType,
		snap.TaskQueue,
		string(snap.Status),
		snap.StartedAt.UnixNano(),
		string(data),
	)
	return classify(op, err)
}

func (s *SQLStore) LoadState(ctx context.Context, workflowID api.WorkflowID) (*api.Snapshot, error) {
	runID, err := s.currentRun(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load_state", err)
	}
	return s.LoadRunState(ctx, api.WorkflowExecution{WorkflowID: workflowID, RunID: runID})
}

func (s *SQLStore) LoadRunState(ctx context.Context, exec api.WorkflowExecution) (*api.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT data FROM durable_snapshots WHERE workflow_id = ? AND run_id = ?`),
		exec.WorkflowID, exec.RunID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load_state", err)
	}
	return decodeSnapshot([]byte(data))
}

func (s *SQLStore) ListStates(ctx context.Context, filter StateFilter) ([]api.Snapshot, error) {
	const op = "list_states"
	query := `SELECT data FROM durable_snapshots`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.TaskQueue != "" {
		clauses = append(clauses, "task_queue = ?")
		args = append(args, filter.TaskQueue)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []api.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, classify(op, err)
		}
		snap, err := decodeSnapshot([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, classify(op, rows.Err())
}

func (s *SQLStore) PutIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO durable_idempotency_keys (idem_key, expires_at)
		VALUES (?, ?)
		ON CONFLICT (idem_key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE durable_idempotency_keys.expires_at <= ?`),
		key, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, classify("put_idempotency_key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("put_idempotency_key", err)
	}
	return n == 1, nil
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO durable_leases (workflow_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE durable_leases.owner = excluded.owner OR durable_leases.expires_at <= ?`),
		workflowID, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, classify("try_acquire_lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("try_acquire_lease", err)
	}
	return n == 1, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) error {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE durable_leases
		SET expires_at = ?
		WHERE workflow_id = ? AND owner = ? AND expires_at > ?`),
		now.Add(ttl).UnixNano(), workflowID, owner, now.UnixNano(),
	)
	if err != nil {
		return classify("renew_lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("renew_lease", err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, workflowID api.WorkflowID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM durable_leases WHERE workflow_id = ? AND owner = ?`),
		workflowID, owner,
	)
	return classify("release_lease", err)
}
