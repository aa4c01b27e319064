package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/internal/testutil"
)

func newSQLiteQueue(t *testing.T) *SQLQueue {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	return q
}

// exerciseQueue runs the behavior every persistent queue must share.
func exerciseQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	first := NewTask(KindActivity, "orders", testExec)
	first.ActivityID = "activity-1"
	first.Attempt = 2
	second := NewTask(KindActivity, "orders", testExec)
	second.ActivityID = "activity-2"
	delayed := NewTask(KindActivity, "orders", testExec)
	delayed.ActivityID = "activity-3"
	delayed.NotBefore = time.Now().Add(300 * time.Millisecond)

	for _, task := range []Task{delayed, first, second} {
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if n := q.Len(); n != 3 {
		t.Fatalf("expected Len=3, got %d", n)
	}

	got, err := q.Dequeue(ctx, ActivityLane("orders"))
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ActivityID != "activity-1" || got.Attempt != 2 || got.Execution != testExec {
		t.Fatalf("unexpected first task: %+v", got)
	}

	got, err = q.Dequeue(ctx, ActivityLane("orders"))
	if err != nil || got.ActivityID != "activity-2" {
		t.Fatalf("unexpected second task: %+v err=%v", got, err)
	}

	// The delayed task is not visible yet.
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short, ActivityLane("orders")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected delayed task to be invisible, got %v", err)
	}

	wait, cancel2 := context.WithTimeout(ctx, 3*time.Second)
	defer cancel2()
	got, err = q.Dequeue(wait, ActivityLane("orders"))
	if err != nil || got.ActivityID != "activity-3" {
		t.Fatalf("expected delayed task after NotBefore, got %+v err=%v", got, err)
	}

	if _, err := q.Dequeue(short, WorkflowLane("orders")); err == nil {
		t.Fatalf("expected workflow lane to be empty")
	}
}

func TestSQLiteQueue(t *testing.T) {
	exerciseQueue(t, newSQLiteQueue(t))
}

func TestSQLiteQueue_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	if err := q.Enqueue(ctx, NewTask(KindWorkflow, "default", testExec)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_ = db.Close()

	db2, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db2.Close()
	q2, err := NewSQLiteQueue(db2)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := q2.Dequeue(dctx, WorkflowLane("default"))
	if err != nil || got.Execution != testExec {
		t.Fatalf("expected persisted task, got %+v err=%v", got, err)
	}
}

func TestPostgresQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	db, err := sql.Open("pgx", testutil.GetPostgresEndpoint(t))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	q, err := NewPostgresQueue(db)
	if err != nil {
		t.Fatalf("NewPostgresQueue: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM durable_tasks`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	exerciseQueue(t, q)
}
