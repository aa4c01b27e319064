package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"
	testingclock "k8s.io/utils/clock/testing"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/internal/testutil"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "durable.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	// A single connection serializes writers the way SQLite would anyway.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreSuite(t *testing.T) {
	s := &StoreSuite{}
	s.newStore = func() Store {
		store, err := NewSQLiteStore(openSQLite(t))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		return store
	}
	suite.Run(t, s)
}

func TestSQLiteStore_IdempotencyKeyExpires(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	store, err := NewSQLiteStore(openSQLite(t), WithClock(clk))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()

	ok, err := store.PutIdempotencyKey(ctx, "charge-1", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first put: ok=%v err=%v", ok, err)
	}
	if ok, err := store.PutIdempotencyKey(ctx, "charge-1", 10*time.Second); err != nil || ok {
		t.Fatalf("second put inside ttl: ok=%v err=%v", ok, err)
	}

	clk.Step(11 * time.Second)
	if ok, err := store.PutIdempotencyKey(ctx, "charge-1", 10*time.Second); err != nil || !ok {
		t.Fatalf("put after expiry: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	if _, err := NewSQLiteStore(db); err != nil {
		t.Fatalf("first NewSQLiteStore: %v", err)
	}
	if _, err := NewSQLiteStore(db); err != nil {
		t.Fatalf("second NewSQLiteStore: %v", err)
	}
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	db, err := sql.Open("pgx", testutil.GetPostgresEndpoint(t))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := &StoreSuite{}
	s.newStore = func() Store {
		store, err := NewPostgresStore(db)
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		return store
	}
	suite.Run(t, s)
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := sqliteDialect.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y = $2"
	if got := postgresDialect.rebind(q); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
}
