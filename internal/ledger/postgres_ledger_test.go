package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"relieffund/internal/pgstore"
)

func TestPostgresLedgerLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgstore.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if _, err := pgstore.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	l := NewPostgresLedger(pool)
	id := "ch_test_" + time.Now().Format("20060102150405.000000000")
	if err := l.Append(ctx, testRecord(id)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(ctx, testRecord(id)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
