package db

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm/logger"
)

func TestAdvisoryLockKeyIsStableAndTrimmed(t *testing.T) {
	t.Parallel()

	a := AdvisoryLockKey("cluster-housekeeping")
	b := AdvisoryLockKey("  cluster-housekeeping ")
	if a != b {
		t.Fatalf("expected surrounding whitespace to be ignored: %d != %d", a, b)
	}
	if a == AdvisoryLockKey("cluster-housekeeping-2") {
		t.Fatalf("expected distinct names to map to distinct keys")
	}
}

func TestAdvisoryLockerRequiresPool(t *testing.T) {
	t.Parallel()

	locker := NewAdvisoryLocker(nil, zerolog.Nop())
	ran, err := locker.WithLockOrEmpty(context.Background(), "cluster-housekeeping", func(context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected error for uninitialized locker")
	}
	if ran {
		t.Fatalf("expected fn not to run")
	}
}

func TestTransactRequiresPool(t *testing.T) {
	t.Parallel()

	var pool *Pool
	if err := pool.Transact(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

func TestUnitOfWorkResolvesOnce(t *testing.T) {
	t.Parallel()

	parent := newUnitOfWork(nil)
	child := newUnitOfWork(parent)
	if child.Parent() != parent {
		t.Fatalf("expected child to report its parent")
	}
	if parent.Parent() != nil {
		t.Fatalf("expected top-level unit of work to have a nil parent interface")
	}

	child.resolve(true)
	child.resolve(false)
	select {
	case <-child.Done():
	default:
		t.Fatalf("expected Done to be closed after resolve")
	}
	if !child.RollbackOnly() {
		t.Fatalf("expected first resolution to win")
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	if got := resolveGormLogLevel("debug", "production"); got != logger.Info {
		t.Fatalf("debug should map to gorm Info, got %d", got)
	}
	if got := resolveGormLogLevel("silent", "local"); got != logger.Silent {
		t.Fatalf("silent should map to gorm Silent, got %d", got)
	}
	if got := resolveGormLogLevel("bogus", "production"); got != logger.Error {
		t.Fatalf("unknown levels outside local should map to gorm Error, got %d", got)
	}
}

func TestMatchPointLockKeySeparatesDerivedTypes(t *testing.T) {
	t.Parallel()

	if MatchPointLockKey("BOOKS", "id:OCLC:1") == MatchPointLockKey("SERIALS", "id:OCLC:1") {
		t.Fatalf("expected derived types to map to distinct keys")
	}
	if MatchPointLockKey("BOOKS", "id:OCLC:1") != MatchPointLockKey("BOOKS", "id:OCLC:1") {
		t.Fatalf("expected keys to be stable")
	}
}

func TestLockMatchPointValuesRequiresTransaction(t *testing.T) {
	t.Parallel()

	pool := &Pool{}
	if err := pool.LockMatchPointValues(context.Background(), "BOOKS", nil); err != nil {
		t.Fatalf("expected no values to be a no-op, got %v", err)
	}
	if err := pool.LockMatchPointValues(context.Background(), "BOOKS", []string{"id:OCLC:1"}); err == nil {
		t.Fatalf("expected error outside a transaction")
	}
}
