package clustering

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

func TestClusterLocks_ReleaseDropsEntries(t *testing.T) {
	t.Parallel()

	locks := newClusterLocks()
	a, b := uuid.New(), uuid.New()

	release := locks.lock(b, a, a, uuid.Nil)
	if got := locks.size(); got != 2 {
		t.Fatalf("expected 2 held entries, got %d", got)
	}
	release()
	release()
	if got := locks.size(); got != 0 {
		t.Fatalf("expected entries to be dropped after release, got %d", got)
	}
}

func TestClusterLocks_SerializesOverlappingSets(t *testing.T) {
	t.Parallel()

	locks := newClusterLocks()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	sets := [][]uuid.UUID{{a, b}, {b, c}, {c, a}, {a, b, c}}

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		ids := sets[i%len(sets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.lock(ids...)
			defer release()
			// Every set shares an id with every other set.
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatalf("overlapping lock sets were held concurrently")
	}
	if got := locks.size(); got != 0 {
		t.Fatalf("expected no entries left, got %d", got)
	}
}

func TestValueLocks_KeyedByDerivedType(t *testing.T) {
	t.Parallel()

	locks := newValueLocks()
	release := locks.lock(valueLockKeys("BOOKS", []string{"id:OCLC:1", "id:OCLC:1"})...)
	if got := locks.size(); got != 1 {
		t.Fatalf("expected 1 held entry, got %d", got)
	}

	// The same value under another derived type is a different key.
	done := make(chan struct{})
	go func() {
		other := locks.lock(valueLockKeys("SERIALS", []string{"id:OCLC:1"})...)
		other()
		close(done)
	}()
	<-done

	release()
	if got := locks.size(); got != 0 {
		t.Fatalf("expected entries to be dropped after release, got %d", got)
	}
}
