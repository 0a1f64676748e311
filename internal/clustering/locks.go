package clustering

import (
	"bytes"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedLocks serializes work on the same key within this process. Entries are
// reference counted and dropped when unused.
type keyedLocks[K comparable] struct {
	entries *xsync.MapOf[K, *lockEntry]
	compare func(a, b K) int
}

func newKeyedLocks[K comparable](compare func(a, b K) int) *keyedLocks[K] {
	return &keyedLocks[K]{
		entries: xsync.NewMapOf[K, *lockEntry](),
		compare: compare,
	}
}

func newClusterLocks() *keyedLocks[uuid.UUID] {
	return newKeyedLocks(func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
}

// newValueLocks guards match point values, keyed by derived type and value.
func newValueLocks() *keyedLocks[string] {
	return newKeyedLocks(strings.Compare)
}

func valueLockKeys(derivedType string, values []string) []string {
	keys := make([]string, 0, len(values))
	for _, value := range values {
		keys = append(keys, derivedType+"|"+value)
	}
	return keys
}

// lock acquires the mutex of every key in ascending order and returns the
// function that releases them. Zero keys are skipped.
func (l *keyedLocks[K]) lock(keys ...K) func() {
	ordered := slices.Clone(keys)
	slices.SortFunc(ordered, l.compare)
	ordered = slices.Compact(ordered)

	var zero K
	held := make([]K, 0, len(ordered))
	for _, key := range ordered {
		if key == zero {
			continue
		}
		entry, _ := l.entries.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
			if !loaded {
				old = &lockEntry{}
			}
			old.refs++
			return old, false
		})
		entry.mu.Lock()
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				l.unlock(held[i])
			}
		})
	}
}

func (l *keyedLocks[K]) unlock(key K) {
	entry, ok := l.entries.Load(key)
	if !ok {
		return
	}
	entry.mu.Unlock()
	l.entries.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

func (l *keyedLocks[K]) size() int {
	return l.entries.Size()
}
