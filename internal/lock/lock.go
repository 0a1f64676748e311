// Package lock provides named, non-blocking mutual exclusion for work that
// must run on at most one node at a time.
package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Locker runs fn while holding the named lock. When the lock is held
// elsewhere fn is not run and WithLockOrEmpty returns (false, nil); an
// unavailable lock is a clean no-op, not an error.
type Locker interface {
	WithLockOrEmpty(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

// Local is an in-process Locker. It is what single-node deployments and
// tests use in place of the database advisory lock.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: map[string]struct{}{}}
}

func (l *Local) WithLockOrEmpty(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	key := strings.TrimSpace(name)
	if key == "" {
		return false, fmt.Errorf("lock name is required")
	}
	if fn == nil {
		return false, fmt.Errorf("lock %q: fn is nil", key)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !l.tryAcquire(key) {
		return false, nil
	}
	defer l.release(key)

	return true, fn(ctx)
}

// Held reports whether name is currently locked in this process.
func (l *Local) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[strings.TrimSpace(name)]
	return ok
}

func (l *Local) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]struct{}{}
	}
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *Local) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
