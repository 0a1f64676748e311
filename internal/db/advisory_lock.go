package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/rs/zerolog"
)

// AdvisoryLocker is a lock.Locker backed by postgres session advisory locks.
// The lock is taken and released on one dedicated connection so it cannot
// leak into the pool.
type AdvisoryLocker struct {
	pool   *Pool
	logger zerolog.Logger
}

func NewAdvisoryLocker(pool *Pool, logger zerolog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{
		pool:   pool,
		logger: logger.With().Str("component", "advisory_lock").Logger(),
	}
}

func (l *AdvisoryLocker) WithLockOrEmpty(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	if l == nil || l.pool == nil || l.pool.sqlDB == nil {
		return false, fmt.Errorf("advisory locker is not initialized")
	}
	key := strings.TrimSpace(name)
	if key == "" {
		return false, fmt.Errorf("lock name is required")
	}
	if fn == nil {
		return false, fmt.Errorf("lock %q: fn is nil", key)
	}

	conn, err := l.pool.sqlDB.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Close()

	lockKey := AdvisoryLockKey(key)

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock %q: %w", key, err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		// Unlock even when ctx is already cancelled.
		var released bool
		unlockCtx := context.WithoutCancel(ctx)
		if err := conn.QueryRowContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, lockKey).Scan(&released); err != nil {
			l.logger.Error().Err(err).Str("lock", key).Msg("advisory unlock failed")
			return
		}
		if !released {
			l.logger.Warn().Str("lock", key).Msg("advisory lock was not held at unlock")
		}
	}()

	return true, fn(ctx)
}

// AdvisoryLockKey maps a lock name onto the bigint key space of
// pg_try_advisory_lock.
func AdvisoryLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(name)))
	return int64(h.Sum64())
}
