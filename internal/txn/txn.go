// Package txn defers side effects until the unit of work that caused them has
// committed.
//
// A storage layer publishes its live transaction on the context with
// WithUnitOfWork. Components that must not expose effects of uncommitted data
// (search index updates, housekeeping enqueues) register callbacks with
// Registry.OnCommittal. Callbacks for one unit of work run once, in
// registration order, after it commits; they are dropped when it rolls back.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// UnitOfWork is the handle of a transaction or savepoint.
type UnitOfWork interface {
	// Done is closed once the outcome of the unit of work is known.
	Done() <-chan struct{}
	// RollbackOnly reports whether the unit of work was rolled back. It is only
	// meaningful after Done has been closed.
	RollbackOnly() bool
	// Parent is the enclosing unit of work of a savepoint, nil at top level.
	Parent() UnitOfWork
}

// Callback is a deferred side effect.
type Callback func(ctx context.Context) error

type contextKey struct{}

// WithUnitOfWork returns a context carrying uow.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork) context.Context {
	return context.WithValue(ctx, contextKey{}, uow)
}

// FromContext returns the innermost unit of work on ctx, or nil.
func FromContext(ctx context.Context) UnitOfWork {
	if ctx == nil {
		return nil
	}
	uow, _ := ctx.Value(contextKey{}).(UnitOfWork)
	return uow
}

type pendingQueue struct {
	mu        sync.Mutex
	ctx       context.Context
	callbacks []Callback
	closed    bool
	finished  chan struct{}
}

func (q *pendingQueue) push(cb Callback) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.callbacks = append(q.callbacks, cb)
	return true
}

func (q *pendingQueue) close() []Callback {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.callbacks
	q.callbacks = nil
	return out
}

// Registry holds the pending callbacks of every live unit of work. One
// watcher goroutine exists per unit of work with at least one callback.
type Registry struct {
	logger  zerolog.Logger
	pending *xsync.MapOf[UnitOfWork, *pendingQueue]
	wg      sync.WaitGroup
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "commit_queue").Logger(),
		pending: xsync.NewMapOf[UnitOfWork, *pendingQueue](),
	}
}

// OnCommittal registers cb to run after the unit of work on ctx commits.
// Without a unit of work on ctx there is nothing to wait for and cb runs
// immediately.
func (r *Registry) OnCommittal(ctx context.Context, cb Callback) error {
	if r == nil {
		return fmt.Errorf("commit registry is not initialized")
	}
	if cb == nil {
		return fmt.Errorf("callback is nil")
	}

	uow := FromContext(ctx)
	if uow == nil {
		r.logger.Debug().Msg("no unit of work on context; running callback immediately")
		r.run(context.WithoutCancel(ctx), 0, cb)
		return nil
	}

	r.register(context.WithoutCancel(ctx), uow, cb)
	return nil
}

func (r *Registry) register(ctx context.Context, uow UnitOfWork, cb Callback) {
	for {
		q, loaded := r.pending.LoadOrCompute(uow, func() *pendingQueue {
			return &pendingQueue{ctx: ctx, finished: make(chan struct{})}
		})
		if !loaded {
			r.wg.Add(1)
			go r.watch(uow, q)
		}
		if q.push(cb) {
			return
		}

		// The watcher closed this queue between our load and push. Once it has
		// torn down the entry, either a fresh queue is created on the next
		// iteration or the unit of work is already resolved.
		<-q.finished
		select {
		case <-uow.Done():
			r.registerLate(ctx, uow, cb)
			return
		default:
		}
	}
}

// registerLate handles callbacks that arrive after their unit of work
// resolved. Committed work runs them at once; rolled back work drops them.
func (r *Registry) registerLate(ctx context.Context, uow UnitOfWork, cb Callback) {
	if uow.RollbackOnly() {
		r.logger.Warn().Msg("callback registered after rollback; dropping")
		return
	}
	if parent := uow.Parent(); parent != nil {
		r.register(ctx, parent, cb)
		return
	}
	r.logger.Warn().Msg("callback registered after commit; running immediately")
	r.run(ctx, 0, cb)
}

func (r *Registry) watch(uow UnitOfWork, q *pendingQueue) {
	defer r.wg.Done()
	defer close(q.finished)

	<-uow.Done()
	callbacks := q.close()
	// Settle looks the queue up by uow, so the entry stays until the callbacks
	// have run.
	defer r.pending.Delete(uow)

	if uow.RollbackOnly() {
		r.logger.Debug().Int("callbacks", len(callbacks)).Msg("unit of work rolled back; dropping callbacks")
		return
	}

	// A released savepoint is not durable yet; its callbacks belong to the
	// enclosing unit of work from here on.
	if parent := uow.Parent(); parent != nil {
		for _, cb := range callbacks {
			r.register(q.ctx, parent, cb)
		}
		return
	}

	for i, cb := range callbacks {
		r.run(q.ctx, i, cb)
	}
}

func (r *Registry) run(ctx context.Context, position int, cb Callback) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error().
				Int("position", position).
				Interface("panic", recovered).
				Msg("commit callback panicked")
		}
	}()

	if err := cb(ctx); err != nil {
		r.logger.Error().Err(err).Int("position", position).Msg("commit callback failed")
	}
}

// Settle blocks until the callbacks of a resolved unit of work have run.
// It returns immediately when nothing is pending for uow.
func (r *Registry) Settle(ctx context.Context, uow UnitOfWork) error {
	if r == nil || uow == nil {
		return nil
	}
	q, ok := r.pending.Load(uow)
	if !ok {
		return nil
	}
	select {
	case <-q.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many units of work currently hold callbacks.
func (r *Registry) Pending() int {
	if r == nil {
		return 0
	}
	return r.pending.Size()
}

// Wait blocks until every watcher has exited. Watchers of units of work that
// never resolve keep Wait blocked until ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("commit callbacks still pending: %d", r.Pending()), ctx.Err())
	}
}
