package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUnitOfWork struct {
	done       chan struct{}
	once       sync.Once
	rolledBack atomic.Bool
	parent     *fakeUnitOfWork
}

func newFakeUnitOfWork(parent *fakeUnitOfWork) *fakeUnitOfWork {
	return &fakeUnitOfWork{done: make(chan struct{}), parent: parent}
}

func (u *fakeUnitOfWork) Done() <-chan struct{} { return u.done }
func (u *fakeUnitOfWork) RollbackOnly() bool    { return u.rolledBack.Load() }

func (u *fakeUnitOfWork) Parent() UnitOfWork {
	if u.parent == nil {
		return nil
	}
	return u.parent
}

func (u *fakeUnitOfWork) commit() { u.once.Do(func() { close(u.done) }) }

func (u *fakeUnitOfWork) rollback() {
	u.once.Do(func() {
		u.rolledBack.Store(true)
		close(u.done)
	})
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) callback(name string) Callback {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return nil
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func settle(t *testing.T, reg *Registry, uow UnitOfWork) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Settle(ctx, uow))
}

func TestOnCommittal_RunsInRegistrationOrderAfterCommit(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zerolog.Nop())
	uow := newFakeUnitOfWork(nil)
	ctx := WithUnitOfWork(context.Background(), uow)
	rec := &recorder{}

	require.NoError(t, reg.OnCommittal(ctx, rec.callback("first")))
	require.NoError(t, reg.OnCommittal(ctx, rec.callback("second")))

	assert.Empty(t, rec.snapshot(), "callbacks must not run while the unit of work is in flight")
	assert.Equal(t, 1, reg.Pending(), "one queue per unit of work")

	uow.commit()
	settle(t, reg, uow)

	assert.Equal(t, []string{"first", "second"}, rec.snapshot())

	ctxWait, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Wait(ctxWait))
	assert.Equal(t, 0, reg.Pending())
}

func TestOnCommittal_DroppedOnRollback(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zerolog.Nop())
	uow := newFakeUnitOfWork(nil)
	ctx := WithUnitOfWork(context.Background(), uow)
	rec := &recorder{}

	require.NoError(t, reg.OnCommittal(ctx, rec.callback("first")))
	require.NoError(t, reg.OnCommittal(ctx, rec.callback("second")))

	uow.rollback()
	settle(t, reg, uow)

	assert.Empty(t, rec.snapshot())
}

func TestOnCommittal_FailingCallbackDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zerolog.Nop())
	uow := newFakeUnitOfWork(nil)
	ctx := WithUnitOfWork(context.Background(), uow)
	rec := &recorder{}

	require.NoError(t, reg.OnCommittal(ctx, func(context.Context) error { return errors.New("index offline") }))
	require.NoError(t, reg.OnCommittal(ctx, func(context.Context) error { panic("boom") }))
	require.NoError(t, reg.OnCommittal(ctx, rec.callback("after")))

	uow.commit()
	settle(t, reg, uow)

	assert.Equal(t, []string{"after"}, rec.snapshot())
}

func TestOnCommittal_WithoutUnitOfWorkRunsImmediately(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zerolog.Nop())
	rec := &recorder{}

	require.NoError(t, reg.OnCommittal(context.Background(), rec.callback("now")))
	assert.Equal(t, []string{"now"}, rec.snapshot())
}

func TestOnCommittal_SavepointHandsOffToParent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zerolog.Nop())
	parent := newFakeUnitOfWork(nil)
	child := newFakeUnitOfWork(parent)
	parentCtx := WithUnitOfWork(context.Background(), parent)
	childCtx := WithUnitOfWork(parentCtx, child)
	rec := &recorder{}

	require.NoError(t, reg.OnCommittal(parentCtx, rec.callback("outer")))
	require.NoError(t, reg.OnCommittal(childCtx, rec.callback("inner")))

	child.commit()
	settle(t, reg, child)
	assert.Empty(t, rec.snapshot(), "released savepoint is not durable yet")

	parent.commit()
	settle(t, reg, parent)
	assert.Equal(t, []string{"outer", "inner"}, rec.snapshot())
}

func TestOnCommittal_RolledBackSavepointDropsOnlyItsCallbacks(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zerolog.Nop())
	parent := newFakeUnitOfWork(nil)
	child := newFakeUnitOfWork(parent)
	parentCtx := WithUnitOfWork(context.Background(), parent)
	childCtx := WithUnitOfWork(parentCtx, child)
	rec := &recorder{}

	require.NoError(t, reg.OnCommittal(parentCtx, rec.callback("outer")))
	require.NoError(t, reg.OnCommittal(childCtx, rec.callback("inner")))

	child.rollback()
	settle(t, reg, child)
	parent.commit()
	settle(t, reg, parent)

	assert.Equal(t, []string{"outer"}, rec.snapshot())
}

func TestOnCommittal_ConcurrentRegistrationsShareOneWatcher(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zerolog.Nop())
	uow := newFakeUnitOfWork(nil)
	ctx := WithUnitOfWork(context.Background(), uow)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.OnCommittal(ctx, func(context.Context) error {
				ran.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, reg.Pending())

	uow.commit()
	settle(t, reg, uow)
	assert.Equal(t, int32(50), ran.Load())
}
