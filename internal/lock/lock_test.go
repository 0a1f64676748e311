package lock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SkipsWhenHeld(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	ctx := context.Background()

	var innerRan bool
	ran, err := l.WithLockOrEmpty(ctx, "housekeeping", func(ctx context.Context) error {
		assert.True(t, l.Held("housekeeping"))

		innerRan2, innerErr := l.WithLockOrEmpty(ctx, "housekeeping", func(context.Context) error {
			innerRan = true
			return nil
		})
		require.NoError(t, innerErr)
		assert.False(t, innerRan2)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, innerRan)
	assert.False(t, l.Held("housekeeping"), "lock released after fn returns")
}

func TestLocal_PropagatesErrorAndReleases(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	boom := errors.New("storage unavailable")

	ran, err := l.WithLockOrEmpty(context.Background(), "housekeeping", func(context.Context) error {
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.Held("housekeeping"))
}

func TestLocal_RejectsBlankName(t *testing.T) {
	t.Parallel()

	_, err := NewLocal().WithLockOrEmpty(context.Background(), " ", func(context.Context) error { return nil })
	assert.Error(t, err)
}
