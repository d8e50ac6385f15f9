package lock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInmem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		l := NewInmem()
		require.NoError(l.AcquireExclusive(ctx, "session-1"))
		err := l.AcquireExclusive(ctx, "session-1")
		require.Error(err)
		assert.True(errors.Is(err, ErrLockBusy))
	})
	t.Run("independent-keys", func(t *testing.T) {
		require := require.New(t)
		l := NewInmem()
		require.NoError(l.AcquireExclusive(ctx, "session-1"))
		require.NoError(l.AcquireExclusive(ctx, "session-2"))
	})
	t.Run("release-then-reacquire", func(t *testing.T) {
		require := require.New(t)
		l := NewInmem()
		require.NoError(l.AcquireExclusive(ctx, "session-1"))
		require.NoError(l.Release(ctx, "session-1"))
		require.NoError(l.AcquireExclusive(ctx, "session-1"))
	})
	t.Run("release-unheld-is-noop", func(t *testing.T) {
		require := require.New(t)
		l := NewInmem()
		require.NoError(l.Release(ctx, "never-held"))
	})
	t.Run("one-winner-under-contention", func(t *testing.T) {
		assert := assert.New(t)
		l := NewInmem()
		const n = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		var winners int
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.AcquireExclusive(ctx, "contended"); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(1, winners)
	})
}
