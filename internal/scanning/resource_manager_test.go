package scanning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedProcessLimiter(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		l := NewFixedProcessLimiter(2)
		require.NoError(t, l.Acquire(context.Background(), "a"))
		assert.Equal(t, 1, l.AvailableSlots())
		assert.Len(t, l.ActiveRuns(), 1)

		l.Release("a")
		assert.Equal(t, 2, l.AvailableSlots())
		assert.Empty(t, l.ActiveRuns())
	})

	t.Run("blocks when full", func(t *testing.T) {
		l := NewFixedProcessLimiter(1)
		require.NoError(t, l.Acquire(context.Background(), "first"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, l.Acquire(ctx, "second"), context.DeadlineExceeded)

		l.Release("first")
		require.NoError(t, l.Acquire(context.Background(), "second"))
	})

	t.Run("unknown release is ignored", func(t *testing.T) {
		l := NewFixedProcessLimiter(1)
		l.Release("ghost")
		assert.Equal(t, 1, l.AvailableSlots())
	})

	t.Run("closed limiter rejects", func(t *testing.T) {
		l := NewFixedProcessLimiter(0)
		require.NoError(t, l.Close())
		assert.Error(t, l.Acquire(context.Background(), "x"))
	})

	t.Run("concurrent use", func(t *testing.T) {
		l := NewFixedProcessLimiter(3)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				runID := string(rune('a' + id))
				if err := l.Acquire(context.Background(), runID); err == nil {
					time.Sleep(time.Millisecond)
					l.Release(runID)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 3, l.AvailableSlots())
	})
}
