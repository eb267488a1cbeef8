package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopDrainsQueuedItems(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	loop := &Loop[int]{
		Handle: func(_ context.Context, item int) {
			mu.Lock()
			seen = append(seen, item)
			mu.Unlock()
		},
		HighWaterMark: 10,
		DrainInterval: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, loop.Enqueue(i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, 5*time.Millisecond)

	loop.Stop()
}

func TestLoopEnqueueFailsAtHighWaterMark(t *testing.T) {
	loop := &Loop[int]{
		Handle:        func(context.Context, int) {},
		HighWaterMark: 2,
	}
	require.NoError(t, loop.Enqueue(1))
	require.NoError(t, loop.Enqueue(2))
	assert.ErrorIs(t, loop.Enqueue(3), ErrQueueFull)
}

func TestLoopLenReflectsQueueDepth(t *testing.T) {
	loop := &Loop[int]{Handle: func(context.Context, int) {}, HighWaterMark: 10}
	require.NoError(t, loop.Enqueue(1))
	require.NoError(t, loop.Enqueue(2))
	assert.Equal(t, 2, loop.Len())
}
