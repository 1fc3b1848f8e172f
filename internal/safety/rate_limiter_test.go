package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(3, 1)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "token %d", i)
	}
	assert.False(t, rl.Allow())
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(1, 100)

	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestRateLimiterWait(t *testing.T) {
	rl := NewRateLimiter(1, 50)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, rl.Wait(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, rl.Wait(ctx), context.Canceled)
}
