package retry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tvnlabs/chanvisor/internal/retry"
)

func TestScheduler(t *testing.T) {
	t.Parallel()
	s := retry.Policy{Max: 3, Cooldown: 250 * time.Millisecond}.Scheduler()
	for i := 1; i <= 3; i++ {
		d, ok := s.Next()
		require.True(t, ok, "retry %d", i)
		require.Equal(t, 250*time.Millisecond, d)
		require.Equal(t, i, s.Attempts())
	}
	_, ok := s.Next()
	require.False(t, ok)
	_, ok = s.Next()
	require.False(t, ok)
	require.Equal(t, 3, s.Attempts())

	s.Reset()
	require.Zero(t, s.Attempts())
	_, ok = s.Next()
	require.True(t, ok)
}

func TestScheduler_NoRetries(t *testing.T) {
	t.Parallel()
	s := retry.Policy{Max: 0, Cooldown: time.Second}.Scheduler()
	_, ok := s.Next()
	require.False(t, ok)
	require.Zero(t, s.Attempts())
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()
	require.Equal(t, retry.Policy{Max: 5, Cooldown: 10 * time.Second}, retry.DefaultPolicy())
}

func TestWait(t *testing.T) {
	t.Parallel()
	require.True(t, retry.Wait(t.Context(), time.Millisecond, nil))

	cancel := make(chan struct{})
	close(cancel)
	start := time.Now()
	require.False(t, retry.Wait(t.Context(), time.Minute, cancel))
	require.Less(t, time.Since(start), time.Second)

	ctx, stop := context.WithCancel(t.Context())
	stop()
	require.False(t, retry.Wait(ctx, time.Minute, nil))
}
