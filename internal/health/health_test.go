package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tvnlabs/chanvisor/internal/health"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLive(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		line string
		live bool
	}{
		{"frame=  250 fps= 25 q=28.0 size=    1024kB time=00:00:10.00 bitrate= 838.9kbits/s speed=1x", true},
		{"frame=1 fps=0 bitrate=N/A", true},
		{"frame=  250 fps= 25 q=28.0", false},
		{"Input #0, hls, from 'https://origin.example.com/news.m3u8':", false},
		{"", false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.live, health.Live(tc.line), tc.line)
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()

	t.Run("confirmed", func(t *testing.T) {
		t.Parallel()
		lines := make(chan string, 4)
		lines <- "Stream mapping:"
		lines <- "frame=1 fps=0.0 q=0.0 size=0kB time=00:00:00.04 bitrate=N/A"
		lines <- "frame=2 fps=25 q=28.0 size=1kB time=00:00:00.08 bitrate=100.0kbits/s"
		require.Equal(t, health.Confirmed, health.Watch(t.Context(), lines, time.Second))
		// the rest is drained in background
		lines <- "after"
		close(lines)
		require.Eventually(t, func() bool { return len(lines) == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("timed out", func(t *testing.T) {
		t.Parallel()
		lines := make(chan string)
		start := time.Now()
		require.Equal(t, health.TimedOut, health.Watch(t.Context(), lines, 50*time.Millisecond))
		require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		close(lines)
	})

	t.Run("closed", func(t *testing.T) {
		t.Parallel()
		lines := make(chan string, 1)
		lines <- "Error opening input"
		close(lines)
		require.Equal(t, health.Closed, health.Watch(t.Context(), lines, time.Second))
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		lines := make(chan string)
		require.Equal(t, health.Canceled, health.Watch(ctx, lines, time.Second))
		close(lines)
	})
}
