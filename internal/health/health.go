// Package health decides whether a freshly spawned worker is encoding.
package health

import (
	"context"
	"strings"
	"time"
)

// Window is how long a worker has to print its first progress line.
const Window = 10 * time.Second

// a progress line carries all three counters
var markers = [...]string{"frame=", "fps=", "bitrate="}

type Verdict int

const (
	Confirmed Verdict = iota + 1
	TimedOut
	Closed   // output ended before any marker
	Canceled // context was canceled first
)

func (v Verdict) String() string {
	switch v {
	case Confirmed:
		return "confirmed"
	case TimedOut:
		return "timed out"
	case Closed:
		return "closed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Live reports whether line is a progress line.
func Live(line string) bool {
	for _, m := range markers {
		if !strings.Contains(line, m) {
			return false
		}
	}
	return true
}

// Watch reads lines until the first progress line, the end of the window
// or the end of the stream. Lines left after the verdict are discarded in
// the background, so the producer never blocks on this consumer.
func Watch(ctx context.Context, lines <-chan string, window time.Duration) Verdict {
	timer := time.NewTimer(window)
	defer timer.Stop()

	verdict := func(v Verdict) Verdict {
		go discard(lines)
		return v
	}

	for {
		select {
		case <-ctx.Done():
			return verdict(Canceled)
		case <-timer.C:
			return verdict(TimedOut)
		case line, ok := <-lines:
			if !ok {
				return Closed
			}
			if Live(line) {
				return verdict(Confirmed)
			}
		}
	}
}

func discard(lines <-chan string) {
	for range lines {
	}
}
