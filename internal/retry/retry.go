// Package retry holds the bounded restart policy of a job.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults of the restart policy.
const (
	MaxRetries = 5
	Cooldown   = 10 * time.Second
)

type Policy struct {
	Max      int
	Cooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Max: MaxRetries, Cooldown: Cooldown}
}

// Scheduler counts relaunches of one job. It lives in memory only, a
// supervisor restart yields a fresh budget.
type Scheduler struct {
	policy   Policy
	b        backoff.BackOff
	attempts int
}

func (p Policy) Scheduler() *Scheduler {
	s := &Scheduler{policy: p}
	s.Reset()
	return s
}

// Reset restores the full budget, used on an explicit start.
func (s *Scheduler) Reset() {
	s.attempts = 0
	s.b = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.policy.Cooldown), uint64(max(s.policy.Max, 0)))
	s.b.Reset()
}

// Next consumes one retry. It returns the cool-down to wait, or false once
// the budget is exhausted.
func (s *Scheduler) Next() (time.Duration, bool) {
	if s.attempts >= s.policy.Max {
		return 0, false
	}
	d := s.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	s.attempts++
	return d, true
}

// Attempts is the number of retries consumed since the last Reset.
func (s *Scheduler) Attempts() int {
	return s.attempts
}

func (s *Scheduler) Max() int {
	return s.policy.Max
}

// Wait sleeps for d. It returns false when cancel is closed or ctx ends
// first, which means the relaunch must not happen.
func Wait(ctx context.Context, d time.Duration, cancel <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	case <-ctx.Done():
		return false
	}
}
