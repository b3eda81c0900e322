package model

import (
	"errors"
	"fmt"
	"strings"
)

// Failure classes recorded in a job's error message. They never reach the
// caller of start or stop; the supervisor stores them for status polling.
var (
	ErrSpawn          = errors.New("spawn failure")
	ErrHealthTimeout  = errors.New("health check timeout")
	ErrUnexpectedExit = errors.New("unexpected exit")
	ErrMaxRetries     = errors.New("max retries exceeded")
	ErrStaleProcess   = errors.New("stale process")
)

// Issue is one rejected field of a channel configuration.
type Issue struct {
	Field  string
	Reason string
}

// ConfigError is returned when a channel lacks or has invalid fields for
// its input or output kind. It is never retried.
type ConfigError struct {
	Channel string
	Issues  []Issue
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "channel %q: invalid configuration", e.Channel)
	for i, is := range e.Issues {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		sb.WriteString(is.Field)
		sb.WriteString(" ")
		sb.WriteString(is.Reason)
	}
	return sb.String()
}

func (e *ConfigError) add(field, reason string) {
	e.Issues = append(e.Issues, Issue{Field: field, Reason: reason})
}
