package model

import "time"

type Status string

const (
	// StatusPending means a launch was requested and liveness is not confirmed yet.
	StatusPending Status = "pending"
	// StatusRunning means the worker emitted its liveness marker.
	StatusRunning Status = "running"
	// StatusStopped means the worker was terminated on purpose, or is
	// waiting out a retry cool-down.
	StatusStopped Status = "stopped"
	// StatusError is terminal until an explicit start.
	StatusError Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// JobState is the persisted part of a job. PID 0 means no process is recorded.
type JobState struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
