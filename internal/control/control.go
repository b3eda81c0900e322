// Package control carries start and stop requests from the CLI to a
// running supervisor over asynq tasks.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tvnlabs/chanvisor/internal/model"
	"github.com/tvnlabs/chanvisor/internal/service"
)

const (
	TaskStart = "chanvisor:start"
	TaskStop  = "chanvisor:stop"

	Queue = "chanvisor"
)

var ErrInvalidPayload = errors.New("invalid task payload")

type Payload struct {
	JobID string `json:"job_id"`
}

// Controller is the part of the supervisor the tasks drive.
type Controller interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

func NewStartTask(id string) (*asynq.Task, error) {
	return newTask(TaskStart, id)
}

func NewStopTask(id string) (*asynq.Task, error) {
	return newTask(TaskStop, id)
}

func newTask(typename, id string) (*asynq.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty job_id", ErrInvalidPayload)
	}
	data, err := json.Marshal(Payload{JobID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, data), nil
}

// NewMux routes both task types to c.
func NewMux(c Controller) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskStart, handler(c.Start))
	mux.HandleFunc(TaskStop, handler(c.Stop))
	return mux
}

func handler(fn func(context.Context, string) error) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var p Payload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
			return fmt.Errorf("%s: %w: %w", t.Type(), ErrInvalidPayload, asynq.SkipRetry)
		}
		slog.DebugContext(ctx, "control task received", "type", t.Type(), "job_id", p.JobID)
		err := fn(ctx, p.JobID)
		if errors.Is(err, service.ErrUnknownJob) {
			// the queue would retry this forever
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

func redisOpt(cfg model.Redis) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}
