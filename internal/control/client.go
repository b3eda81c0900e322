package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tvnlabs/chanvisor/internal/model"
)

// Client enqueues control tasks, used by the CLI.
type Client struct {
	client *asynq.Client
}

func NewClient(cfg model.Control) *Client {
	return &Client{client: asynq.NewClient(redisOpt(cfg.Redis))}
}

func (c *Client) Start(ctx context.Context, id string) error {
	t, err := NewStartTask(id)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, t)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	t, err := NewStopTask(id)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, t)
}

func (c *Client) enqueue(ctx context.Context, t *asynq.Task) error {
	info, err := c.client.EnqueueContext(ctx, t,
		asynq.Queue(Queue),
		asynq.MaxRetry(3),
		asynq.Retention(time.Hour),
	)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "control task enqueued", "type", t.Type(), "task_id", info.ID)
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
