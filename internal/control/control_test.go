package control_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/tvnlabs/chanvisor/internal/control"
	"github.com/tvnlabs/chanvisor/internal/service"
)

type controller struct {
	mx    sync.Mutex
	calls []string
	known map[string]bool
}

func (c *controller) call(op, id string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.known[id] {
		return fmt.Errorf("%s: %w", id, service.ErrUnknownJob)
	}
	c.calls = append(c.calls, op+" "+id)
	return nil
}

func (c *controller) Start(_ context.Context, id string) error { return c.call("start", id) }
func (c *controller) Stop(_ context.Context, id string) error  { return c.call("stop", id) }

func TestMux(t *testing.T) {
	t.Parallel()
	c := &controller{known: map[string]bool{"news": true}}
	mux := control.NewMux(c)
	ctx := t.Context()

	start, err := control.NewStartTask("news")
	require.NoError(t, err)
	require.Equal(t, control.TaskStart, start.Type())
	require.JSONEq(t, `{"job_id":"news"}`, string(start.Payload()))
	require.NoError(t, mux.ProcessTask(ctx, start))

	stop, err := control.NewStopTask("news")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(ctx, stop))
	require.Equal(t, []string{"start news", "stop news"}, c.calls)

	t.Run("unknown job", func(t *testing.T) {
		task, err := control.NewStartTask("sports")
		require.NoError(t, err)
		err = mux.ProcessTask(ctx, task)
		require.ErrorIs(t, err, service.ErrUnknownJob)
		require.ErrorIs(t, err, asynq.SkipRetry)
	})
	t.Run("bad payload", func(t *testing.T) {
		err := mux.ProcessTask(ctx, asynq.NewTask(control.TaskStop, []byte(`{"job":1}`)))
		require.ErrorIs(t, err, control.ErrInvalidPayload)
		require.ErrorIs(t, err, asynq.SkipRetry)
	})
	t.Run("empty id", func(t *testing.T) {
		_, err := control.NewStopTask("")
		require.ErrorIs(t, err, control.ErrInvalidPayload)
	})
}
