package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tvnlabs/chanvisor/internal/model"
)

const defaultConcurrency = 4

// Server consumes control tasks inside the daemon.
type Server struct {
	srv *asynq.Server
}

func NewServer(cfg model.Control, logger *slog.Logger) *Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	srv := asynq.NewServer(
		redisOpt(cfg.Redis),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				Queue: 1,
			},
			Logger: slogLogger{logger},
		},
	)
	return &Server{srv: srv}
}

// Run processes tasks with c until ctx is canceled.
func (s *Server) Run(ctx context.Context, c Controller) error {
	if err := s.srv.Start(NewMux(c)); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	slog.InfoContext(ctx, "control server started", "queue", Queue)
	<-ctx.Done()
	s.srv.Shutdown()
	return nil
}

// slogLogger adapts slog to asynq.Logger.
type slogLogger struct {
	l *slog.Logger
}

func (l slogLogger) Debug(args ...any) { l.l.Debug(fmt.Sprint(args...)) }
func (l slogLogger) Info(args ...any)  { l.l.Info(fmt.Sprint(args...)) }
func (l slogLogger) Warn(args ...any)  { l.l.Warn(fmt.Sprint(args...)) }
func (l slogLogger) Error(args ...any) { l.l.Error(fmt.Sprint(args...)) }
func (l slogLogger) Fatal(args ...any) { l.l.Error(fmt.Sprint(args...)) }
