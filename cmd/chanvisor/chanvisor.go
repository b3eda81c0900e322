package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tvnlabs/chanvisor/internal/command"
	"github.com/tvnlabs/chanvisor/internal/control"
	"github.com/tvnlabs/chanvisor/internal/model"
	"github.com/tvnlabs/chanvisor/internal/service"
	"github.com/tvnlabs/chanvisor/internal/store"
)

var errNoControl = errors.New("service.control is not configured")

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	settings, err := service.ParseSettings("supervisor")
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, config.Service.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("closing store", "error", err)
		}
	}()

	supervisor, err := service.NewSupervisor(ctx, settings, st)
	if err != nil {
		return err
	}
	for _, ch := range config.Channels {
		if err := supervisor.AddJob(ctx, ch); err != nil {
			return errors.Join(err, supervisor.Shutdown(context.WithoutCancel(ctx)))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if config.Service.Control != nil {
		srv := control.NewServer(*config.Service.Control, slog.Default())
		g.Go(func() error {
			return srv.Run(ctx, supervisor)
		})
	}
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	return g.Wait()
}

func doStart(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
		return c.Start(ctx, args[0])
	})
}

func doStop(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
		return c.Stop(ctx, args[0])
	})
}

func withClient(ctx context.Context, fn func(context.Context, *control.Client) error) error {
	if config.Service.Control == nil {
		return errNoControl
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c := control.NewClient(*config.Service.Control)
	defer func() {
		if err := c.Close(); err != nil {
			slog.Error("closing control client", "error", err)
		}
	}()
	return fn(ctx, c)
}

func doStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(ctx, config.Service.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var states []model.JobState
	if len(args) == 0 {
		states, err = st.List(ctx)
		if err != nil {
			return err
		}
	}
	for _, id := range args {
		s, err := st.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		states = append(states, s)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPID\tUPDATED\tERROR")
	for _, s := range states {
		pid := "-"
		if s.PID != 0 {
			pid = fmt.Sprint(s.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, pid, s.UpdatedAt.Format(time.RFC3339), s.Error)
	}
	return w.Flush()
}

func doCommand(cmd *cobra.Command, args []string) error {
	settings, err := service.ParseSettings("supervisor")
	if err != nil {
		return err
	}
	for _, ch := range config.Channels {
		if ch.Name != args[0] {
			continue
		}
		spec, err := command.Build(settings.FFmpeg, ch)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), spec.String())
		return nil
	}
	return fmt.Errorf("%s: %w", args[0], service.ErrUnknownJob)
}
