package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tvnlabs/chanvisor/internal/model"
	"github.com/tvnlabs/chanvisor/internal/reconcile"
	"github.com/tvnlabs/chanvisor/internal/store"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobExists  = errors.New("job already added")
)

// Supervisor is the registry of jobs. Each job runs its own loop, the
// supervisor only routes requests, schedules the adoption sweep and
// shuts every job down in parallel.
type Supervisor struct {
	settings  Settings
	store     store.Store
	table     reconcile.Table
	logger    *slog.Logger
	scheduler gocron.Scheduler

	jobsMx       sync.Mutex
	jobs         map[string]*Job
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewSupervisor(ctx context.Context, settings Settings, st store.Store) (*Supervisor, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	supervisor := &Supervisor{
		settings: settings,
		store:    st,
		table:    reconcile.OSTable{},
		logger:   slog.Default(),
		jobs:     make(map[string]*Job),
	}
	scheduler, err := newScheduler(ctx, settings, supervisor.sweep)
	if err != nil {
		return nil, fmt.Errorf("initializing sweep: %w", err)
	}
	supervisor.scheduler = scheduler
	return supervisor, nil
}

// WithTable replaces the process table used by the reconciler.
// This method exists for a unit testing only.
func (s *Supervisor) WithTable(table reconcile.Table) *Supervisor {
	s.table = table
	return s
}

func (s *Supervisor) WithLogger(logger *slog.Logger) *Supervisor {
	s.logger = logger
	return s
}

// AddJob registers a channel and starts its loop. A new job is recorded
// as stopped. An existing record is kept, so Resume can pick it up.
func (s *Supervisor) AddJob(ctx context.Context, ch model.Channel) error {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	if _, ok := s.jobs[ch.Name]; ok {
		return fmt.Errorf("%s: %w", ch.Name, ErrJobExists)
	}

	err := s.store.Create(ctx, model.JobState{ID: ch.Name, Status: model.StatusStopped})
	if err != nil && !errors.Is(err, store.ErrExists) {
		return fmt.Errorf("creating job %s: %w", ch.Name, err)
	}

	j := newJob(ch, s.settings, s.store, s.table, s.logger)
	loopCtx := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		j.loop(loopCtx)
	})
	s.jobs[ch.Name] = j
	s.logger.DebugContext(ctx, "job added", "job_id", ch.Name)
	return nil
}

// RemoveJob stops the job and deletes its state record.
func (s *Supervisor) RemoveJob(ctx context.Context, id string) error {
	s.jobsMx.Lock()
	j, ok := s.jobs[id]
	delete(s.jobs, id)
	s.jobsMx.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	if err := j.remove(ctx); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

func (s *Supervisor) job(id string) (*Job, error) {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	return j, nil
}

// Start requests a launch of job id. Only an unknown id is reported, every
// other failure ends up in the job state. An adopted worker is polled by
// the sweep, which runs inside Do.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	j, err := s.job(id)
	if err != nil {
		return err
	}
	return j.Start(ctx)
}

func (s *Supervisor) Stop(ctx context.Context, id string) error {
	j, err := s.job(id)
	if err != nil {
		return err
	}
	return j.Stop(ctx)
}

// Status reads the persisted state. It has no side effects.
func (s *Supervisor) Status(ctx context.Context, id string) (model.JobState, error) {
	st, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.JobState{}, fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	return st, err
}

// Jobs returns the registered job ids in order.
func (s *Supervisor) Jobs() []string {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Resume starts every registered job which was pending or running when
// the previous supervisor exited.
func (s *Supervisor) Resume(ctx context.Context) error {
	var errs []error
	for _, id := range s.Jobs() {
		st, err := s.store.Get(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if st.Status != model.StatusPending && st.Status != model.StatusRunning {
			continue
		}
		s.logger.InfoContext(ctx, "resuming job", "job_id", id, "status", string(st.Status), "pid", st.PID)
		if err := s.Start(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Do resumes the jobs and runs the sweep until ctx is canceled. Then all
// workers are terminated in parallel and their jobs left pending.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	s.scheduler.Start()

	if err := s.Resume(ctx); err != nil {
		slog.ErrorContext(ctx, "resuming jobs failed", "error", err)
	}

	<-ctx.Done()
	return s.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown stops the sweep and every job loop. It waits for all of them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	})

	s.jobsMx.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for id, j := range s.jobs {
		jobs = append(jobs, j)
		delete(s.jobs, id)
	}
	s.jobsMx.Unlock()

	var g errgroup.Group
	for _, j := range jobs {
		g.Go(func() error {
			err := j.Shutdown(ctx)
			if errors.Is(err, ErrJobClosed) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	s.wg.Wait()
	return err
}

func (s *Supervisor) sweep() {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	for _, j := range s.jobs {
		j.sweep()
	}
}

func newScheduler(ctx context.Context, settings Settings, sweepFunc func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case settings.SweepCron != "":
		err := ParseCron(settings.SweepCron)
		if err != nil {
			return nil, fmt.Errorf("parsing supervisor.sweep_cron: %w", err)
		}
		job = gocron.CronJob(settings.SweepCron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", settings.SweepCron)
	case settings.SweepEvery > 0:
		job = gocron.DurationJob(settings.SweepEvery)
		slog.DebugContext(ctx, "sweep scheduled", "every", settings.SweepEvery.String())
	default:
		return nil, errors.New("both sweep_cron and sweep_every are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(sweepFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
