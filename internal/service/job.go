package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tvnlabs/chanvisor/internal/command"
	"github.com/tvnlabs/chanvisor/internal/health"
	"github.com/tvnlabs/chanvisor/internal/log"
	"github.com/tvnlabs/chanvisor/internal/logsink"
	"github.com/tvnlabs/chanvisor/internal/model"
	"github.com/tvnlabs/chanvisor/internal/process"
	"github.com/tvnlabs/chanvisor/internal/reconcile"
	"github.com/tvnlabs/chanvisor/internal/retry"
	"github.com/tvnlabs/chanvisor/internal/store"
)

var ErrJobClosed = errors.New("job closed")

const (
	// per consumer; ffmpeg prints about one progress line per second
	lineBuffer  = 256
	eventBuffer = 16

	shutdownNote = "supervisor shutdown"
)

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evHealthy
	evUnhealthy
	evExited
	evRetry
	evSweep
	evShutdown
	evRemove
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evStop:
		return "stop"
	case evHealthy:
		return "healthy"
	case evUnhealthy:
		return "unhealthy"
	case evExited:
		return "exited"
	case evRetry:
		return "retry"
	case evSweep:
		return "sweep"
	case evShutdown:
		return "shutdown"
	case evRemove:
		return "remove"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type event struct {
	kind  eventKind
	gen   uint64 // spawn the event belongs to
	epoch uint64 // retry events only
	pid   int
	code  int
	reply chan error
}

// run is one spawn attempt.
type run struct {
	id       string
	gen      uint64
	handle   *process.Handle
	finished chan struct{} // output drained and exit code logged
	failing  atomic.Bool   // the watchdog is killing it
}

// Job supervises the worker of one channel. Every transition is applied
// by a single loop goroutine in the order the events arrive. Monitoring
// goroutines only post events.
type Job struct {
	id       string
	channel  model.Channel
	settings Settings
	store    store.Store
	table    reconcile.Table
	logger   *slog.Logger

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	// owned by the loop goroutine
	retries  *retry.Scheduler
	gen      uint64
	epoch    uint64
	current  *run
	adopted  int
	cooldown chan struct{}
	sink     *logsink.Sink
	backlog  []event
}

func newJob(ch model.Channel, settings Settings, st store.Store, table reconcile.Table, logger *slog.Logger) *Job {
	return &Job{
		id:       ch.Name,
		channel:  ch,
		settings: settings,
		store:    st,
		table:    table,
		logger:   logger.With(slog.String("job_id", ch.Name)),
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
		retries:  settings.Policy().Scheduler(),
	}
}

func (j *Job) ID() string {
	return j.id
}

// Start requests a launch. It returns once the request was applied, the
// outcome is recorded in the store.
func (j *Job) Start(ctx context.Context) error {
	return j.request(ctx, evStart)
}

// Stop terminates the worker and waits for it, up to the grace period
// before the kill.
func (j *Job) Stop(ctx context.Context) error {
	return j.request(ctx, evStop)
}

// Shutdown terminates the worker and leaves the job pending, so the next
// supervisor resumes it. The loop exits afterwards.
func (j *Job) Shutdown(ctx context.Context) error {
	return j.request(ctx, evShutdown)
}

func (j *Job) remove(ctx context.Context) error {
	return j.request(ctx, evRemove)
}

func (j *Job) request(ctx context.Context, kind eventKind) error {
	reply := make(chan error, 1)
	select {
	case j.events <- event{kind: kind, reply: reply}:
	case <-j.done:
		return ErrJobClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-j.done:
		return ErrJobClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by the monitoring goroutines.
func (j *Job) post(ev event) {
	select {
	case j.events <- ev:
	case <-j.done:
	}
}

// sweep asks the loop to poll an adopted worker. It is dropped when the
// loop is busy.
func (j *Job) sweep() {
	select {
	case j.events <- event{kind: evSweep}:
	default:
	}
}

// loop runs until a shutdown or remove event. It waits for every
// goroutine the job started.
func (j *Job) loop(ctx context.Context) {
	defer func() {
		close(j.done)
		j.wg.Wait()
	}()

	for {
		ev := j.next()
		j.logger.DebugContext(ctx, "event", "kind", ev.kind.String(), "gen", ev.gen)
		var err error
		switch ev.kind {
		case evStart:
			err = j.start(ctx)
		case evStop:
			err = j.stop(ctx)
		case evHealthy:
			j.healthy(ctx, ev)
		case evUnhealthy:
			j.unhealthy(ctx, ev)
		case evExited:
			j.exited(ctx, ev)
		case evRetry:
			j.retry(ctx, ev)
		case evSweep:
			j.poll(ctx)
		case evShutdown:
			err = j.shutdown(ctx)
		case evRemove:
			err = j.stop(ctx)
		}
		if ev.reply != nil {
			ev.reply <- err
		}
		if ev.kind == evShutdown || ev.kind == evRemove {
			return
		}
	}
}

func (j *Job) next() event {
	if len(j.backlog) > 0 {
		ev := j.backlog[0]
		j.backlog = j.backlog[1:]
		return ev
	}
	return <-j.events
}

// await blocks the loop until ch is closed. Events arriving meanwhile are
// kept for later, so a monitoring goroutine is never stuck on a full
// channel.
func (j *Job) await(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
			return
		case ev := <-j.events:
			j.backlog = append(j.backlog, ev)
		}
	}
}

func (j *Job) start(ctx context.Context) error {
	j.cancelCooldown()
	j.retries.Reset()

	if r := j.current; r != nil && r.handle.Alive() {
		if !r.failing.Load() {
			j.logger.DebugContext(ctx, "already running", "pid", r.handle.PID())
			return nil
		}
		// a worker being killed by the watchdog does not satisfy the start
		j.logger.InfoContext(ctx, "waiting for the silent worker to exit", "pid", r.handle.PID())
		j.await(r.finished)
		j.current = nil
		j.launch(ctx)
		return nil
	}

	st, err := j.store.Get(ctx, j.id)
	if err != nil {
		return fmt.Errorf("reading job state: %w", err)
	}
	if st.PID != 0 {
		verdict, err := reconcile.Check(ctx, j.table, st.PID, j.settings.FFmpeg)
		if err != nil {
			j.logger.WarnContext(ctx, "checking recorded process failed", "pid", st.PID, "error", err)
		}
		switch verdict {
		case reconcile.Running:
			j.adopt(ctx, st.PID)
			return nil
		case reconcile.Stale:
			j.logger.InfoContext(ctx, "recorded process is stale", "pid", st.PID, "error", model.ErrStaleProcess)
		default:
			j.logger.DebugContext(ctx, "recorded process is gone", "pid", st.PID)
		}
	}
	j.launch(ctx)
	return nil
}

// adopt takes over a live worker left by a previous supervisor. It can
// not be waited on, the sweep polls it instead.
func (j *Job) adopt(ctx context.Context, pid int) {
	j.adopted = pid
	_, err := j.store.Update(ctx, j.id, func(st *model.JobState) error {
		if st.PID != pid {
			return store.ErrSkip
		}
		st.Status = model.StatusRunning
		st.Error = ""
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) {
		j.logger.ErrorContext(ctx, "recording adopted process failed", "pid", pid, "error", err)
		return
	}
	j.logger.InfoContext(ctx, "adopted running worker", "pid", pid)
}

func (j *Job) launch(ctx context.Context) {
	spec, err := command.Build(j.settings.FFmpeg, j.channel)
	if err != nil {
		j.fail(ctx, err)
		return
	}
	sink, err := j.openSink()
	if err != nil {
		j.fail(ctx, err)
		return
	}

	j.gen++
	j.adopted = 0
	r := &run{
		id:       uuid.NewString(),
		gen:      j.gen,
		finished: make(chan struct{}),
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", r.id))
	_ = sink.Marker("run %s: %s", r.id, spec)

	h, err := process.Spawn(process.Command{
		Path: spec.Path,
		Args: spec.Args,
		Env:  j.settings.Environ(),
	})
	if err != nil {
		j.fail(ctx, fmt.Errorf("%w: %w", model.ErrSpawn, err))
		return
	}
	r.handle = h
	j.current = r

	_, err = j.store.Update(ctx, j.id, func(st *model.JobState) error {
		st.Status = model.StatusPending
		st.PID = h.PID()
		st.Error = ""
		return nil
	})
	if err != nil {
		j.logger.ErrorContext(ctx, "recording spawned process failed", "pid", h.PID(), "error", err)
	}

	lines, err := h.Fork(2, lineBuffer)
	if err != nil {
		// not reachable for a fresh handle
		_, _ = h.Terminate(j.settings.GracePeriod)
		j.fail(ctx, fmt.Errorf("forking worker output: %w", err))
		return
	}
	j.logger.InfoContext(ctx, "worker spawned", "pid", h.PID())
	j.wg.Go(func() {
		j.monitor(ctx, r, sink, lines[0], lines[1])
	})
}

// monitor watches one spawn: the health verdict, the log drain and the
// exit. It is the watchdog too and kills a worker which stays silent.
func (j *Job) monitor(ctx context.Context, r *run, sink *logsink.Sink, healthLines, logLines <-chan string) {
	drained := make(chan struct{})
	j.wg.Go(func() {
		sink.Drain(logLines)
		close(drained)
	})

	pid := r.handle.PID()
	verdict := health.Watch(ctx, healthLines, j.settings.HealthWindow)
	j.logger.DebugContext(ctx, "health verdict", "pid", pid, "verdict", verdict.String())
	switch verdict {
	case health.Confirmed:
		j.post(event{kind: evHealthy, gen: r.gen, pid: pid})
	case health.TimedOut:
		r.failing.Store(true)
		forced, err := r.handle.Terminate(j.settings.GracePeriod)
		if err != nil {
			j.logger.ErrorContext(ctx, "terminating silent worker failed", "pid", pid, "error", err)
		}
		if forced {
			_ = sink.Marker("worker killed after %s grace period", j.settings.GracePeriod)
		}
		j.post(event{kind: evUnhealthy, gen: r.gen, pid: pid})
	}

	<-r.handle.Done()
	<-drained
	code, err := r.handle.ExitCode()
	if err != nil {
		j.logger.WarnContext(ctx, "reading exit code failed", "pid", pid, "error", err)
	}
	_ = sink.Marker("exit code %d", code)
	close(r.finished)
	j.post(event{kind: evExited, gen: r.gen, pid: pid, code: code})
}

func (j *Job) healthy(ctx context.Context, ev event) {
	if ev.gen != j.gen {
		return
	}
	_, err := j.store.Update(ctx, j.id, func(st *model.JobState) error {
		if st.Status != model.StatusPending || st.PID != ev.pid {
			return store.ErrSkip
		}
		st.Status = model.StatusRunning
		return nil
	})
	switch {
	case errors.Is(err, store.ErrSkip):
		j.logger.DebugContext(ctx, "ignoring late health signal", "pid", ev.pid)
	case err != nil:
		j.logger.ErrorContext(ctx, "recording health failed", "pid", ev.pid, "error", err)
	default:
		j.logger.InfoContext(ctx, "worker is encoding", "pid", ev.pid)
	}
}

func (j *Job) unhealthy(ctx context.Context, ev event) {
	if ev.gen != j.gen {
		return
	}
	reason := fmt.Errorf("%w after %s", model.ErrHealthTimeout, j.settings.HealthWindow)
	_, err := j.store.Update(ctx, j.id, func(st *model.JobState) error {
		if st.Status != model.StatusPending || st.PID != ev.pid {
			return store.ErrSkip
		}
		st.Status = model.StatusError
		st.PID = 0
		st.Error = reason.Error()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) {
		j.logger.ErrorContext(ctx, "recording health timeout failed", "pid", ev.pid, "error", err)
		return
	}
	j.marker("error: %s", reason)
	j.logger.WarnContext(ctx, "worker killed", "pid", ev.pid, "error", reason)
}

func (j *Job) exited(ctx context.Context, ev event) {
	if ev.gen != j.gen {
		return
	}
	j.current = nil
	j.unexpectedExit(ctx, ev.pid, ev.code)
}

// unexpectedExit consumes one retry or gives up. Only a job still pending
// or running is retried, a deliberate stop or a health failure has set
// another status already.
func (j *Job) unexpectedExit(ctx context.Context, pid, code int) {
	attempt, limit := j.retries.Attempts()+1, j.retries.Max()
	exhausted := attempt > limit
	st, err := j.store.Update(ctx, j.id, func(st *model.JobState) error {
		if st.Status != model.StatusPending && st.Status != model.StatusRunning {
			return store.ErrSkip
		}
		if st.PID != pid {
			return store.ErrSkip
		}
		st.PID = 0
		if exhausted {
			st.Status = model.StatusError
			st.Error = fmt.Sprintf("%s: exited with code %d", model.ErrMaxRetries, code)
			return nil
		}
		st.Status = model.StatusStopped
		st.Error = fmt.Sprintf("%s: exited with code %d; retry %d/%d", model.ErrUnexpectedExit, code, attempt, limit)
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		j.logger.DebugContext(ctx, "worker exit already handled", "pid", pid, "code", code, "status", string(st.Status))
		return
	}
	if err != nil {
		j.logger.ErrorContext(ctx, "recording worker exit failed", "pid", pid, "error", err)
		return
	}

	if exhausted {
		j.marker("error: %s", st.Error)
		j.logger.ErrorContext(ctx, "giving up", "pid", pid, "code", code, "error", model.ErrMaxRetries)
		return
	}
	d, ok := j.retries.Next()
	if !ok {
		return
	}
	j.marker("%s in %s", st.Error, d)
	j.logger.WarnContext(ctx, "worker exited, scheduling retry", "pid", pid, "code", code, "attempt", attempt, "cooldown", d)
	j.scheduleRetry(ctx, d)
}

func (j *Job) scheduleRetry(ctx context.Context, d time.Duration) {
	cancel := make(chan struct{})
	j.cooldown = cancel
	epoch := j.epoch
	j.wg.Go(func() {
		if retry.Wait(ctx, d, cancel) {
			j.post(event{kind: evRetry, epoch: epoch})
		}
	})
}

// cancelCooldown interrupts a pending retry. The epoch bump marks retry
// events which were already posted as stale.
func (j *Job) cancelCooldown() {
	j.epoch++
	if j.cooldown != nil {
		close(j.cooldown)
		j.cooldown = nil
	}
}

func (j *Job) retry(ctx context.Context, ev event) {
	if ev.epoch != j.epoch {
		j.logger.DebugContext(ctx, "retry canceled")
		return
	}
	j.cooldown = nil
	st, err := j.store.Get(ctx, j.id)
	if err != nil {
		j.logger.ErrorContext(ctx, "reading job state failed", "error", err)
		return
	}
	if st.Status != model.StatusStopped {
		return
	}
	j.logger.InfoContext(ctx, "relaunching", "attempt", j.retries.Attempts())
	j.launch(ctx)
}

// poll checks an adopted worker. A vanished one counts as an exit.
func (j *Job) poll(ctx context.Context) {
	if j.adopted == 0 || j.current != nil {
		return
	}
	if reconcile.Alive(ctx, j.table, j.adopted) {
		return
	}
	pid := j.adopted
	j.adopted = 0
	j.logger.InfoContext(ctx, "adopted worker is gone", "pid", pid)
	j.unexpectedExit(ctx, pid, -1)
}

// terminate stops whatever worker the job knows about and reports the PID
// it stopped.
func (j *Job) terminate(ctx context.Context) (int, error) {
	j.cancelCooldown()
	// events of the current spawn are stale from now on
	j.gen++

	if r := j.current; r != nil {
		j.current = nil
		pid := r.handle.PID()
		forced, err := r.handle.Terminate(j.settings.GracePeriod)
		j.await(r.finished)
		if forced {
			j.marker("worker killed after %s grace period", j.settings.GracePeriod)
			j.logger.WarnContext(ctx, "worker killed", "pid", pid)
		}
		return pid, err
	}

	pid := j.adopted
	j.adopted = 0
	if pid == 0 {
		st, err := j.store.Get(ctx, j.id)
		if err != nil {
			return 0, fmt.Errorf("reading job state: %w", err)
		}
		pid = st.PID
	}
	if pid == 0 {
		return 0, nil
	}
	verdict, err := reconcile.Check(ctx, j.table, pid, j.settings.FFmpeg)
	if err != nil || verdict != reconcile.Running {
		return pid, err
	}
	forced, err := process.TerminatePID(pid, j.settings.GracePeriod, j.alive(ctx))
	if forced {
		j.logger.WarnContext(ctx, "worker killed", "pid", pid)
	}
	return pid, err
}

func (j *Job) alive(ctx context.Context) process.AliveFunc {
	return func(pid int) bool {
		return reconcile.Alive(ctx, j.table, pid)
	}
}

func (j *Job) stop(ctx context.Context) error {
	pid, err := j.terminate(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "terminating worker failed", "pid", pid, "error", err)
	}
	_, uerr := j.store.Update(ctx, j.id, func(st *model.JobState) error {
		st.Status = model.StatusStopped
		st.PID = 0
		st.Error = ""
		return nil
	})
	if uerr != nil {
		return fmt.Errorf("recording stop: %w", uerr)
	}
	if pid != 0 {
		j.marker("stopped")
		j.logger.InfoContext(ctx, "worker stopped", "pid", pid)
	}
	j.closeSink(ctx)
	return nil
}

func (j *Job) shutdown(ctx context.Context) error {
	resume := j.cooldown != nil
	pid, err := j.terminate(ctx)
	if pid != 0 || resume {
		_, uerr := j.store.Update(ctx, j.id, func(st *model.JobState) error {
			if st.Status == model.StatusError {
				return store.ErrSkip
			}
			st.Status = model.StatusPending
			st.PID = 0
			st.Error = shutdownNote
			return nil
		})
		if uerr != nil && !errors.Is(uerr, store.ErrSkip) {
			err = errors.Join(err, fmt.Errorf("recording shutdown: %w", uerr))
		}
		j.marker(shutdownNote)
	}
	j.closeSink(ctx)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.id, err)
	}
	return nil
}

// fail records a failure which is never retried.
func (j *Job) fail(ctx context.Context, err error) {
	j.current = nil
	_, uerr := j.store.Update(ctx, j.id, func(st *model.JobState) error {
		st.Status = model.StatusError
		st.PID = 0
		st.Error = err.Error()
		return nil
	})
	if uerr != nil {
		j.logger.ErrorContext(ctx, "recording failure failed", "error", uerr)
	}
	j.marker("error: %s", err)
	j.logger.ErrorContext(ctx, "job failed", "error", err)
}

func (j *Job) openSink() (*logsink.Sink, error) {
	if j.sink != nil {
		return j.sink, nil
	}
	sink, err := logsink.Open(j.settings.LogDir, j.channel.Name, j.settings.LogMaxBytes)
	if err != nil {
		return nil, err
	}
	j.sink = sink
	return sink, nil
}

func (j *Job) closeSink(ctx context.Context) {
	if j.sink == nil {
		return
	}
	if err := j.sink.Close(); err != nil {
		j.logger.WarnContext(ctx, "closing log failed", "path", j.sink.Path(), "error", err)
	}
	j.sink = nil
}

func (j *Job) marker(format string, args ...any) {
	if j.sink != nil {
		_ = j.sink.Marker(format, args...)
	}
}
