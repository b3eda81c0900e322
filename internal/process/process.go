package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrEmptyPath   = errors.New("empty executable path")
	ErrAlreadyFork = errors.New("output already forked")
	ErrNotExited   = errors.New("process still running")
)

type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the supervisor environment
}

// Handle owns one spawned worker. It is never reused: every spawn returns a
// new Handle with a new PID.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
	kills   atomic.Int32

	outMx  sync.Mutex
	output *os.File // read end of the merged stdout/stderr pipe

	termMx sync.Mutex

	mx      sync.RWMutex
	stopped time.Time
	state   *os.ProcessState
	err     error
}

// Spawn starts the worker in its own process group with stdout and stderr
// sharing one pipe. It blocks only until the OS accepts the exec. A
// background goroutine waits on the process, so no zombie is left behind.
func Spawn(proto Command) (*Handle, error) {
	if proto.Path == "" {
		return nil, ErrEmptyPath
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = sysProcAttr()

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// the child holds its own copy, so EOF on r means the worker is gone
	_ = w.Close()

	h := &Handle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: started,
		done:    make(chan struct{}),
		output:  r,
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	stopped := time.Now().UTC()

	h.mx.Lock()
	h.stopped = stopped
	h.state = h.cmd.ProcessState
	h.err = err
	h.mx.Unlock()
	close(h.done)
}

func (h *Handle) PID() int {
	return h.pid
}

func (h *Handle) Started() time.Time {
	return h.started
}

// Done is closed once the process has been waited on.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process has not been reaped yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, -1 when the process was killed by a
// signal, or ErrNotExited.
func (h *Handle) ExitCode() (int, error) {
	h.mx.RLock()
	defer h.mx.RUnlock()
	if h.state == nil {
		if h.Alive() {
			return 0, ErrNotExited
		}
		return -1, h.err
	}
	return h.state.ExitCode(), nil
}

func (h *Handle) Stopped() time.Time {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.stopped
}

// Kills returns how many times the process group was sent SIGKILL.
func (h *Handle) Kills() int {
	return int(h.kills.Load())
}

// Fork starts reading the merged output and copies every line to n
// channels of the given capacity. Each channel sees every line and is
// closed when the output ends. Consumers must keep draining their channel
// or the worker blocks on a full pipe.
func (h *Handle) Fork(n, capacity int) ([]<-chan string, error) {
	h.outMx.Lock()
	defer h.outMx.Unlock()
	if h.output == nil {
		return nil, ErrAlreadyFork
	}
	r := h.output
	h.output = nil
	return fork(r, n, capacity), nil
}

// Close releases the output pipe if it was never forked.
func (h *Handle) Close() error {
	h.outMx.Lock()
	defer h.outMx.Unlock()
	if h.output == nil {
		return nil
	}
	err := h.output.Close()
	h.output = nil
	return err
}

// Terminate sends SIGTERM to the process group and escalates to SIGKILL
// after grace. It returns once the process has been reaped and reports
// whether the kill was needed. Concurrent calls are serialized, so the
// group is killed at most once.
func (h *Handle) Terminate(grace time.Duration) (bool, error) {
	h.termMx.Lock()
	defer h.termMx.Unlock()

	if !h.Alive() {
		return false, nil
	}
	if err := signalGroup(h.pid, sigTerm); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-h.done
			return false, nil
		}
		return false, fmt.Errorf("sending SIGTERM to %d: %w", h.pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return false, nil
	case <-timer.C:
	}

	h.kills.Add(1)
	if err := signalGroup(h.pid, sigKill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return true, fmt.Errorf("sending SIGKILL to %d: %w", h.pid, err)
	}
	<-h.done
	return true, nil
}

// AliveFunc probes a PID which is not a child of this process.
type AliveFunc func(pid int) bool

// TerminatePID stops a worker adopted from a previous supervisor run, which
// cannot be waited on. Liveness is polled with alive.
func TerminatePID(pid int, grace time.Duration, alive AliveFunc) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	if err := signalGroup(pid, sigTerm); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return false, nil
		}
		return false, fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}
	if waitGone(pid, grace, alive) {
		return false, nil
	}
	if err := signalGroup(pid, sigKill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return true, fmt.Errorf("sending SIGKILL to %d: %w", pid, err)
	}
	waitGone(pid, grace, alive)
	return true, nil
}

const pollInterval = 50 * time.Millisecond

func waitGone(pid int, d time.Duration, alive AliveFunc) bool {
	deadline := time.Now().Add(d)
	for {
		if !alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
