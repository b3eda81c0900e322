// Package reconcile decides what a recorded worker PID means after the
// supervisor restarted: the worker still runs, the PID was reused by an
// unrelated process, or nothing lives there anymore.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

type Verdict int

const (
	// Gone means no live process has the PID.
	Gone Verdict = iota
	// Stale means the PID belongs to a different program.
	Stale
	// Running means the PID is a live instance of the worker binary.
	Running
)

func (v Verdict) String() string {
	switch v {
	case Gone:
		return "gone"
	case Stale:
		return "stale"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Info is what the process table knows about a PID.
type Info struct {
	PID     int
	Name    string
	Exe     string
	Cmdline []string
	Zombie  bool
}

// Table looks PIDs up in a process table.
type Table interface {
	Lookup(ctx context.Context, pid int) (Info, bool, error)
}

// Check classifies pid against the expected worker binary.
func Check(ctx context.Context, table Table, pid int, binary string) (Verdict, error) {
	if pid <= 0 {
		return Gone, nil
	}
	info, ok, err := table.Lookup(ctx, pid)
	if err != nil {
		return Gone, fmt.Errorf("looking up pid %d: %w", pid, err)
	}
	if !ok || info.Zombie {
		return Gone, nil
	}
	if !Matches(info, binary) {
		return Stale, nil
	}
	return Running, nil
}

// Matches compares the process name, executable and the first two argv
// entries (an interpreter runs scripts as argv[1]) with binary.
func Matches(info Info, binary string) bool {
	want := filepath.Base(binary)
	if want == "" || want == "." || want == string(filepath.Separator) {
		return false
	}
	candidates := []string{info.Exe}
	candidates = append(candidates, info.Cmdline[:min(2, len(info.Cmdline))]...)
	if slices.ContainsFunc(candidates, func(c string) bool { return c != "" && filepath.Base(c) == want }) {
		return true
	}
	// the kernel truncates comm to 15 bytes
	if info.Name == want || (len(info.Name) == 15 && strings.HasPrefix(want, info.Name)) {
		return true
	}
	return false
}

// OSTable reads the live process table.
type OSTable struct{}

func (OSTable) Lookup(ctx context.Context, pid int) (Info, bool, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return Info{}, false, err
	}
	if !exists {
		return Info{}, false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Info{}, false, nil
		}
		return Info{}, false, err
	}

	info := Info{PID: pid}
	// permission errors still leave the other attributes to compare
	info.Name, _ = p.NameWithContext(ctx)
	info.Exe, _ = p.ExeWithContext(ctx)
	info.Cmdline, _ = p.CmdlineSliceWithContext(ctx)
	if status, err := p.StatusWithContext(ctx); err == nil {
		info.Zombie = slices.Contains(status, process.Zombie)
	}
	return info, true, nil
}

// Alive reports whether pid exists in the table and is not a zombie.
func Alive(ctx context.Context, table Table, pid int) bool {
	info, ok, err := table.Lookup(ctx, pid)
	return err == nil && ok && !info.Zombie
}
