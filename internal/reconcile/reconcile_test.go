package reconcile_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tvnlabs/chanvisor/internal/reconcile"
)

type table map[int]reconcile.Info

func (t table) Lookup(_ context.Context, pid int) (reconcile.Info, bool, error) {
	if pid == 666 {
		return reconcile.Info{}, false, errors.New("boom")
	}
	info, ok := t[pid]
	return info, ok, nil
}

func TestCheck(t *testing.T) {
	t.Parallel()
	tbl := table{
		100: {PID: 100, Name: "ffmpeg", Exe: "/usr/bin/ffmpeg", Cmdline: []string{"/usr/bin/ffmpeg", "-i", "x"}},
		200: {PID: 200, Name: "postgres", Exe: "/usr/lib/postgresql/bin/postgres", Cmdline: []string{"postgres"}},
		300: {PID: 300, Name: "ffmpeg", Zombie: true},
		400: {PID: 400, Name: "sh", Exe: "/bin/dash", Cmdline: []string{"/bin/sh", "/tmp/worker", "-i"}},
	}
	var testCases = []struct {
		scenario string
		pid      int
		binary   string
		want     reconcile.Verdict
	}{
		{"no pid", 0, "ffmpeg", reconcile.Gone},
		{"no process", 12345, "ffmpeg", reconcile.Gone},
		{"unrelated process", 200, "ffmpeg", reconcile.Stale},
		{"matching process", 100, "ffmpeg", reconcile.Running},
		{"matching by full path", 100, "/opt/ffmpeg/bin/ffmpeg", reconcile.Running},
		{"zombie", 300, "ffmpeg", reconcile.Gone},
		{"script worker", 400, "/tmp/worker", reconcile.Running},
		{"script mismatch", 400, "ffmpeg", reconcile.Stale},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := reconcile.Check(t.Context(), tbl, tc.pid, tc.binary)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := reconcile.Check(t.Context(), tbl, 666, "ffmpeg")
	require.Error(t, err)
}

func TestMatches_TruncatedComm(t *testing.T) {
	t.Parallel()
	info := reconcile.Info{Name: "chanvisor-worke"}
	require.True(t, reconcile.Matches(info, "/usr/local/bin/chanvisor-worker"))
	require.False(t, reconcile.Matches(info, ""))
}

func TestOSTable(t *testing.T) {
	t.Parallel()
	exe, err := os.Executable()
	require.NoError(t, err)

	var tbl reconcile.OSTable
	got, err := reconcile.Check(t.Context(), tbl, os.Getpid(), exe)
	require.NoError(t, err)
	require.Equal(t, reconcile.Running, got)

	got, err = reconcile.Check(t.Context(), tbl, os.Getpid(), "ffmpeg")
	require.NoError(t, err)
	require.Equal(t, reconcile.Stale, got)

	require.True(t, reconcile.Alive(t.Context(), tbl, os.Getpid()))
	require.False(t, reconcile.Alive(t.Context(), tbl, 1<<30))
}
