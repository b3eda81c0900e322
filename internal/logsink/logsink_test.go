package logsink_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tvnlabs/chanvisor/internal/logsink"
)

func TestFileName(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		channel string
		want    string
	}{
		{"News HD", "News_HD.log"},
		{"sport/1", "sport_1.log"},
		{"../../etc/passwd", "_.._etc_passwd.log"},
		{"  ", "channel.log"},
		{"Ča2", "_a2.log"},
		{"a.b-c_d", "a.b-c_d.log"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, logsink.FileName(tc.channel), tc.channel)
	}
	require.LessOrEqual(t, len(logsink.FileName(strings.Repeat("x", 1000))), 204)
}

func TestSink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink, err := logsink.Open(dir, "News HD", 0)
	require.NoError(t, err)
	sink.SetClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) })

	require.Equal(t, filepath.Join(dir, "News_HD.log"), sink.Path())
	require.NoError(t, sink.Marker("command: %s", "ffmpeg -i in"))
	lines := make(chan string, 2)
	lines <- "frame=1 fps=25 bitrate=1k"
	lines <- "frame=2 fps=25 bitrate=1k"
	close(lines)
	sink.Drain(lines)
	require.NoError(t, sink.Marker("exit code %d", 0))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.Line("late"), logsink.ErrClosed)

	b, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	require.Equal(t,
		"2026-01-02T03:04:05.000Z [chanvisor] command: ffmpeg -i in\n"+
			"2026-01-02T03:04:05.000Z frame=1 fps=25 bitrate=1k\n"+
			"2026-01-02T03:04:05.000Z frame=2 fps=25 bitrate=1k\n"+
			"2026-01-02T03:04:05.000Z [chanvisor] exit code 0\n",
		string(b))

	// reopening appends
	sink, err = logsink.Open(dir, "News HD", 0)
	require.NoError(t, err)
	require.NoError(t, sink.Line("again"))
	require.NoError(t, sink.Close())
	b, err = os.ReadFile(sink.Path())
	require.NoError(t, err)
	require.Equal(t, 5, strings.Count(string(b), "\n"))
}

func TestSink_Bound(t *testing.T) {
	t.Parallel()
	const max = 4096
	sink, err := logsink.Open(t.TempDir(), "bound", max)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	line := strings.Repeat("x", 100)
	longest := int64(len("2006-01-02T15:04:05.000Z ") + len(line) + 1)
	for i := range 1000 {
		require.NoError(t, sink.Line(line))
		info, err := os.Stat(sink.Path())
		require.NoError(t, err)
		require.LessOrEqual(t, info.Size(), max+longest, "after line %d", i)
	}

	b, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	// truncation keeps whole lines only
	for _, l := range strings.Split(strings.TrimSuffix(string(b), "\n"), "\n") {
		require.True(t, strings.HasSuffix(l, line), l)
	}
}
