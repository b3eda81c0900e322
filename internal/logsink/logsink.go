// Package logsink keeps one size bounded log file per job.
package logsink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
)

// MaxSize is the default truncation threshold.
const MaxSize = 10 << 20

const (
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
	markerTag  = "[chanvisor]"
	maxName    = 200
)

var ErrClosed = errors.New("log sink closed")

// Sink appends timestamped lines to a file. Once the file reaches max
// bytes it is truncated and writing starts over, so the file never grows
// beyond max plus one line.
type Sink struct {
	mx   sync.Mutex
	f    *os.File
	path string
	max  int64
	size int64
	now  func() time.Time
}

// FileName derives the log file name from a channel name. Anything outside
// letters, digits, dot, dash and underscore becomes an underscore.
func FileName(channel string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(channel) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	name := strings.Trim(sb.String(), ".")
	if strings.Trim(name, "_") == "" {
		name = "channel"
	}
	if len(name) > maxName {
		name = name[:maxName]
	}
	return name + ".log"
}

// Open opens or creates the log file of channel in dir. A max of zero
// selects MaxSize.
func Open(dir, channel string, max int64) (*Sink, error) {
	if max <= 0 {
		max = MaxSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(channel))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	return &Sink{
		f:    f,
		path: path,
		max:  max,
		size: info.Size(),
		now:  time.Now,
	}, nil
}

func (s *Sink) Path() string {
	return s.path
}

// Line appends one worker output line.
func (s *Sink) Line(line string) error {
	return s.write(line)
}

// Marker appends a supervisor annotation such as the command echo or the
// exit code.
func (s *Sink) Marker(format string, args ...any) error {
	return s.write(markerTag + " " + fmt.Sprintf(format, args...))
}

func (s *Sink) write(line string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if s.size >= s.max {
		if err := s.truncate(); err != nil {
			return err
		}
	}
	buf := make([]byte, 0, len(timeLayout)+len(line)+2)
	buf = s.now().UTC().AppendFormat(buf, timeLayout)
	buf = append(buf, ' ')
	buf = append(buf, line...)
	buf = append(buf, '\n')
	n, err := s.f.Write(buf)
	s.size += int64(n)
	return err
}

func (s *Sink) truncate() error {
	if err := s.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating log %s: %w", s.path, err)
	}
	// O_APPEND writes land at the new end of file
	s.size = 0
	return nil
}

// Drain writes every line from lines until the channel is closed.
func (s *Sink) Drain(lines <-chan string) {
	for line := range lines {
		_ = s.Line(line)
	}
}

func (s *Sink) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// SetClock replaces time.Now, for tests.
func (s *Sink) SetClock(now func() time.Time) {
	s.mx.Lock()
	s.now = now
	s.mx.Unlock()
}
