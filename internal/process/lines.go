package process

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
)

const maxLine = 1 << 20

// ScanLines is a bufio.SplitFunc which ends a line at \n or at \r. The
// worker redraws its progress line with carriage returns only. A \r\n pair
// yields an empty token, callers skip those.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func fork(r io.ReadCloser, n, capacity int) []<-chan string {
	outs := make([]chan string, n)
	ret := make([]<-chan string, n)
	for i := range outs {
		outs[i] = make(chan string, capacity)
		ret[i] = outs[i]
	}

	go func() {
		defer func() {
			_ = r.Close()
			for _, ch := range outs {
				close(ch)
			}
		}()

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		scanner.Split(ScanLines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			for _, ch := range outs {
				ch <- line
			}
		}
		err := scanner.Err()
		if err == nil || errors.Is(err, os.ErrClosed) {
			return
		}
		slog.Warn("reading worker output", "error", err)
		// keep the pipe empty so the worker never blocks on a write
		_, _ = io.Copy(io.Discard, r)
	}()
	return ret
}
