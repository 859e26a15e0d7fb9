package logtail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Tailer incrementally reads complete lines appended to a log file. It keeps
// a byte offset between polls so each line is delivered exactly once, and it
// buffers a trailing fragment until the writer finishes the line.
type Tailer struct {
	path    string
	offset  int64
	partial []byte
}

// New returns a Tailer that starts reading at the given offset. Callers that
// only want output produced after a process launch pass the file size
// captured before the launch.
func New(path string, offset int64) *Tailer {
	if offset < 0 {
		offset = 0
	}
	return &Tailer{path: path, offset: offset}
}

// Offset reports the position the next poll resumes from.
func (t *Tailer) Offset() int64 { return t.offset }

// Poll reads any newly completed lines. A missing file is not an error; the
// guest may not have produced output yet. If the file shrank below the
// recorded offset it was rotated or truncated, and reading restarts from the
// beginning with any buffered fragment discarded.
func (t *Tailer) Poll() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("logtail: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("logtail: stat: %w", err)
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("logtail: seek: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("logtail: read: %w", err)
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	var lines []string
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		buf = buf[idx+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return lines, nil
}

// Run polls on the given interval until ctx is cancelled, invoking emit for
// each completed line. On cancellation it performs one final poll so output
// written during shutdown is not lost, then returns.
func (t *Tailer) Run(ctx context.Context, interval time.Duration, emit func(line string)) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deliver := func() {
		lines, err := t.Poll()
		if err != nil {
			return
		}
		for _, line := range lines {
			emit(line)
		}
	}

	for {
		select {
		case <-ctx.Done():
			deliver()
			return
		case <-ticker.C:
			deliver()
		}
	}
}
