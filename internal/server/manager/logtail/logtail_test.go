package logtail

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPollDeliversEachLineOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	tailer := New(path, 0)

	appendFile(t, path, "booting kernel\n")
	lines, err := tailer.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"booting kernel"}) {
		t.Fatalf("unexpected lines: %v", lines)
	}

	appendFile(t, path, "mounting rootfs\nstarting dockerd\n")
	lines, err = tailer.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"mounting rootfs", "starting dockerd"}) {
		t.Fatalf("unexpected lines: %v", lines)
	}

	lines, err = tailer.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no repeat delivery, got %v", lines)
	}
}

func TestResumeAtOffsetNeverRedelivers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")

	var got []string
	collect := func(tailer *Tailer) {
		t.Helper()
		lines, err := tailer.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, lines...)
	}

	first := New(path, 0)
	appendFile(t, path, "one\n")
	collect(first)
	appendFile(t, path, "two\n")
	collect(first)

	// A fresh tailer resumed at the recorded offset picks up exactly the
	// bytes the first one never saw.
	second := New(path, first.Offset())
	appendFile(t, path, "three\n")
	collect(second)

	if !reflect.DeepEqual(got, []string{"one", "two", "three"}) {
		t.Fatalf("delivery must equal the write sequence with no duplication: %v", got)
	}
}

func TestPollBuffersPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	tailer := New(path, 0)

	appendFile(t, path, "half a li")
	lines, err := tailer.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("fragment should not be delivered: %v", lines)
	}

	appendFile(t, path, "ne\r\n")
	lines, err = tailer.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"half a line"}) {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestPollResetsOnTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	tailer := New(path, 0)

	appendFile(t, path, "first boot line one\nfirst boot line two\n")
	if _, err := tailer.Poll(); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if err := os.WriteFile(path, []byte("rotated\n"), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	lines, err := tailer.Poll()
	if err != nil {
		t.Fatalf("poll after truncate: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"rotated"}) {
		t.Fatalf("expected restart from offset zero, got %v", lines)
	}
}

func TestPollMissingFile(t *testing.T) {
	tailer := New(filepath.Join(t.TempDir(), "absent.log"), 0)
	lines, err := tailer.Poll()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	tailer := New(path, 0)

	appendFile(t, path, "written before shutdown\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got []string
	done := make(chan struct{})
	go func() {
		tailer.Run(ctx, time.Hour, func(line string) { got = append(got, line) })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if !reflect.DeepEqual(got, []string{"written before shutdown"}) {
		t.Fatalf("final drain missed output: %v", got)
	}
}
