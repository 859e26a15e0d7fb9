package seed

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
)

func TestBuildProducesReadableSeedVolume(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "seed.img")

	input := Input{
		Hostname:   "docker-vm",
		InitScript: "#!/bin/sh\nrc-update add docker boot\n",
	}
	if err := Build(input, dest); err != nil {
		t.Fatalf("build: %v", err)
	}

	disk, err := diskfs.Open(dest)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	fs, err := disk.GetFilesystem(0)
	if err != nil {
		t.Fatalf("get filesystem: %v", err)
	}

	readFile := func(name string) string {
		t.Helper()
		handle, err := fs.OpenFile("/"+name, os.O_RDONLY)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		defer handle.Close()
		data, err := io.ReadAll(handle)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return string(data)
	}

	daemonJSON := readFile("daemon.json")
	if !strings.Contains(daemonJSON, "tcp://0.0.0.0:2375") {
		t.Fatalf("daemon.json missing engine host: %s", daemonJSON)
	}
	if got := readFile("hostname"); got != "docker-vm\n" {
		t.Fatalf("unexpected hostname: %q", got)
	}
	if got := readFile("init.sh"); !strings.Contains(got, "rc-update") {
		t.Fatalf("unexpected init script: %q", got)
	}
	if fs.Label() != "DOCKSEED" {
		t.Fatalf("unexpected label: %q", fs.Label())
	}
}

func TestBuildRequiresDestination(t *testing.T) {
	if err := Build(Input{}, " "); err == nil {
		t.Fatal("expected error for empty destination")
	}
}

func TestBuildReplacesStaleImage(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "seed.img")
	if err := os.WriteFile(dest, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write stale image: %v", err)
	}
	if err := Build(Input{Hostname: "vm"}, dest); err != nil {
		t.Fatalf("build over stale image: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() < 1024*1024 {
		t.Fatalf("rebuilt image too small: %d", info.Size())
	}
}
