package diskimage

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAllocateWritesExpectedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.qcow2")
	if err := Allocate(path, 2048); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if len(data) != headerSize {
		t.Fatalf("expected %d header bytes, got %d", headerSize, len(data))
	}
	if string(data[:3]) != "QFI" || data[3] != 0xFB {
		t.Fatalf("bad magic: %x", data[:4])
	}
	if v := binary.BigEndian.Uint32(data[offsetVersion:]); v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}
	if bits := binary.BigEndian.Uint32(data[offsetClusterBits:]); bits != 16 {
		t.Fatalf("expected cluster bits 16, got %d", bits)
	}
	if size := binary.BigEndian.Uint64(data[offsetSize:]); size != 2048*1024*1024 {
		t.Fatalf("expected 2048 MiB virtual size, got %d bytes", size)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.qcow2")
	if err := os.WriteFile(path, []byte("existing-guest-data"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := Allocate(path, 2048); err != nil {
		t.Fatalf("allocate over existing: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if string(data) != "existing-guest-data" {
		t.Fatalf("existing image was overwritten")
	}
}

func TestAllocateLowStorage(t *testing.T) {
	orig := statfsFree
	statfsFree = func(string) (uint64, error) { return 1024, nil }
	defer func() { statfsFree = orig }()

	err := Allocate(filepath.Join(t.TempDir(), "disk.qcow2"), 2048)
	if !errors.Is(err, ErrLowStorage) {
		t.Fatalf("expected ErrLowStorage, got %v", err)
	}
}

func TestAllocateRejectsNonPositiveSize(t *testing.T) {
	if err := Allocate(filepath.Join(t.TempDir(), "disk.qcow2"), 0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}
