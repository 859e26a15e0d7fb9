package requirements

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMissingFilesAreReportedNotFailed(t *testing.T) {
	dir := t.TempDir()
	report := Check(
		filepath.Join(dir, "qemu-system-x86_64"),
		filepath.Join(dir, "boot.iso"),
		filepath.Join(dir, "disk.qcow2"),
	)

	if report.Binary.Present || report.BootImage.Present || report.DiskImage.Present {
		t.Fatalf("expected nothing present, got %+v", report)
	}
	if report.BootReady() {
		t.Fatalf("boot-ready without binary and boot image")
	}
	if report.Architecture == "" {
		t.Fatalf("architecture not reported")
	}
}

func TestPresentFilesCarrySizes(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "qemu-system-x86_64")
	boot := filepath.Join(dir, "boot.iso")
	if err := os.WriteFile(binary, []byte("elf"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := os.WriteFile(boot, []byte("iso-content"), 0o644); err != nil {
		t.Fatalf("write boot image: %v", err)
	}

	report := Check(binary, boot, filepath.Join(dir, "disk.qcow2"))

	if !report.Binary.Present || report.Binary.SizeBytes != 3 {
		t.Fatalf("binary status: %+v", report.Binary)
	}
	if !report.BootImage.Present || report.BootImage.SizeBytes != 11 {
		t.Fatalf("boot image status: %+v", report.BootImage)
	}
	if report.DiskImage.Present {
		t.Fatalf("disk image should be absent")
	}
	// Disk image missing is allocatable, not blocking.
	if !report.BootReady() {
		t.Fatalf("expected boot-ready with binary and boot image present")
	}
}

func TestDirectoryIsNotAFile(t *testing.T) {
	dir := t.TempDir()
	report := Check(dir, dir, dir)
	if report.Binary.Present {
		t.Fatalf("directory reported as present binary")
	}
}
