package requirements

import (
	"os"
	"runtime"
)

// FileStatus reports the presence of one on-disk asset. A missing file is a
// normal, reportable outcome, never an error.
type FileStatus struct {
	Path      string `json:"path"`
	Present   bool   `json:"present"`
	SizeBytes int64  `json:"size_bytes"`
}

// Report summarizes the on-disk preconditions for booting the guest.
type Report struct {
	Binary       FileStatus `json:"binary"`
	BootImage    FileStatus `json:"boot_image"`
	DiskImage    FileStatus `json:"disk_image"`
	Architecture string     `json:"architecture"`
}

// BootReady reports whether a start may proceed. A missing disk image is not
// blocking: the allocator creates it on first run.
func (r Report) BootReady() bool {
	return r.Binary.Present && r.BootImage.Present
}

// Check stats the expected asset paths. It is pure and side-effect-free
// beyond filesystem reads.
func Check(binary, bootImage, diskImage string) Report {
	return Report{
		Binary:       statFile(binary),
		BootImage:    statFile(bootImage),
		DiskImage:    statFile(diskImage),
		Architecture: runtime.GOARCH,
	}
}

func statFile(path string) FileStatus {
	status := FileStatus{Path: path}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return status
	}
	status.Present = true
	status.SizeBytes = info.Size()
	return status
}
