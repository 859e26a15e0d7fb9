package diskimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLowStorage distinguishes "not enough free space" from generic I/O
// failures so callers can surface storage guidance instead of a raw errno.
var ErrLowStorage = errors.New("diskimage: insufficient free storage")

// QCOW2 header layout expected by the guest hypervisor: magic "QFI\xfb",
// version 3, 64 KiB clusters, virtual size as a big-endian u64 at offset 24.
// The header occupies one 512-byte block; the rest of the file is grown on
// demand by the guest.
const (
	headerSize  = 512
	qcowVersion = 3
	clusterBits = 16

	offsetVersion     = 4
	offsetClusterBits = 20
	offsetSize        = 24
)

var qcowMagic = [4]byte{'Q', 'F', 'I', 0xFB}

// statfsFree reports the free bytes available to unprivileged writes on the
// filesystem holding dir. Overridable for tests.
var statfsFree = func(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Allocate creates the backing QCOW2 image at path with the given virtual
// size. It is idempotent: an existing file is left untouched. The free-space
// check requires room for the full virtual size so the guest cannot hit
// ENOSPC mid-run.
func Allocate(path string, sizeMB int) error {
	if sizeMB <= 0 {
		return fmt.Errorf("diskimage: size must be > 0, got %d", sizeMB)
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("diskimage: stat %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("diskimage: ensure directory: %w", err)
	}

	sizeBytes := uint64(sizeMB) * 1024 * 1024
	free, err := statfsFree(dir)
	if err != nil {
		return fmt.Errorf("diskimage: statfs %s: %w", dir, err)
	}
	if free < sizeBytes {
		return fmt.Errorf("%w: need %d MB, have %d MB", ErrLowStorage, sizeMB, free/(1024*1024))
	}

	header := make([]byte, headerSize)
	copy(header, qcowMagic[:])
	binary.BigEndian.PutUint32(header[offsetVersion:], qcowVersion)
	binary.BigEndian.PutUint32(header[offsetClusterBits:], clusterBits)
	binary.BigEndian.PutUint64(header[offsetSize:], sizeBytes)

	tmp := path + ".partial"
	if err := os.WriteFile(tmp, header, 0o644); err != nil {
		return fmt.Errorf("diskimage: write header: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("diskimage: finalize image: %w", err)
	}
	return nil
}
