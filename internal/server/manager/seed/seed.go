package seed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	diskpkg "github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
)

// The guest init scripts mount the volume by this label and apply whatever
// configuration they find on it.
const volumeLabel = "DOCKSEED"

const imageSize = 64 * 1024 * 1024

// defaultDaemonJSON exposes the engine API on the virtio NIC so the host can
// reach it through the user-mode port forward.
const defaultDaemonJSON = `{
  "hosts": ["tcp://0.0.0.0:2375", "unix:///var/run/docker.sock"],
  "tls": false
}
`

// Input describes the provisioning documents placed on the seed volume.
type Input struct {
	Hostname   string
	DaemonJSON string
	InitScript string
}

// Build creates a FAT32 seed image at dest carrying the Docker daemon
// configuration and an optional first-boot script. The image is attached to
// the guest as a read-only virtio drive.
func Build(input Input, dest string) error {
	if strings.TrimSpace(dest) == "" {
		return fmt.Errorf("seed: destination path required")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("seed: ensure destination directory: %w", err)
	}

	daemonJSON := strings.TrimSpace(input.DaemonJSON)
	if daemonJSON == "" {
		daemonJSON = defaultDaemonJSON
	}
	hostname := strings.TrimSpace(input.Hostname)
	if hostname == "" {
		hostname = "dockhand"
	}

	files := map[string][]byte{
		"daemon.json": []byte(daemonJSON),
		"hostname":    []byte(hostname + "\n"),
	}
	if strings.TrimSpace(input.InitScript) != "" {
		files["init.sh"] = []byte(input.InitScript)
	}

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("seed: remove stale image: %w", err)
	}
	disk, err := diskfs.Create(dest, imageSize, diskfs.SectorSize512)
	if err != nil {
		return fmt.Errorf("seed: create image: %w", err)
	}
	fs, err := disk.CreateFilesystem(diskpkg.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: volumeLabel,
	})
	if err != nil {
		return fmt.Errorf("seed: create filesystem: %w", err)
	}
	defer fs.Close()

	for name, data := range files {
		handle, err := fs.OpenFile("/"+name, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("seed: open %s: %w", name, err)
		}
		if _, err := handle.Write(data); err != nil {
			handle.Close()
			return fmt.Errorf("seed: write %s: %w", name, err)
		}
		if err := handle.Close(); err != nil {
			return fmt.Errorf("seed: close %s: %w", name, err)
		}
	}
	return nil
}
