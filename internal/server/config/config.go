package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the daemon configuration, sourced from DOCKHAND_* environment
// variables with sensible defaults for a single-user workstation.
type Config struct {
	Listen  string `envconfig:"LISTEN" default:"127.0.0.1:7433"`
	DataDir string `envconfig:"DATA_DIR" default:"~/.dockhand"`

	VMName     string `envconfig:"VM_NAME" default:"docker-vm"`
	QEMUBinary string `envconfig:"QEMU_BINARY" default:"qemu-system-x86_64"`

	CPUCores   int `envconfig:"CPU_CORES" default:"2"`
	MemoryMB   int `envconfig:"MEMORY_MB" default:"2048"`
	DiskSizeMB int `envconfig:"DISK_SIZE_MB" default:"8192"`

	BootImageURL string `envconfig:"BOOT_IMAGE_URL"`

	// Host-side ports forwarded to the fixed guest services.
	DockerPort int `envconfig:"DOCKER_PORT" default:"2375"`
	SSHPort    int `envconfig:"SSH_PORT" default:"2222"`
	HTTPPort   int `envconfig:"HTTP_PORT" default:"8080"`

	GracePeriod   time.Duration `envconfig:"GRACE_PERIOD" default:"5s"`
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"2s"`
	ProbeTimeout  time.Duration `envconfig:"PROBE_TIMEOUT" default:"60s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads the environment, expands the data directory, and resolves the
// hypervisor binary on PATH when it is not an absolute path.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("DOCKHAND", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: process environment: %w", err)
	}

	expanded, err := expandPath(cfg.DataDir)
	if err != nil {
		return Config{}, err
	}
	cfg.DataDir = expanded

	if !filepath.IsAbs(cfg.QEMUBinary) {
		if resolved, err := exec.LookPath(cfg.QEMUBinary); err == nil {
			cfg.QEMUBinary = resolved
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the manager cannot run with.
func (c Config) Validate() error {
	if c.CPUCores < 1 {
		return fmt.Errorf("config: cpu cores must be >= 1, got %d", c.CPUCores)
	}
	if c.MemoryMB < 256 {
		return fmt.Errorf("config: memory must be >= 256 MB, got %d", c.MemoryMB)
	}
	if c.DiskSizeMB < 512 {
		return fmt.Errorf("config: disk size must be >= 512 MB, got %d", c.DiskSizeMB)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("config: grace period must be positive, got %s", c.GracePeriod)
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config: listen address required")
	}
	return nil
}

// DockerEngineURL is the host-side address of the forwarded engine API.
func (c Config) DockerEngineURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.DockerPort)
}

func (c Config) BootImagePath() string     { return filepath.Join(c.DataDir, "images", "boot.iso") }
func (c Config) DiskImagePath() string     { return filepath.Join(c.DataDir, "images", "disk.qcow2") }
func (c Config) SeedImagePath() string     { return filepath.Join(c.DataDir, "images", "seed.img") }
func (c Config) LogPath() string           { return filepath.Join(c.DataDir, "logs", "console.log") }
func (c Config) PIDFilePath() string       { return filepath.Join(c.DataDir, "run", "vm.pid") }
func (c Config) MonitorSocketPath() string { return filepath.Join(c.DataDir, "run", "monitor.sock") }
func (c Config) DatabasePath() string      { return filepath.Join(c.DataDir, "dockhand.db") }

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
