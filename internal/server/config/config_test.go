package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7433" {
		t.Fatalf("unexpected listen default: %s", cfg.Listen)
	}
	if cfg.CPUCores != 2 || cfg.MemoryMB != 2048 || cfg.DiskSizeMB != 8192 {
		t.Fatalf("unexpected resource defaults: %+v", cfg)
	}
	if cfg.GracePeriod != 5*time.Second {
		t.Fatalf("unexpected grace period: %s", cfg.GracePeriod)
	}
	if strings.HasPrefix(cfg.DataDir, "~") {
		t.Fatalf("data dir not expanded: %s", cfg.DataDir)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DOCKHAND_MEMORY_MB", "4096")
	t.Setenv("DOCKHAND_DOCKER_PORT", "12375")
	t.Setenv("DOCKHAND_DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MemoryMB != 4096 {
		t.Fatalf("override not applied: %d", cfg.MemoryMB)
	}
	if cfg.DockerEngineURL() != "http://127.0.0.1:12375" {
		t.Fatalf("unexpected engine url: %s", cfg.DockerEngineURL())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Config{
		Listen:      "127.0.0.1:7433",
		CPUCores:    2,
		MemoryMB:    2048,
		DiskSizeMB:  8192,
		GracePeriod: 5 * time.Second,
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cpus", func(c *Config) { c.CPUCores = 0 }},
		{"tiny memory", func(c *Config) { c.MemoryMB = 128 }},
		{"tiny disk", func(c *Config) { c.DiskSizeMB = 100 }},
		{"no grace", func(c *Config) { c.GracePeriod = 0 }},
		{"empty listen", func(c *Config) { c.Listen = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/dockhand"}
	if cfg.DiskImagePath() != "/var/lib/dockhand/images/disk.qcow2" {
		t.Fatalf("unexpected disk path: %s", cfg.DiskImagePath())
	}
	if cfg.MonitorSocketPath() != "/var/lib/dockhand/run/monitor.sock" {
		t.Fatalf("unexpected monitor path: %s", cfg.MonitorSocketPath())
	}
}
