package runtime

import (
	"context"
	"time"
)

// PortForward maps a host port to a fixed guest port. The supervisor only
// declares the mapping to the spawned process; it never interprets traffic.
type PortForward struct {
	HostPort  int    `json:"host_port"`
	GuestPort int    `json:"guest_port"`
	Protocol  string `json:"protocol"`
}

// LaunchSpec contains everything required to boot the guest.
type LaunchSpec struct {
	Name          string
	CPUCores      int
	MemoryMB      int
	BootImagePath string
	DiskPath      string
	SeedPath      string
	LogPath       string
	PIDFilePath   string
	MonitorSocket string
	Forwards      []PortForward
}

// Instance represents one running guest process. The process handle itself
// never leaves the launcher; everything else observes it through this
// interface.
type Instance interface {
	PID() int
	StartedAt() time.Time
	// Wait yields the process exit result exactly once, then the channel is
	// closed. A nil result means a clean exit.
	Wait() <-chan error
	// Shutdown requests a graceful guest power-down. It does not wait for
	// the process to exit.
	Shutdown(ctx context.Context) error
	// Kill forcibly terminates the process.
	Kill() error
}

// Launcher boots guests using a specific hypervisor.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
}
