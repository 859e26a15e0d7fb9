package setup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Options controls host preparation for the dockhand daemon.
type Options struct {
	DataDir     string
	QEMUBinary  string
	ServicePath string
	BinaryPath  string
	DryRun      bool
}

// Result records what the setup run did, or would do under dry-run.
type Result struct {
	Commands []string
	Warnings []string
}

// Run prepares the host: verifies the hypervisor and KVM, creates the data
// directory tree, and optionally installs a systemd unit for dockhandd.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("setup: data dir required")
	}
	if opts.QEMUBinary == "" {
		opts.QEMUBinary = "qemu-system-x86_64"
	}

	res := &Result{}

	if err := ensureBinary(opts.QEMUBinary); err != nil {
		res.Warnings = append(res.Warnings, err.Error())
	}
	checkKVM(res)

	for _, dir := range []string{
		opts.DataDir,
		filepath.Join(opts.DataDir, "images"),
		filepath.Join(opts.DataDir, "logs"),
		filepath.Join(opts.DataDir, "run"),
	} {
		if err := ensureDir(dir, opts.DryRun, res); err != nil {
			return res, err
		}
	}

	if opts.ServicePath != "" {
		if err := writeServiceFile(opts, res); err != nil {
			return res, err
		}
	}

	return res, nil
}

func ensureBinary(name string) error {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return fmt.Errorf("setup: hypervisor binary not found at %s", name)
		}
		return nil
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("setup: %s not found on PATH", name)
	}
	return nil
}

// checkKVM reports hardware acceleration availability. QEMU still runs
// without it, only slower, so absence is a warning rather than a failure.
func checkKVM(res *Result) {
	info, err := os.Stat("/dev/kvm")
	if err != nil {
		res.Warnings = append(res.Warnings, "setup: /dev/kvm not available, guests will run unaccelerated")
		return
	}
	if info.Mode()&os.ModeDevice == 0 {
		res.Warnings = append(res.Warnings, "setup: /dev/kvm is not a device node")
	}
}

func ensureDir(path string, dryRun bool, res *Result) error {
	res.Commands = append(res.Commands, fmt.Sprintf("mkdir -p %s", path))
	if dryRun {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("setup: create %s: %w", path, err)
	}
	return nil
}

func writeServiceFile(opts Options, res *Result) error {
	binary := opts.BinaryPath
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("setup: resolve executable: %w", err)
		}
		binary = filepath.Join(filepath.Dir(exe), "dockhandd")
	}

	unit := strings.Join([]string{
		"[Unit]",
		"Description=Dockhand VM lifecycle daemon",
		"After=network.target",
		"",
		"[Service]",
		fmt.Sprintf("Environment=DOCKHAND_DATA_DIR=%s", opts.DataDir),
		fmt.Sprintf("ExecStart=%s", binary),
		"Restart=on-failure",
		"RestartSec=2",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"",
	}, "\n")

	res.Commands = append(res.Commands, fmt.Sprintf("write %s", opts.ServicePath))
	if opts.DryRun {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.ServicePath), 0o755); err != nil {
		return fmt.Errorf("setup: ensure service directory: %w", err)
	}
	if err := os.WriteFile(opts.ServicePath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("setup: write service file: %w", err)
	}
	return nil
}
