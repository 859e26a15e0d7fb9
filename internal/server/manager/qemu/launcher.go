package qemu

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dockhandvm/dockhand/internal/server/manager/runtime"
)

// Launcher boots guests with a QEMU system emulator.
type Launcher struct {
	Binary string
}

// New returns a configured Launcher.
func New(binary string) *Launcher {
	return &Launcher{Binary: binary}
}

// Launch starts a QEMU process for the given spec. Guest console output is
// appended to spec.LogPath; the process id is recorded at spec.PIDFilePath.
// The context bounds the process lifetime: cancelling it terminates any
// still-running guest, which is the supervisor's orphan backstop.
func (l *Launcher) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Instance, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("qemu: binary path required")
	}
	if spec.BootImagePath == "" {
		return nil, fmt.Errorf("qemu: boot image path required")
	}
	if spec.DiskPath == "" {
		return nil, fmt.Errorf("qemu: disk path required")
	}
	if spec.LogPath == "" {
		return nil, fmt.Errorf("qemu: log path required")
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("qemu: ensure log dir: %w", err)
	}

	if spec.MonitorSocket != "" {
		_ = os.Remove(spec.MonitorSocket)
	}

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("qemu: open log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Binary, BuildArgs(spec)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("qemu: start: %w", err)
	}

	if spec.PIDFilePath != "" {
		pidData := strconv.Itoa(cmd.Process.Pid) + "\n"
		if err := os.WriteFile(spec.PIDFilePath, []byte(pidData), 0o644); err != nil {
			_ = cmd.Process.Kill()
			_ = logFile.Close()
			return nil, fmt.Errorf("qemu: write pid file: %w", err)
		}
	}

	inst := &instance{
		name:      spec.Name,
		cmd:       cmd,
		monitor:   spec.MonitorSocket,
		pidFile:   spec.PIDFilePath,
		logFile:   logFile,
		startedAt: time.Now().UTC(),
		done:      make(chan error, 1),
	}

	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		if inst.pidFile != "" {
			_ = os.Remove(inst.pidFile)
		}
		if inst.monitor != "" {
			_ = os.Remove(inst.monitor)
		}
		inst.done <- err
		close(inst.done)
	}()

	return inst, nil
}

// BuildArgs materializes the QEMU argument set from a launch spec. Kept
// separate from Launch so the argument contract stays testable without
// spawning anything.
func BuildArgs(spec runtime.LaunchSpec) []string {
	args := []string{
		"-machine", "q35",
		"-cpu", "max",
		"-smp", strconv.Itoa(spec.CPUCores),
		"-m", fmt.Sprintf("%dM", spec.MemoryMB),
		"-cdrom", spec.BootImagePath,
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", spec.DiskPath),
		"-boot", "d",
		"-netdev", netdevArg(spec.Forwards),
		"-device", "virtio-net-pci,netdev=net0",
		"-display", "none",
		"-nographic",
	}
	if spec.SeedPath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=raw,if=virtio,readonly=on", spec.SeedPath))
	}
	if spec.MonitorSocket != "" {
		args = append(args, "-monitor", fmt.Sprintf("unix:%s,server,nowait", spec.MonitorSocket))
	}
	return args
}

func netdevArg(forwards []runtime.PortForward) string {
	var b strings.Builder
	b.WriteString("user,id=net0")
	for _, fw := range forwards {
		proto := strings.ToLower(strings.TrimSpace(fw.Protocol))
		if proto == "" {
			proto = "tcp"
		}
		fmt.Fprintf(&b, ",hostfwd=%s::%d-:%d", proto, fw.HostPort, fw.GuestPort)
	}
	return b.String()
}

type instance struct {
	name      string
	cmd       *exec.Cmd
	monitor   string
	pidFile   string
	logFile   *os.File
	startedAt time.Time
	done      chan error
}

func (i *instance) PID() int             { return i.cmd.Process.Pid }
func (i *instance) StartedAt() time.Time { return i.startedAt }
func (i *instance) Wait() <-chan error   { return i.done }

// Shutdown asks the guest to power down via the QEMU monitor, falling back
// to SIGTERM when the monitor is unreachable. Callers own the grace period
// and any subsequent Kill.
func (i *instance) Shutdown(ctx context.Context) error {
	if i.cmd.Process == nil {
		return nil
	}
	if i.monitor != "" {
		if err := monitorPowerdown(ctx, i.monitor); err == nil {
			return nil
		}
	}
	if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("qemu: signal term: %w", err)
	}
	return nil
}

func (i *instance) Kill() error {
	if i.cmd.Process == nil {
		return nil
	}
	if err := i.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("qemu: signal kill: %w", err)
	}
	return nil
}

func monitorPowerdown(ctx context.Context, socket string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return fmt.Errorf("qemu: dial monitor: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte("system_powerdown\n")); err != nil {
		return fmt.Errorf("qemu: monitor powerdown: %w", err)
	}
	return nil
}

var _ runtime.Launcher = (*Launcher)(nil)
var _ runtime.Instance = (*instance)(nil)
