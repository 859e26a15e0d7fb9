package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dockhandvm/dockhand/internal/server/app"
	"github.com/dockhandvm/dockhand/internal/server/config"
	"github.com/dockhandvm/dockhand/internal/server/db/sqlite"
	"github.com/dockhandvm/dockhand/internal/server/docker"
	"github.com/dockhandvm/dockhand/internal/server/eventbus/memory"
	"github.com/dockhandvm/dockhand/internal/server/httpapi"
	"github.com/dockhandvm/dockhand/internal/server/installer"
	"github.com/dockhandvm/dockhand/internal/server/manager"
	"github.com/dockhandvm/dockhand/internal/server/manager/qemu"
	"github.com/dockhandvm/dockhand/internal/server/manager/readiness"
	"github.com/dockhandvm/dockhand/internal/server/manager/runtime"
	"github.com/dockhandvm/dockhand/internal/server/metrics"
	"github.com/dockhandvm/dockhand/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("dockhandd")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath())
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}

	bus := memory.New()
	launcher := qemu.New(cfg.QEMUBinary)
	engineClient := docker.New(cfg.DockerEngineURL())
	prober := readiness.NewPollProber(engineClient.Ping, cfg.ProbeInterval, cfg.ProbeTimeout)

	mgr, err := manager.New(ctx, manager.Params{
		Config: manager.Config{
			Name:          cfg.VMName,
			CPUCores:      cfg.CPUCores,
			MemoryMB:      cfg.MemoryMB,
			DiskSizeMB:    cfg.DiskSizeMB,
			BinaryPath:    cfg.QEMUBinary,
			BootImagePath: cfg.BootImagePath(),
			DiskImagePath: cfg.DiskImagePath(),
			SeedImagePath: cfg.SeedImagePath(),
			LogPath:       cfg.LogPath(),
			PIDFilePath:   cfg.PIDFilePath(),
			MonitorSocket: cfg.MonitorSocketPath(),
			Forwards: []runtime.PortForward{
				{HostPort: cfg.DockerPort, GuestPort: 2375, Protocol: "tcp"},
				{HostPort: cfg.SSHPort, GuestPort: 22, Protocol: "tcp"},
				{HostPort: cfg.HTTPPort, GuestPort: 80, Protocol: "tcp"},
			},
			GracePeriod: cfg.GracePeriod,
		},
		Launcher: launcher,
		Prober:   prober,
		Bus:      bus,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("init manager", "error", err)
		_ = store.Close(ctx)
		os.Exit(1)
	}

	provisioner := installer.New(installer.Options{
		BootImageURL:  cfg.BootImageURL,
		BootImagePath: cfg.BootImagePath(),
		DiskImagePath: cfg.DiskImagePath(),
		DiskSizeMB:    cfg.DiskSizeMB,
		SeedImagePath: cfg.SeedImagePath(),
		Hostname:      cfg.VMName,
	}, bus, logger)

	exporter := metrics.New(logger)
	handler := httpapi.New(httpapi.Options{
		Logger:     logger,
		Supervisor: mgr,
		Bus:        bus,
		Docker:     engineClient,
		Store:      store,
		Metrics:    exporter.Handler(),
		Installer:  provisioner,
	})

	daemon, err := app.New(cfg, logger, store, mgr, bus, exporter, handler)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
