package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dockhandvm/dockhand/internal/server/config"
	"github.com/dockhandvm/dockhand/internal/server/db"
	"github.com/dockhandvm/dockhand/internal/server/eventbus"
	"github.com/dockhandvm/dockhand/internal/server/manager"
	"github.com/dockhandvm/dockhand/internal/server/metrics"
)

// App wires the config, persistence, lifecycle manager, metrics exporter,
// and HTTP transport into one runnable daemon.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	store        db.Store
	mgr          *manager.Manager
	bus          eventbus.Bus
	exporter     *metrics.Exporter
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application.
func New(cfg config.Config, logger *slog.Logger, store db.Store, mgr *manager.Manager, bus eventbus.Bus, exporter *metrics.Exporter, mux http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if mgr == nil {
		return nil, fmt.Errorf("manager must not be nil")
	}
	if mux == nil {
		mux = http.NewServeMux()
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived event streams
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		mgr:          mgr,
		bus:          bus,
		exporter:     exporter,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// Run serves until the context is cancelled, then stops the VM with the
// regular grace policy before shutting the transport down.
func (a *App) Run(ctx context.Context) error {
	if a.exporter != nil && a.bus != nil {
		go func() {
			if err := a.exporter.Run(ctx, a.bus); err != nil && ctx.Err() == nil {
				a.logger.Error("metrics exporter", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.mgr.Close(shutdownCtx); err != nil {
			a.logger.Error("manager close", "error", err)
		}
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		if a.store != nil {
			if err := a.store.Close(shutdownCtx); err != nil {
				a.logger.Error("store close", "error", err)
			}
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
