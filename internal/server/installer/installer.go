package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"

	"github.com/dockhandvm/dockhand/internal/server/eventbus"
	"github.com/dockhandvm/dockhand/internal/server/manager/diskimage"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
	"github.com/dockhandvm/dockhand/internal/server/manager/seed"
)

// Options configures a provisioning run.
type Options struct {
	// BootImageURL is where the guest ISO is fetched from when absent.
	BootImageURL  string
	BootImagePath string
	DiskImagePath string
	DiskSizeMB    int
	SeedImagePath string
	Hostname      string
}

// Installer provisions the on-disk assets a first boot needs: the boot ISO,
// the QCOW2 disk, and the seed volume. Every step is idempotent, so re-running
// after a partial failure finishes the job.
type Installer struct {
	opts   Options
	bus    eventbus.Bus
	logger *slog.Logger
}

// New returns an Installer. bus may be nil when nobody watches progress.
func New(opts Options, bus eventbus.Bus, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{opts: opts, bus: bus, logger: logger}
}

// Run provisions everything. Download progress is published on the progress
// topic so UIs can render it live.
func (i *Installer) Run(ctx context.Context) error {
	if err := i.ensureBootImage(ctx); err != nil {
		i.publishProgress(0, fmt.Sprintf("boot image failed: %v", err))
		i.publishError(err)
		return err
	}
	if i.opts.DiskSizeMB > 0 {
		if err := diskimage.Allocate(i.opts.DiskImagePath, i.opts.DiskSizeMB); err != nil {
			i.publishError(err)
			return fmt.Errorf("installer: allocate disk: %w", err)
		}
	}
	if i.opts.SeedImagePath != "" {
		if _, err := os.Stat(i.opts.SeedImagePath); os.IsNotExist(err) {
			if err := seed.Build(seed.Input{Hostname: i.opts.Hostname}, i.opts.SeedImagePath); err != nil {
				i.publishError(err)
				return fmt.Errorf("installer: build seed image: %w", err)
			}
		}
	}
	i.publishProgress(100, "install complete")
	return nil
}

func (i *Installer) ensureBootImage(ctx context.Context) error {
	if _, err := os.Stat(i.opts.BootImagePath); err == nil {
		return nil
	}
	if i.opts.BootImageURL == "" {
		return fmt.Errorf("installer: boot image missing and no download url configured")
	}
	if err := os.MkdirAll(filepath.Dir(i.opts.BootImagePath), 0o755); err != nil {
		return fmt.Errorf("installer: ensure image directory: %w", err)
	}

	// The fetch lands in a scratch name and is renamed once complete, so a
	// crashed download never passes the requirements check. The scratch file
	// survives failures: grab resumes from the partial bytes on retry.
	tmp := i.opts.BootImagePath + ".partial"
	req, err := grab.NewRequest(tmp, i.opts.BootImageURL)
	if err != nil {
		return fmt.Errorf("installer: build download request: %w", err)
	}
	req = req.WithContext(ctx)

	i.logger.Info("downloading boot image", "url", i.opts.BootImageURL)
	resp := grab.DefaultClient.Do(req)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			i.publishProgress(resp.Progress()*100, "downloading boot image")
		case <-resp.Done:
			if err := resp.Err(); err != nil {
				return fmt.Errorf("installer: download boot image: %w", err)
			}
			if err := os.Rename(tmp, i.opts.BootImagePath); err != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("installer: finalize boot image: %w", err)
			}
			i.publishProgress(100, "boot image downloaded")
			return nil
		case <-ctx.Done():
			<-resp.Done
			return ctx.Err()
		}
	}
}

func (i *Installer) publishProgress(percent float64, status string) {
	if i.bus == nil {
		return
	}
	_ = i.bus.Publish(context.Background(), events.TopicProgress, events.DownloadProgress{
		Percent:   percent,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

func (i *Installer) publishError(err error) {
	if i.bus == nil {
		return
	}
	_ = i.bus.Publish(context.Background(), events.TopicErrors, events.Error{
		Message:   err.Error(),
		Kind:      events.ErrKindInstall,
		Timestamp: time.Now().UTC(),
	})
}
