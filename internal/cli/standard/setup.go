package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dockhandvm/dockhand/internal/server/config"
	"github.com/dockhandvm/dockhand/internal/server/installer"
	"github.com/dockhandvm/dockhand/internal/setup"
	"github.com/dockhandvm/dockhand/internal/shared/logging"
)

func newSetupCmd() *cobra.Command {
	var dryRun bool
	var serviceFile string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare the host for dockhandd",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			res, err := setup.Run(ctx, setup.Options{
				DataDir:     cfg.DataDir,
				QEMUBinary:  cfg.QEMUBinary,
				ServicePath: serviceFile,
				DryRun:      dryRun,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(res.Commands) > 0 {
				fmt.Fprintln(out, "Commands executed:")
				for _, line := range res.Commands {
					fmt.Fprintf(out, "  %s\n", line)
				}
			}
			for _, warning := range res.Warnings {
				fmt.Fprintf(out, "warning: %s\n", warning)
			}
			if dryRun {
				fmt.Fprintln(out, "Dry run complete. Re-run without --dry-run to apply changes.")
			} else {
				fmt.Fprintln(out, "Setup completed successfully.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print actions without applying them")
	cmd.Flags().StringVar(&serviceFile, "service-file", "", "write a systemd unit for dockhandd to this path")
	return cmd
}

func newInitCmd() *cobra.Command {
	var bootImageURL string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Provision the boot ISO, disk image, and seed volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if bootImageURL == "" {
				bootImageURL = cfg.BootImageURL
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()

			if _, err := setup.Run(ctx, setup.Options{DataDir: cfg.DataDir, QEMUBinary: cfg.QEMUBinary}); err != nil {
				return err
			}

			inst := installer.New(installer.Options{
				BootImageURL:  bootImageURL,
				BootImagePath: cfg.BootImagePath(),
				DiskImagePath: cfg.DiskImagePath(),
				DiskSizeMB:    cfg.DiskSizeMB,
				SeedImagePath: cfg.SeedImagePath(),
				Hostname:      cfg.VMName,
			}, nil, logging.New("init"))
			if err := inst.Run(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Provisioning complete.")
			return nil
		},
	}
	cmd.Flags().StringVar(&bootImageURL, "boot-image-url", "", "URL of the guest boot ISO")
	return cmd
}
