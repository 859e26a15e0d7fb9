package standard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dockhandvm/dockhand/internal/cli/client"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
)

func newUpCmd() *cobra.Command {
	var wait bool
	var cpus, memory int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Boot the Docker VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := api.StartVM(ctx, client.StartOptions{CPUCores: cpus, MemoryMB: memory})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "start accepted, state: %s\n", status.State)
			if !wait {
				return nil
			}
			return waitForSettled(cmd, api)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "block until the VM settles in running or error")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "override guest CPU cores for this boot")
	cmd.Flags().IntVar(&memory, "memory", 0, "override guest memory in MB for this boot")
	return cmd
}

// waitForSettled follows the state stream until a terminal start outcome.
func waitForSettled(cmd *cobra.Command, api *client.Client) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	err := api.WatchEvents(ctx, []string{events.KindState}, func(frame client.EventFrame) {
		var change events.StateChange
		if err := json.Unmarshal(frame.Payload, &change); err != nil {
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state: %-12s %s\n", change.State, change.Reason)
		if change.State == "running" || change.State == "error" || change.State == "stopped" {
			cancel()
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the Docker VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			// Stop blocks through the grace period, so allow extra headroom.
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			status, err := api.StopVM(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", status.State)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the VM lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := api.GetStatus(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:          %s\n", status.Name)
			fmt.Fprintf(out, "State:         %s\n", status.State)
			fmt.Fprintf(out, "Process alive: %v\n", status.ProcessAlive)
			fmt.Fprintf(out, "Service ready: %v\n", status.ServiceReady)
			if status.PID != nil {
				fmt.Fprintf(out, "PID:           %d\n", *status.PID)
			}
			if status.StartedAt != nil {
				fmt.Fprintf(out, "Started:       %s\n", status.StartedAt.Format(time.RFC3339))
			}
			for _, fw := range status.Forwards {
				fmt.Fprintf(out, "Forward:       %d -> %d/%s\n", fw.HostPort, fw.GuestPort, fw.Protocol)
			}
			return nil
		},
	}
}

func newRequirementsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requirements",
		Short: "Check the on-disk boot preconditions",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			report, err := api.GetRequirements(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStatus := func(label string, present bool, path string, size int64) {
				mark := "missing"
				if present {
					mark = fmt.Sprintf("ok (%d bytes)", size)
				}
				fmt.Fprintf(out, "%-12s %-20s %s\n", label, mark, path)
			}
			printStatus("binary", report.Binary.Present, report.Binary.Path, report.Binary.SizeBytes)
			printStatus("boot image", report.BootImage.Present, report.BootImage.Path, report.BootImage.SizeBytes)
			printStatus("disk image", report.DiskImage.Present, report.DiskImage.Path, report.DiskImage.SizeBytes)
			fmt.Fprintf(out, "%-12s %s\n", "arch", report.Architecture)
			if !report.BootReady() {
				fmt.Fprintln(out, "not boot ready")
			}
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var tail int
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show guest console output",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			lines, err := api.GetLogs(ctx, tail)
			cancel()
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if !follow {
				return nil
			}

			return api.WatchEvents(cmd.Context(), []string{events.KindLog}, func(frame client.EventFrame) {
				var entry events.Log
				if err := json.Unmarshal(frame.Payload, &entry); err != nil {
					return
				}
				fmt.Fprintln(cmd.OutOrStdout(), entry.Text)
			})
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "number of recent lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			return api.WatchEvents(cmd.Context(), kinds, func(frame client.EventFrame) {
				if frame.Missed > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] (%d events dropped)\n", frame.Kind, frame.Missed)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", frame.Kind, string(frame.Payload))
			})
		},
	}
	cmd.Flags().StringSliceVarP(&kinds, "kinds", "k", nil, "event kinds to stream (state, log, progress, error)")
	return cmd
}
