package standard

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dockhandvm/dockhand/internal/cli/client"
)

// Version is stamped at build time.
var Version = "dev"

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dockhand",
		Short: "Dockhand command-line interface",
		Long:  "Dockhand manages a local Docker VM: boot, stop, inspect, and watch it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("DOCKHAND_API_BASE", client.DefaultBaseURL), "dockhandd base URL")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newUpCmd())
	cmd.AddCommand(newDownCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRequirementsCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newPSCmd())
	cmd.AddCommand(newDashCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dockhand client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dockhand %s\n", Version)
		},
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	base, err := cmd.Flags().GetString("api")
	if err != nil {
		return nil, err
	}
	return client.New(base)
}
