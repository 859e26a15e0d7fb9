package standard

import (
	"github.com/spf13/cobra"

	"github.com/dockhandvm/dockhand/internal/cli/tui"
)

func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Open the interactive dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run()
		},
	}
}
