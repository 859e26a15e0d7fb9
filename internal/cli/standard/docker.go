package standard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newPSCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List containers running inside the VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			containers, err := api.ListContainers(ctx, all)
			if err != nil {
				return err
			}
			if len(containers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No containers found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-24s %-24s %-10s %s\n", "ID", "NAME", "IMAGE", "STATE", "STATUS")
			for _, c := range containers {
				id := c.ID
				if len(id) > 12 {
					id = id[:12]
				}
				name := ""
				if len(c.Names) > 0 {
					name = strings.TrimPrefix(c.Names[0], "/")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-24s %-24s %-10s %s\n", id, name, c.Image, c.State, c.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "A", false, "include stopped containers")
	return cmd
}
