package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bulwarkhq/bulwark/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running server",
	Long: `Fetch /admin/snapshot from a running server and render backends,
traffic counters, active rules and top offenders.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		snap, err := client.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		return writeOutput(cmd, "status", func(f output.Formatter) (string, error) {
			return f.FormatSnapshot(snap)
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addAdminFlags(statusCmd)
	addOutputFlags(statusCmd)
}
