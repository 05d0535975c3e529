package cli

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show what the index snapshot contains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, info, err := loadSnapshot()
		if err != nil {
			return err
		}
		printSnapshot(cmd.OutOrStdout(), cfg.Index.SnapshotPath, info, idx.Stats())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
