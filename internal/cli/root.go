// Package cli implements crossling-index, the offline tool that loads corpora,
// builds index snapshots and runs local queries against them.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/config"
	logpkg "github.com/kailas-cloud/crossling/internal/logger"
	"github.com/kailas-cloud/crossling/internal/version"
)

var (
	envName      string
	cfgFile      string
	snapshotPath string
	verbose      bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crossling-index",
	Short: "Build and query crossling index snapshots",
	Long: `crossling-index prepares the vector index the crossling server restores on start.

Example usage:
  crossling-index import --input "data/**/*.jsonl"   # Load documents into the store
  crossling-index build                              # Embed the corpus and write a snapshot
  crossling-index query -q "Қазақстан астанасы"      # Search the snapshot locally
  crossling-index stats                              # Show snapshot contents`,
	Version:      version.String(),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.LoadFile(cfgFile)
		} else {
			cfg, err = config.Load(envName)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if snapshotPath != "" {
			cfg.Index.SnapshotPath = snapshotPath
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		logger, err = logpkg.NewLogger(envName, level)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on error. SIGINT and SIGTERM
// cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envName, "env", "e", config.GetEnv(), "environment whose config/<env>.yaml is loaded")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (overrides --env lookup)")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "", "snapshot file (default is index.snapshot_path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}
