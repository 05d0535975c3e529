package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/crossling/internal/app"
	"github.com/kailas-cloud/crossling/internal/config"
	"github.com/kailas-cloud/crossling/internal/usecase/indexsync"
	ingestuc "github.com/kailas-cloud/crossling/internal/usecase/ingest"
)

var buildInput string

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed the corpus and write an index snapshot",
	Long: `Embed every document and write the snapshot the server restores on start.

With a jsonl store (or --input) the files are embedded directly. Other stores
are read through their change log from the beginning, and the snapshot records
the position reached so the server only catches up on later writes.

Examples:
  crossling-index build
  crossling-index build --input "data/**/*.jsonl" --snapshot data/index.bolt`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVarP(&buildInput, "input", "i", "", "JSONL glob to index instead of the configured store")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if buildInput != "" {
		cfg.Store.Driver = config.DriverJSONL
		cfg.Store.Glob = buildInput
	}
	if cfg.Index.SnapshotPath == "" {
		return errors.New("no snapshot path: set index.snapshot_path or pass --snapshot")
	}

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	emb := app.BuildEmbedders(cfg, st.KV, logger)
	idx, err := app.NewIndex(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	svc := ingestuc.New(st.Docs, idx, emb.Document, app.IngestOptions(cfg), logger)
	runner := indexsync.New(svc, idx, app.SyncConfig(cfg), logger)

	start := time.Now()
	if st.File != nil {
		docs := st.File.All()
		bar := newBar(len(docs), "Embedding")
		if _, err := svc.IndexAll(ctx, docs, func(done, _ int) { _ = bar.Set(done) }); err != nil {
			return fmt.Errorf("failed to index corpus: %w", err)
		}
		runner.SetToken(st.File.Head())
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "Reading the %s change log...\n", cfg.Store.Driver)
		if err := runner.SyncOnce(ctx); err != nil {
			return fmt.Errorf("failed to index store: %w", err)
		}
	}

	info, err := runner.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d vectors in %s\n\n", green("Indexed"), info.Count, time.Since(start).Round(time.Millisecond))
	printSnapshot(out, cfg.Index.SnapshotPath, info, idx.Stats())
	return nil
}
