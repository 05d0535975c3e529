package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/crossling/internal/app"
	"github.com/kailas-cloud/crossling/internal/config"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	documentrepo "github.com/kailas-cloud/crossling/internal/repository/document"
)

var importInput string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load JSONL documents into the configured store",
	Long: `Copy documents from JSON Lines files into the redis, valkey or postgres store.
Only the store is written; the server or 'crossling-index build' embeds them.

Examples:
  crossling-index import --input "data/**/*.jsonl"
  crossling-index import -e prod --input corpus.jsonl`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVarP(&importInput, "input", "i", "", "JSONL glob to import (required)")
	_ = importCmd.MarkFlagRequired("input")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if cfg.Store.Driver == config.DriverJSONL {
		return errors.New("import needs a writable store; the configured driver is jsonl")
	}

	file, err := documentrepo.NewFile(importInput, logger)
	if err != nil {
		return fmt.Errorf("failed to read corpus: %w", err)
	}
	docs := file.All()
	if len(docs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
		return nil
	}

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	bar := newBar(len(docs), "Importing")
	n, err := putAll(ctx, st.Docs, docs, cfg.Sync.PageSize, func(done int) { _ = bar.Set(done) })
	if err != nil {
		return fmt.Errorf("imported %d of %d documents: %w", n, len(docs), err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %d documents into %s\n", green("Imported"), n, cfg.Store.Driver)
	return nil
}

type bulkWriter interface {
	PutMany(ctx context.Context, docs []domdoc.Document) error
}

// putAll writes docs in batches of size and returns how many were written.
func putAll(ctx context.Context, w bulkWriter, docs []domdoc.Document, size int, progress func(done int)) (int, error) {
	if size <= 0 {
		size = len(docs)
	}
	done := 0
	for lo := 0; lo < len(docs); lo += size {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		hi := min(lo+size, len(docs))
		if err := w.PutMany(ctx, docs[lo:hi]); err != nil {
			return done, err
		}
		done = hi
		if progress != nil {
			progress(done)
		}
	}
	return done, nil
}
