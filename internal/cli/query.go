package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/crossling/internal/app"
	"github.com/kailas-cloud/crossling/internal/domain"
	"github.com/kailas-cloud/crossling/internal/domain/search/request"
	"github.com/kailas-cloud/crossling/internal/index"
	chiTransport "github.com/kailas-cloud/crossling/internal/transport/chi"
	searchuc "github.com/kailas-cloud/crossling/internal/usecase/search"
)

var (
	queryText     string
	queryPage     int
	queryPageSize int
	queryNoRerank bool
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search the index snapshot",
	Long: `Run the two-stage search locally: the snapshot answers stage one, the
configured store supplies the texts and the reranker (when enabled) reorders them.

Examples:
  crossling-index query -q "Абай Құнанбайұлы"
  crossling-index query -q "草原上的马" --no-rerank --json`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "search query (required)")
	queryCmd.Flags().IntVarP(&queryPage, "page", "p", 1, "page number")
	queryCmd.Flags().IntVarP(&queryPageSize, "page-size", "n", 0, "results per page (default from config)")
	queryCmd.Flags().BoolVar(&queryNoRerank, "no-rerank", false, "rank by vector similarity only")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	_ = queryCmd.MarkFlagRequired("query")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	pageSize := queryPageSize
	if pageSize == 0 {
		pageSize = cfg.Search.DefaultPageSize
	}
	req, err := request.New(queryText, queryPage, pageSize, !queryNoRerank, request.Limits{
		MaxPageSize:    cfg.Search.MaxPageSize,
		MaxQueryLength: cfg.Search.MaxQueryLength,
	})
	if err != nil {
		return err
	}

	idx, _, err := loadSnapshot()
	if err != nil {
		return err
	}

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	emb := app.BuildEmbedders(cfg, st.KV, logger)
	var scorer domain.Scorer
	if s := app.NewScorer(cfg, logger); s != nil {
		scorer = s
	}
	svc := searchuc.New(emb.Query, idx, st.Docs, scorer, app.SearchOptions(cfg), logger)

	page, err := svc.Search(ctx, &req)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if queryJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(chiTransport.NewSearchResponse(&page))
	}
	printPage(cmd.OutOrStdout(), queryText, &page)
	return nil
}

// loadSnapshot restores the configured snapshot into a fresh index.
func loadSnapshot() (*index.Index, index.SnapshotInfo, error) {
	if cfg.Index.SnapshotPath == "" {
		return nil, index.SnapshotInfo{}, errors.New("no snapshot path: set index.snapshot_path or pass --snapshot")
	}
	idx, err := app.NewIndex(cfg, logger)
	if err != nil {
		return nil, index.SnapshotInfo{}, fmt.Errorf("failed to create index: %w", err)
	}
	info, err := idx.LoadSnapshot(cfg.Index.SnapshotPath, cfg.Embedding.Model)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		return nil, index.SnapshotInfo{}, fmt.Errorf("%w; run 'crossling-index build' first", err)
	}
	if err != nil {
		return nil, index.SnapshotInfo{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return idx, info, nil
}
