package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/app"
	"github.com/kailas-cloud/crossling/internal/config"
	"github.com/kailas-cloud/crossling/internal/domain"
	"github.com/kailas-cloud/crossling/internal/domain/search/request"
	logpkg "github.com/kailas-cloud/crossling/internal/logger"
	"github.com/kailas-cloud/crossling/internal/metrics"
	documentrepo "github.com/kailas-cloud/crossling/internal/repository/document"
	chiTransport "github.com/kailas-cloud/crossling/internal/transport/chi"
	healthuc "github.com/kailas-cloud/crossling/internal/usecase/health"
	"github.com/kailas-cloud/crossling/internal/usecase/indexsync"
	ingestuc "github.com/kailas-cloud/crossling/internal/usecase/ingest"
	searchuc "github.com/kailas-cloud/crossling/internal/usecase/search"
	"github.com/kailas-cloud/crossling/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting crossling API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("embedding_model", cfg.Embedding.Model),
		zap.Bool("reranker", cfg.Reranker.Enabled),
	)

	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterRerankMetrics()
	metrics.RegisterSearchMetrics()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open document store", zap.Error(err))
	}
	defer st.Close()
	logger.Info("Document store ready", zap.String("driver", cfg.Store.Driver))

	emb := app.BuildEmbedders(cfg, st.KV, logger)

	idx, err := app.NewIndex(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create vector index", zap.Error(err))
	}

	scorer := app.NewScorer(cfg, logger)

	ingestSvc := ingestuc.New(st.Docs, idx, emb.Document, app.IngestOptions(cfg), logger)
	runner := indexsync.New(ingestSvc, idx, app.SyncConfig(cfg), logger)
	restoreIndex(ctx, runner, st.File, logger)

	// A nil *InstrumentedScorer must reach the search service as a nil interface.
	var searchScorer domain.Scorer
	var rerankStatus chiTransport.RerankStatusReader
	var rerankHealth healthuc.Checker
	if scorer != nil {
		searchScorer = scorer
		rerankStatus = scorer
		rerankHealth = scorer
	}
	searchSvc := searchuc.New(emb.Query, idx, st.Docs, searchScorer, app.SearchOptions(cfg), logger)

	healthSvc := healthuc.New(st.Docs, idx, emb.Health, rerankHealth)

	var snapshots chiTransport.Snapshotter
	if cfg.Index.SnapshotPath != "" {
		snapshots = runner
	}
	server := chiTransport.NewServer(chiTransport.Deps{
		Search:    searchSvc,
		Ingest:    ingestSvc,
		Documents: st.Docs,
		Index:     idx,
		Snapshots: snapshots,
		Rerank:    rerankStatus,
		Health:    healthSvc,
	}, request.Limits{
		MaxPageSize:    cfg.Search.MaxPageSize,
		MaxQueryLength: cfg.Search.MaxQueryLength,
	}, cfg.Search.DefaultPageSize, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiTransport.WideEventMiddleware(logger))
	r.Use(chiTransport.JSONRecoverer(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Register(r)

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		runner.Run(ctx)
	}()
	if st.File != nil && cfg.Store.Watch {
		bg.Add(1)
		go func() {
			defer bg.Done()
			watchCorpus(ctx, st.File, runner, logger)
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	stop()
	bg.Wait()

	if cfg.Index.SnapshotPath != "" {
		if info, err := runner.Snapshot(); err != nil {
			logger.Error("Final snapshot failed", zap.Error(err))
		} else {
			logger.Info("Final snapshot written", zap.Int("vectors", info.Count), zap.String("sync_token", info.SyncToken))
		}
	}

	logger.Info("Server stopped gracefully")
}

// restoreIndex loads the snapshot when one matches the configured model, then catches
// up with the store. Without a snapshot the first sync pass builds the whole index.
// File change logs restart with the process, so a restored index over JSONL files
// resumes from the current head instead of the saved token.
func restoreIndex(ctx context.Context, runner *indexsync.Runner, file *documentrepo.FileRepo, logger *zap.Logger) {
	info, err := runner.Restore()
	fresh := false
	switch {
	case err == nil:
		logger.Info("Index restored from snapshot",
			zap.Int("vectors", info.Count),
			zap.String("sync_token", info.SyncToken),
			zap.Time("saved_at", info.SavedAt),
		)
		if file != nil {
			runner.SetToken(file.Head())
		}
	case errors.Is(err, domain.ErrSnapshotNotFound):
		logger.Info("No usable index snapshot, building from the store", zap.Error(err))
		fresh = true
	default:
		logger.Fatal("Failed to restore index snapshot", zap.Error(err))
	}

	start := time.Now()
	if err := runner.SyncOnce(ctx); err != nil {
		logger.Error("Initial index sync failed, will retry in the sync loop", zap.Error(err))
		return
	}
	logger.Info("Index ready", zap.Duration("took", time.Since(start)), zap.String("sync_token", runner.Token()))

	if fresh {
		if _, err := runner.Snapshot(); err != nil && !errors.Is(err, domain.ErrSnapshotNotFound) {
			logger.Warn("Initial snapshot failed", zap.Error(err))
		}
	}
}

// watchCorpus reloads the JSONL corpus on file changes and syncs the index right away.
func watchCorpus(ctx context.Context, file *documentrepo.FileRepo, runner *indexsync.Runner, logger *zap.Logger) {
	logger.Info("Watching corpus files", zap.String("glob", file.Pattern()))
	err := file.Watch(ctx, documentrepo.DefaultDebounce, func(changes int) {
		if err := runner.SyncOnce(ctx); err != nil {
			logger.Warn("Sync after corpus reload failed", zap.Int("changes", changes), zap.Error(err))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Corpus watcher stopped", zap.Error(err))
	}
}
