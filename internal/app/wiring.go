// Package app assembles stores, embedders and the index from configuration.
// The server and the indexing CLI share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/config"
	"github.com/kailas-cloud/crossling/internal/db"
	dbRedis "github.com/kailas-cloud/crossling/internal/db/redis"
	"github.com/kailas-cloud/crossling/internal/domain"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/index"
	"github.com/kailas-cloud/crossling/internal/metrics"
	documentrepo "github.com/kailas-cloud/crossling/internal/repository/document"
	"github.com/kailas-cloud/crossling/internal/repository/embcache"
	"github.com/kailas-cloud/crossling/internal/transport/crossencoder"
	openaiEmb "github.com/kailas-cloud/crossling/internal/transport/openai"
	embeddinguc "github.com/kailas-cloud/crossling/internal/usecase/embedding"
	"github.com/kailas-cloud/crossling/internal/usecase/indexsync"
	ingestuc "github.com/kailas-cloud/crossling/internal/usecase/ingest"
	rerankuc "github.com/kailas-cloud/crossling/internal/usecase/rerank"
	searchuc "github.com/kailas-cloud/crossling/internal/usecase/search"
)

// DocumentStore is what every store driver provides.
type DocumentStore interface {
	Get(ctx context.Context, id string) (domdoc.Document, error)
	GetMany(ctx context.Context, ids []string) (map[string]domdoc.Document, error)
	Put(ctx context.Context, doc domdoc.Document) error
	PutMany(ctx context.Context, docs []domdoc.Document) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	ChangedSince(ctx context.Context, token string, limit int) ([]string, string, error)
}

// Store is an open document store. KV is set for redis/valkey, File for jsonl.
type Store struct {
	Docs  DocumentStore
	KV    db.KVStore
	File  *documentrepo.FileRepo
	Close func()
}

// OpenStore connects the configured document store driver and waits until it answers.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, error) {
	readiness := time.Duration(cfg.Store.ReadinessTimeout) * time.Second

	switch cfg.Store.Driver {
	case config.DriverRedis, config.DriverValkey:
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Store.Addrs,
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
		})
		if err != nil {
			return Store{}, fmt.Errorf("create %s store: %w", cfg.Store.Driver, err)
		}
		if err := store.WaitForReady(ctx, readiness); err != nil {
			store.Close()
			return Store{}, err
		}
		return Store{
			Docs:  documentrepo.New(store, cfg.Store.KeyPrefix),
			KV:    store,
			Close: store.Close,
		}, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.URL)
		if err != nil {
			return Store{}, fmt.Errorf("create postgres pool: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, readiness)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return Store{}, fmt.Errorf("postgres not ready: %w", err)
		}
		repo := documentrepo.NewPostgres(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return Store{}, err
		}
		return Store{Docs: repo, Close: pool.Close}, nil

	case config.DriverJSONL:
		repo, err := documentrepo.NewFile(cfg.Store.Glob, logger)
		if err != nil {
			return Store{}, err
		}
		return Store{Docs: repo, File: repo, Close: func() {}}, nil
	}
	return Store{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// Embedder is the decorator chain's surface: single and batch embedding.
type Embedder interface {
	domain.Embedder
	domain.BatchEmbedder
}

// Embedders holds the document and query chains plus the health probe for the embedding backend.
type Embedders struct {
	Document Embedder
	Query    Embedder
	Health   domain.HealthChecker
}

// BuildEmbedders assembles two decorator chains over one transport:
// OpenAI -> Cached -> Instrumented -> Instruction. Document and query chains differ only
// in their instruction prefix, which is outermost so it is part of the cache key.
func BuildEmbedders(cfg config.Config, kv db.KVStore, logger *zap.Logger) Embedders {
	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:         cfg.Embedding.APIKey,
		BaseURL:        cfg.Embedding.BaseURL,
		Model:          cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		SendDimensions: cfg.Embedding.SendDimensions,
		Provider:       cfg.Embedding.Provider,
		Logger:         logger,
	})

	var inner domain.Embedder = base
	if cfg.Embedding.Cache && kv != nil {
		inner = embcache.New(base, kv, embcache.Options{
			Prefix:     cfg.Store.KeyPrefix,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			TTL:        time.Duration(cfg.Embedding.CacheTTLSec) * time.Second,
		}, metrics.EmbeddingCacheTotal, logger)
	}

	instrumented := embeddinguc.NewInstrumentedEmbedder(
		inner, cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.BatchSize, logger,
	)

	logger.Info("Embedders created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
		zap.Bool("cache", cfg.Embedding.Cache && kv != nil),
	)
	return Embedders{
		Document: withInstruction(instrumented, cfg.Embedding.DocumentInstruction),
		Query:    withInstruction(instrumented, cfg.Embedding.QueryInstruction),
		Health:   base,
	}
}

func withInstruction(e Embedder, instruction string) Embedder {
	if instruction == "" {
		return e
	}
	return domain.NewInstructionEmbedder(e, instruction)
}

// NewIndex creates an empty vector index sized for the configured embedding model.
func NewIndex(cfg config.Config, logger *zap.Logger) (*index.Index, error) {
	return index.New(index.Options{
		Dimensions:       cfg.Embedding.Dimensions,
		RebuildThreshold: cfg.Index.RebuildThreshold,
		Partitions:       cfg.Index.Partitions,
		Probe:            cfg.Index.Probe,
		KMeansIterations: cfg.Index.KMeansIterations,
		FlatLimit:        cfg.Index.FlatLimit,
	}, logger)
}

// NewScorer returns nil when the reranker is disabled.
func NewScorer(cfg config.Config, logger *zap.Logger) *rerankuc.InstrumentedScorer {
	if !cfg.Reranker.Enabled {
		return nil
	}
	client := crossencoder.New(&crossencoder.Config{
		BaseURL:     cfg.Reranker.BaseURL,
		APIKey:      cfg.Reranker.APIKey,
		Model:       cfg.Reranker.Model,
		Format:      cfg.Reranker.Format,
		BatchSize:   cfg.Reranker.BatchSize,
		Concurrency: cfg.Reranker.Concurrency,
		Timeout:     config.Seconds(cfg.Reranker.TimeoutSec),
		Normalize:   cfg.Reranker.Normalize,
		HealthPath:  cfg.Reranker.HealthPath,
		Logger:      logger,
	})
	return rerankuc.NewInstrumentedScorer(client, cfg.Reranker.Model, cfg.Reranker.BaseURL, logger)
}

// IngestOptions maps embedding batch and sync page sizes onto the ingest service.
func IngestOptions(cfg config.Config) ingestuc.Options {
	return ingestuc.Options{
		BatchSize:    cfg.Embedding.BatchSize,
		SyncPageSize: cfg.Sync.PageSize,
	}
}

// SyncConfig maps snapshot and sync settings onto the background runner.
func SyncConfig(cfg config.Config) indexsync.Config {
	return indexsync.Config{
		SnapshotPath:     cfg.Index.SnapshotPath,
		Model:            cfg.Embedding.Model,
		SyncInterval:     time.Duration(cfg.Sync.IntervalSec) * time.Second,
		SnapshotInterval: time.Duration(cfg.Index.SnapshotIntervalSec) * time.Second,
	}
}

// SearchOptions maps candidate depth, text limits and stage timeouts onto the search service.
func SearchOptions(cfg config.Config) searchuc.Options {
	return searchuc.Options{
		CandidateK:    cfg.Search.CandidateK,
		PreviewChars:  cfg.Search.PreviewChars,
		RerankChars:   cfg.Search.RerankChars,
		EmbedTimeout:  config.Seconds(cfg.Search.EmbedTimeoutSec),
		FetchTimeout:  config.Seconds(cfg.Search.FetchTimeoutSec),
		RerankTimeout: config.Seconds(cfg.Search.RerankTimeoutSec),
	}
}
