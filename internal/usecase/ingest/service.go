package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
	dombatch "github.com/kailas-cloud/crossling/internal/domain/batch"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/index"
	"github.com/kailas-cloud/crossling/internal/logger"
	"github.com/kailas-cloud/crossling/internal/metrics"
)

// Defaults for Options.
const (
	DefaultBatchSize    = 32
	DefaultSyncPageSize = 500
	// MaxBulkItems bounds a single UpsertMany call.
	MaxBulkItems = 500
)

// Options tunes batching.
type Options struct {
	BatchSize    int // documents per embedding call in IndexAll/Import
	SyncPageSize int // change-log ids per page in Sync
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.SyncPageSize <= 0 {
		o.SyncPageSize = DefaultSyncPageSize
	}
}

// SyncStats counts what one Sync call applied to the index.
type SyncStats struct {
	Upserted int
	Removed  int
}

// Progress is called after every indexed batch.
type Progress func(done, total int)

// Service keeps the document store and the vector index in step.
type Service struct {
	store  Store
	index  VectorIndex
	embed  Embedder
	opts   Options
	logger *zap.Logger
}

// New creates an ingest service.
func New(store Store, idx VectorIndex, embed Embedder, opts Options, logger *zap.Logger) *Service {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, index: idx, embed: embed, opts: opts, logger: logger}
}

// Upsert embeds doc, writes it to the store and replaces its vector in the index.
func (s *Service) Upsert(ctx context.Context, doc domdoc.Document) error {
	vecs, err := s.vectorize(ctx, []domdoc.Document{doc})
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, doc); err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	if err := s.index.InsertBatch([]index.Entry{{ID: doc.ID(), Vector: vecs[0]}}); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return nil
}

// UpsertMany is the bulk form of Upsert with one result per input document.
func (s *Service) UpsertMany(ctx context.Context, docs []domdoc.Document) []dombatch.Result {
	ids := make([]string, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID()
	}
	if len(docs) == 0 {
		return nil
	}
	if len(docs) > MaxBulkItems {
		return dombatch.FailAll(ids, fmt.Errorf("bulk size exceeds %d: %w", MaxBulkItems, domain.ErrInvalidRequest))
	}

	vecs, err := s.vectorize(ctx, docs)
	if err != nil {
		return dombatch.FailAll(ids, err)
	}
	if err := s.store.PutMany(ctx, docs); err != nil {
		return dombatch.FailAll(ids, fmt.Errorf("put documents: %w", err))
	}
	if err := s.index.InsertBatch(entries(docs, vecs)); err != nil {
		return dombatch.FailAll(ids, fmt.Errorf("index documents: %w", err))
	}

	results := make([]dombatch.Result, len(docs))
	for i, id := range ids {
		results[i] = dombatch.NewOK(id)
	}
	return results
}

// Delete removes id from the store, then from the index. A store failure leaves the
// index untouched; a document already missing from the store is still dropped from the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			s.index.Remove(id)
		}
		return fmt.Errorf("delete document: %w", err)
	}
	s.index.Remove(id)
	return nil
}

// IndexAll embeds docs in batches and inserts them into the index without touching the store.
// It returns the number of documents indexed before any error.
func (s *Service) IndexAll(ctx context.Context, docs []domdoc.Document, progress Progress) (int, error) {
	done := 0
	for lo := 0; lo < len(docs); lo += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		hi := min(lo+s.opts.BatchSize, len(docs))
		chunk := docs[lo:hi]

		vecs, err := s.vectorize(ctx, chunk)
		if err != nil {
			return done, fmt.Errorf("batch at %d: %w", lo, err)
		}
		if err := s.index.InsertBatch(entries(chunk, vecs)); err != nil {
			return done, fmt.Errorf("batch at %d: index documents: %w", lo, err)
		}
		done = hi
		if progress != nil {
			progress(done, len(docs))
		}
	}
	return done, nil
}

// Sync pulls the store change log from token, re-embeds changed documents and removes
// deleted ones. It returns the token of the last fully applied page, so a failed call
// can be retried from where it stopped.
func (s *Service) Sync(ctx context.Context, token string) (string, SyncStats, error) {
	log := logger.FromContextOr(ctx, s.logger)
	var stats SyncStats

	for {
		if err := ctx.Err(); err != nil {
			return token, stats, err
		}
		ids, next, err := s.store.ChangedSince(ctx, token, s.opts.SyncPageSize)
		if err != nil {
			return token, stats, fmt.Errorf("read change log: %w", err)
		}
		if len(ids) == 0 {
			return next, stats, nil
		}

		upserted, removed, err := s.applyChanges(ctx, ids)
		stats.Upserted += upserted
		stats.Removed += removed
		if err != nil {
			return token, stats, err
		}
		log.Debug("sync page applied",
			zap.Int("upserted", upserted),
			zap.Int("removed", removed),
			zap.String("token", next),
		)
		if next == token {
			return next, stats, nil
		}
		token = next
	}
}

func (s *Service) applyChanges(ctx context.Context, ids []string) (upserted, removed int, err error) {
	found, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch changed documents: %w", err)
	}

	present := make([]domdoc.Document, 0, len(found))
	for _, id := range ids {
		doc, ok := found[id]
		if !ok {
			s.index.Remove(id)
			removed++
			continue
		}
		present = append(present, doc)
	}
	metrics.SyncChangesTotal.WithLabelValues("delete").Add(float64(removed))

	n, err := s.IndexAll(ctx, present, nil)
	metrics.SyncChangesTotal.WithLabelValues("upsert").Add(float64(n))
	if err != nil {
		return n, removed, fmt.Errorf("index changed documents: %w", err)
	}
	return n, removed, nil
}

// vectorize embeds the texts of docs and checks every vector against the index dimensionality.
func (s *Service) vectorize(ctx context.Context, docs []domdoc.Document) ([][]float32, error) {
	texts := make([]string, len(docs))
	for i := range docs {
		texts[i] = docs[i].Text()
	}

	res, err := s.embed.BatchEmbed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("vectorize: %w", err)
	}
	domain.UsageFromContext(ctx).AddTokens(res.TotalTokens)

	if len(res.Embeddings) != len(docs) {
		return nil, fmt.Errorf("vectorize: got %d vectors for %d documents: %w",
			len(res.Embeddings), len(docs), domain.ErrEmbedding)
	}
	for i, vec := range res.Embeddings {
		if err := domain.CheckDimensions(vec, s.index.Dimensions()); err != nil {
			s.logger.Error("embedding dimensions disagree with the index",
				zap.String("doc_id", docs[i].ID()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("vectorize %q: %w", docs[i].ID(), err)
		}
	}
	return res.Embeddings, nil
}

func entries(docs []domdoc.Document, vecs [][]float32) []index.Entry {
	out := make([]index.Entry, len(docs))
	for i := range docs {
		out[i] = index.Entry{ID: docs[i].ID(), Vector: vecs[i]}
	}
	return out
}
