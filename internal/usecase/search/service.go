package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/domain/search/request"
	"github.com/kailas-cloud/crossling/internal/domain/search/result"
	"github.com/kailas-cloud/crossling/internal/index"
	"github.com/kailas-cloud/crossling/internal/logger"
	"github.com/kailas-cloud/crossling/internal/metrics"
)

// DefaultCandidateK is the stage-one candidate count.
const DefaultCandidateK = 100

// Options configure the pipeline. Zero timeouts disable the stage deadline.
type Options struct {
	CandidateK    int
	PreviewChars  int
	RerankChars   int
	EmbedTimeout  time.Duration
	FetchTimeout  time.Duration
	RerankTimeout time.Duration
}

// Service runs the two-stage retrieval pipeline: embed, vector search, fetch,
// optional cross-encoder rerank, merge and paginate.
type Service struct {
	embed  Embedder
	index  VectorIndex
	docs   DocumentReader
	scorer domain.Scorer
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a search service. scorer may be nil, in which case every search
// returns the coarse ranking.
func New(
	embed Embedder, idx VectorIndex, docs DocumentReader, scorer domain.Scorer,
	opts Options, logger *zap.Logger,
) *Service {
	if opts.CandidateK <= 0 {
		opts.CandidateK = DefaultCandidateK
	}
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = result.DefaultPreviewChars
	}
	if opts.RerankChars <= 0 {
		opts.RerankChars = domdoc.DefaultRerankChars
	}
	return &Service{
		embed:  embed,
		index:  idx,
		docs:   docs,
		scorer: scorer,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// RerankAvailable reports whether a cross-encoder is configured.
func (s *Service) RerankAvailable() bool { return s.scorer != nil }

// Search executes the pipeline for a validated request.
func (s *Service) Search(ctx context.Context, req *request.Request) (result.Page, error) {
	log := logger.FromContextOr(ctx, s.logger)
	start := s.now()
	page := result.Page{
		Results:  []result.Result{},
		Page:     req.Page(),
		PageSize: req.PageSize(),
	}

	vec, err := s.embedQuery(ctx, req.Query(), &page.Timing)
	if err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			log.Error("Query embedding has wrong dimensions", zap.Error(err))
		} else {
			log.Warn("Query embedding failed", zap.Error(err))
		}
		s.outcome("error")
		return result.Page{}, err
	}

	stageStart := s.now()
	hits, err := s.index.Search(vec, s.opts.CandidateK)
	page.Timing.VectorSearchMS = s.observe("vector_search", stageStart)
	if err != nil {
		log.Error("Vector search failed", zap.Error(err))
		s.outcome("error")
		return result.Page{}, fmt.Errorf("vector search: %w", err)
	}

	candidates, docs, err := s.fetch(ctx, hits, &page.Timing)
	if err != nil {
		log.Error("Document fetch failed", zap.Int("candidates", len(hits)), zap.Error(err))
		s.outcome("error")
		return result.Page{}, err
	}
	if dropped := len(hits) - len(candidates); dropped > 0 {
		metrics.SearchCandidatesDropped.Add(float64(dropped))
		log.Debug("Dropped candidates missing from the document store", zap.Int("dropped", dropped))
	}

	if len(candidates) == 0 {
		page.Timing.TotalMS = s.observe("total", start)
		s.outcome("empty")
		return page, nil
	}

	if req.Rerank() && s.scorer != nil {
		if err := s.rerank(ctx, req.Query(), candidates, docs, &page.Timing); err != nil {
			log.Warn("Reranking failed, falling back to vector scores",
				zap.Int("candidates", len(candidates)), zap.Error(err))
			page.Degraded = true
		} else {
			page.Reranked = true
		}
	}

	sortCandidates(candidates)

	if page.Reranked {
		page.Stats = result.ComputeRerankStats(candidates)
		page.Comparison = result.CompareRankings(candidates)
	}

	page.Total = len(candidates)
	page.TotalPages = result.TotalPages(page.Total, req.PageSize())
	page.Results = s.paginate(candidates, req.Offset(), req.PageSize())
	page.Timing.TotalMS = s.observe("total", start)

	switch {
	case page.Degraded:
		s.outcome("degraded")
	case page.Reranked:
		s.outcome("reranked")
	default:
		s.outcome("coarse")
	}
	return page, nil
}

func (s *Service) embedQuery(ctx context.Context, query string, timing *result.Timing) ([]float32, error) {
	ectx, cancel := withTimeout(ctx, s.opts.EmbedTimeout)
	defer cancel()

	stageStart := s.now()
	emb, err := s.embed.Embed(ectx, query)
	timing.EmbedMS = s.observe("embed", stageStart)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w: %w", err, domain.ErrRetrievalUnavailable)
	}

	domain.UsageFromContext(ctx).AddTokens(emb.TotalTokens)

	if err := domain.CheckDimensions(emb.Embedding, s.index.Dimensions()); err != nil {
		return nil, fmt.Errorf("query vector: %w", err)
	}
	return emb.Embedding, nil
}

// fetch hydrates hits in stage-one order, dropping IDs the store no longer has.
func (s *Service) fetch(
	ctx context.Context, hits []index.Hit, timing *result.Timing,
) ([]result.Candidate, map[string]domdoc.Document, error) {
	if len(hits) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	fctx, cancel := withTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	stageStart := s.now()
	docs, err := s.docs.GetMany(fctx, ids)
	timing.FetchMS = s.observe("fetch", stageStart)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch documents: %w: %w", err, domain.ErrRetrievalUnavailable)
	}

	candidates := make([]result.Candidate, 0, len(hits))
	for i, h := range hits {
		doc, ok := docs[h.ID]
		if !ok {
			continue
		}
		candidates = append(candidates, result.Candidate{
			DocID:       h.ID,
			CoarseScore: h.Score,
			VectorRank:  i + 1,
			Title:       doc.Title(),
			Text:        doc.Text(),
		})
	}
	return candidates, docs, nil
}

// rerank sets FineScore on every candidate, or on none when scoring fails.
func (s *Service) rerank(
	ctx context.Context, query string, candidates []result.Candidate,
	docs map[string]domdoc.Document, timing *result.Timing,
) error {
	texts := make([]string, len(candidates))
	for i := range candidates {
		doc := docs[candidates[i].DocID]
		texts[i] = doc.RerankText(s.opts.RerankChars)
	}

	rctx, cancel := withTimeout(ctx, s.opts.RerankTimeout)
	defer cancel()

	stageStart := s.now()
	scores, err := s.scorer.Score(rctx, query, texts)
	timing.RerankMS = s.observe("rerank", stageStart)
	if err != nil {
		return fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(candidates) {
		return fmt.Errorf("rerank: %d scores for %d candidates: %w", len(scores), len(candidates), domain.ErrScoring)
	}

	for i := range candidates {
		fine := scores[i]
		candidates[i].FineScore = &fine
	}
	return nil
}

func (s *Service) paginate(ranked []result.Candidate, offset, size int) []result.Result {
	if offset >= len(ranked) {
		return []result.Result{}
	}
	end := min(offset+size, len(ranked))
	out := make([]result.Result, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, result.New(ranked[i], i+1, result.Preview(ranked[i].Text, s.opts.PreviewChars)))
	}
	return out
}

// sortCandidates orders by score descending, ties by doc ID ascending. The order is
// total, so the result does not depend on the input order.
func sortCandidates(c []result.Candidate) {
	slices.SortFunc(c, func(a, b result.Candidate) int {
		if d := cmp.Compare(b.Score(), a.Score()); d != 0 {
			return d
		}
		return cmp.Compare(a.DocID, b.DocID)
	})
}

func (s *Service) observe(stage string, since time.Time) float64 {
	d := s.now().Sub(since)
	metrics.SearchStageDuration.WithLabelValues(stage).Observe(d.Seconds())
	return float64(d.Microseconds()) / 1000
}

func (s *Service) outcome(o string) {
	metrics.SearchRequestsTotal.WithLabelValues(o).Inc()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
