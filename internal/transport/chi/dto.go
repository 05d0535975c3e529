package chi

import (
	"errors"
	"time"

	"github.com/kailas-cloud/crossling/internal/domain"
	dombatch "github.com/kailas-cloud/crossling/internal/domain/batch"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/domain/search/result"
	"github.com/kailas-cloud/crossling/internal/index"
	healthuc "github.com/kailas-cloud/crossling/internal/usecase/health"
	rerankuc "github.com/kailas-cloud/crossling/internal/usecase/rerank"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

// Error codes returned in ErrorResponse.
const (
	ErrorCodeBadRequest           ErrorCode = "bad_request"
	ErrorCodeUnauthorized         ErrorCode = "unauthorized"
	ErrorCodeInvalidRequest       ErrorCode = "invalid_request"
	ErrorCodeValidationFailed     ErrorCode = "validation_failed"
	ErrorCodeNotFound             ErrorCode = "not_found"
	ErrorCodeDocumentNotFound     ErrorCode = "document_not_found"
	ErrorCodeSnapshotUnavailable  ErrorCode = "snapshot_unavailable"
	ErrorCodeReadOnlyStore        ErrorCode = "read_only_store"
	ErrorCodeRetrievalUnavailable ErrorCode = "retrieval_unavailable"
	ErrorCodeDimensionMismatch    ErrorCode = "dimension_mismatch"
	ErrorCodeEmbeddingError       ErrorCode = "embedding_error"
	ErrorCodeInternalError        ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// SearchParams are the query parameters of GET /api/search.
type SearchParams struct {
	Query     string `json:"query"`
	Page      *int   `json:"page,omitempty"`
	PageSize  *int   `json:"page_size,omitempty"`
	UseRerank *bool  `json:"use_rerank,omitempty"`
}

// SearchResultItem is one ranked hit.
type SearchResultItem struct {
	DocID       string   `json:"doc_id"`
	Rank        int      `json:"rank"`
	Score       float64  `json:"score"`
	CoarseScore float64  `json:"coarse_score"`
	FineScore   *float64 `json:"fine_score,omitempty"`
	VectorRank  int      `json:"vector_rank"`
	Title       string   `json:"title,omitempty"`
	TextPreview string   `json:"text_preview"`
}

// Timing is the per-stage wall time in milliseconds.
type Timing struct {
	EmbedMS        float64 `json:"embed_ms"`
	VectorSearchMS float64 `json:"vector_search_ms"`
	FetchMS        float64 `json:"fetch_ms"`
	RerankMS       float64 `json:"rerank_ms"`
	TotalMS        float64 `json:"total_ms"`
}

// RerankStats summarizes fine scores.
type RerankStats struct {
	Total      int     `json:"total"`
	MaxScore   float64 `json:"max_score"`
	MinScore   float64 `json:"min_score"`
	AvgScore   float64 `json:"avg_score"`
	ScoreRange float64 `json:"score_range"`
}

// RankingComparison describes rank movement caused by reranking.
type RankingComparison struct {
	TotalDocs          int     `json:"total_docs"`
	AvgRankChange      float64 `json:"avg_rank_change"`
	MaxRankImprovement int     `json:"max_rank_improvement"`
	MaxRankDecline     int     `json:"max_rank_decline"`
	Improved           int     `json:"improved"`
	Declined           int     `json:"declined"`
	Unchanged          int     `json:"unchanged"`
}

// SearchResponse is one page of results.
type SearchResponse struct {
	Results           []SearchResultItem `json:"results"`
	Total             int                `json:"total"`
	Page              int                `json:"page"`
	PageSize          int                `json:"page_size"`
	TotalPages        int                `json:"total_pages"`
	Reranked          bool               `json:"reranked"`
	Degraded          bool               `json:"degraded"`
	ElapsedMS         float64            `json:"elapsed_ms"`
	Timing            Timing             `json:"timing"`
	RerankStats       *RerankStats       `json:"rerank_stats,omitempty"`
	RankingComparison *RankingComparison `json:"ranking_comparison,omitempty"`
}

// DocumentRequest is the body of document writes. ID is read from the path on PUT.
type DocumentRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// DocumentResponse is a stored document.
type DocumentResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BulkUpsertRequest is the body of POST /api/documents/bulk.
type BulkUpsertRequest struct {
	Documents []DocumentRequest `json:"documents"`
}

// BulkResultItem is the outcome for one bulk document.
type BulkResultItem struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Error  *ErrorResponse `json:"error,omitempty"`
}

// BulkUpsertResponse summarizes a bulk write.
type BulkUpsertResponse struct {
	Items     []BulkResultItem `json:"items"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// IndexStatsResponse describes the vector index.
type IndexStatsResponse struct {
	Dimensions  int        `json:"dimensions"`
	Vectors     int        `json:"vectors"`
	Partitions  int        `json:"partitions"`
	Delta       int        `json:"delta"`
	Tombstones  int        `json:"tombstones"`
	TrainedOn   int        `json:"trained_on"`
	Generation  uint64     `json:"generation"`
	LastRebuild *time.Time `json:"last_rebuild,omitempty"`
	Documents   *int       `json:"documents,omitempty"`
	SyncToken   string     `json:"sync_token,omitempty"`
}

// SnapshotResponse describes a written snapshot.
type SnapshotResponse struct {
	Model     string    `json:"model"`
	SyncToken string    `json:"sync_token"`
	Vectors   int       `json:"vectors"`
	SavedAt   time.Time `json:"saved_at"`
}

// RerankStatusResponse reports cross-encoder state.
type RerankStatusResponse struct {
	Enabled     bool       `json:"enabled"`
	Model       string     `json:"model,omitempty"`
	Endpoint    string     `json:"endpoint,omitempty"`
	Calls       int64      `json:"calls"`
	Failures    int64      `json:"failures"`
	Pairs       int64      `json:"pairs"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Documents int               `json:"documents"`
	Vectors   int               `json:"vectors"`
}

// NewSearchResponse converts a result page to its JSON form.
func NewSearchResponse(p *result.Page) SearchResponse {
	items := make([]SearchResultItem, len(p.Results))
	for i := range p.Results {
		r := &p.Results[i]
		items[i] = SearchResultItem{
			DocID:       r.ID(),
			Rank:        r.Rank(),
			Score:       r.Score(),
			CoarseScore: r.CoarseScore(),
			FineScore:   r.FineScore(),
			VectorRank:  r.VectorRank(),
			Title:       r.Title(),
			TextPreview: r.Preview(),
		}
	}

	resp := SearchResponse{
		Results:    items,
		Total:      p.Total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: p.TotalPages,
		Reranked:   p.Reranked,
		Degraded:   p.Degraded,
		ElapsedMS:  p.Timing.TotalMS,
		Timing:     Timing(p.Timing),
	}
	if p.Stats != nil {
		s := RerankStats(*p.Stats)
		resp.RerankStats = &s
	}
	if p.Comparison != nil {
		c := RankingComparison(*p.Comparison)
		resp.RankingComparison = &c
	}
	return resp
}

func documentToResponse(d *domdoc.Document) DocumentResponse {
	return DocumentResponse{ID: d.ID(), Title: d.Title(), Text: d.Text(), UpdatedAt: d.UpdatedAt()}
}

func bulkResultToResponse(r dombatch.Result) BulkResultItem {
	item := BulkResultItem{ID: r.ID(), Status: string(r.Status())}
	if r.Err() != nil {
		item.Error = &ErrorResponse{
			Code:    errorCode(r.Err()),
			Message: safeDomainMessage(r.Err()),
		}
	}
	return item
}

func statsToResponse(st index.Stats) IndexStatsResponse {
	resp := IndexStatsResponse{
		Dimensions: st.Dimensions,
		Vectors:    st.Size,
		Partitions: st.Partitions,
		Delta:      st.Delta,
		Tombstones: st.Tombstones,
		TrainedOn:  st.TrainedOn,
		Generation: st.Generation,
	}
	if !st.LastRebuild.IsZero() {
		t := st.LastRebuild
		resp.LastRebuild = &t
	}
	return resp
}

func rerankStatusToResponse(st rerankuc.Status) RerankStatusResponse {
	resp := RerankStatusResponse{
		Enabled:   st.Enabled,
		Model:     st.Model,
		Endpoint:  st.Endpoint,
		Calls:     st.Calls,
		Failures:  st.Failures,
		Pairs:     st.Pairs,
		LastError: st.LastError,
	}
	if !st.LastSuccess.IsZero() {
		t := st.LastSuccess
		resp.LastSuccess = &t
	}
	if !st.LastFailure.IsZero() {
		t := st.LastFailure
		resp.LastFailure = &t
	}
	return resp
}

func healthToResponse(r healthuc.Report) HealthResponse {
	checks := make(map[string]string, len(r.Checks))
	for k, v := range r.Checks {
		checks[k] = string(v)
	}
	return HealthResponse{Status: string(r.Status), Checks: checks, Documents: r.Documents, Vectors: r.Vectors}
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	for _, s := range clientSentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

var clientSentinels = []error{
	domain.ErrDimensionMismatch,
	domain.ErrRetrievalUnavailable,
	domain.ErrInvalidRequest,
	domain.ErrDocumentNotFound,
	domain.ErrReadOnlyStore,
	domain.ErrSnapshotNotFound,
	domain.ErrEmbedding,
}

func errorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, domain.ErrDimensionMismatch):
		return ErrorCodeDimensionMismatch
	case errors.Is(err, domain.ErrRetrievalUnavailable):
		return ErrorCodeRetrievalUnavailable
	case errors.Is(err, domain.ErrInvalidRequest):
		return ErrorCodeInvalidRequest
	case errors.Is(err, domain.ErrDocumentNotFound):
		return ErrorCodeDocumentNotFound
	case errors.Is(err, domain.ErrReadOnlyStore):
		return ErrorCodeReadOnlyStore
	case errors.Is(err, domain.ErrEmbedding):
		return ErrorCodeEmbeddingError
	default:
		return ErrorCodeInternalError
	}
}
