package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
	dombatch "github.com/kailas-cloud/crossling/internal/domain/batch"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/domain/search/request"
	"github.com/kailas-cloud/crossling/internal/logger"
	healthuc "github.com/kailas-cloud/crossling/internal/usecase/health"
)

// maxBulkSize bounds POST /api/documents/bulk.
const maxBulkSize = 100

// maxBodyBytes bounds request bodies; a bulk of maxBulkSize documents of maximum size fits.
const maxBodyBytes = 20 << 20

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Deps are the use cases the HTTP API serves. Ingest, Snapshots and Rerank may be nil.
type Deps struct {
	Search    Searcher
	Ingest    Ingester
	Documents DocumentReader
	Index     IndexInspector
	Snapshots Snapshotter
	Rerank    RerankStatusReader
	Health    HealthChecker
}

// Server serves the crossling HTTP API.
type Server struct {
	deps            Deps
	limits          request.Limits
	defaultPageSize int
	logger          *zap.Logger
	errorHandlers   []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(deps Deps, limits request.Limits, defaultPageSize int, logger *zap.Logger) *Server {
	if defaultPageSize <= 0 {
		defaultPageSize = request.DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, limits: limits, defaultPageSize: defaultPageSize, logger: logger}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrDimensionMismatch, http.StatusInternalServerError, ErrorCodeDimensionMismatch),
		sentinelHandler(domain.ErrRetrievalUnavailable, http.StatusServiceUnavailable, ErrorCodeRetrievalUnavailable),
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, ErrorCodeInvalidRequest),
		sentinelHandler(domain.ErrDocumentNotFound, http.StatusNotFound, ErrorCodeDocumentNotFound),
		sentinelHandler(domain.ErrReadOnlyStore, http.StatusConflict, ErrorCodeReadOnlyStore),
		sentinelHandler(domain.ErrSnapshotNotFound, http.StatusConflict, ErrorCodeSnapshotUnavailable),
		sentinelHandler(domain.ErrEmbedding, http.StatusBadGateway, ErrorCodeEmbeddingError),
	}
	return s
}

// Register mounts every route on r.
func (s *Server) Register(r chi.Router) {
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrorCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrorCodeBadRequest, "method not allowed")
	})

	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/search", s.Search)
		r.Get("/rerank/status", s.RerankStatus)
		r.Get("/index/stats", s.IndexStats)
		r.Post("/index/snapshot", s.Snapshot)

		r.Post("/documents", s.CreateDocument)
		r.Post("/documents/bulk", s.BulkUpsert)
		r.Get("/documents/{id}", s.GetDocument)
		r.Put("/documents/{id}", s.PutDocument)
		r.Delete("/documents/{id}", s.DeleteDocument)
	})
}

// Search handles GET /api/search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	params, err := bindSearchParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, err.Error())
		return
	}

	page, pageSize, rerank := 1, s.defaultPageSize, true
	if params.Page != nil {
		page = *params.Page
	}
	if params.PageSize != nil {
		pageSize = *params.PageSize
	}
	if params.UseRerank != nil {
		rerank = *params.UseRerank
	}

	req, err := request.New(params.Query, page, pageSize, rerank, s.limits)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, err.Error())
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	res, err := s.deps.Search.Search(ctx, &req)
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusOK, NewSearchResponse(&res))
}

// bindSearchParams decodes query parameters in the OpenAPI form style.
func bindSearchParams(q url.Values) (SearchParams, error) {
	var p SearchParams
	if err := runtime.BindQueryParameter("form", true, true, "query", q, &p.Query); err != nil {
		return p, fmt.Errorf("invalid format for parameter query: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "page", q, &p.Page); err != nil {
		return p, fmt.Errorf("invalid format for parameter page: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "page_size", q, &p.PageSize); err != nil {
		return p, fmt.Errorf("invalid format for parameter page_size: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "use_rerank", q, &p.UseRerank); err != nil {
		return p, fmt.Errorf("invalid format for parameter use_rerank: %w", err)
	}
	return p, nil
}

// CreateDocument handles POST /api/documents. A missing id is generated.
func (s *Server) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	s.upsert(w, r, req, http.StatusCreated)
}

// PutDocument handles PUT /api/documents/{id}.
func (s *Server) PutDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.ID != "" && req.ID != id {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "body id does not match path id")
		return
	}
	req.ID = id
	s.upsert(w, r, req, http.StatusOK)
}

func (s *Server) upsert(w http.ResponseWriter, r *http.Request, req DocumentRequest, status int) {
	if s.deps.Ingest == nil {
		writeError(w, http.StatusConflict, ErrorCodeReadOnlyStore, domain.ErrReadOnlyStore.Error())
		return
	}
	doc, err := domdoc.New(req.ID, req.Title, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, err.Error())
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	if err := s.deps.Ingest.Upsert(ctx, doc); err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	setEmbeddingHeaders(w, usage)
	if status == http.StatusCreated {
		w.Header().Set("Location", "/api/documents/"+doc.ID())
	}
	writeJSON(w, status, documentToResponse(&doc))
}

// BulkUpsert handles POST /api/documents/bulk.
func (s *Server) BulkUpsert(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		writeError(w, http.StatusConflict, ErrorCodeReadOnlyStore, domain.ErrReadOnlyStore.Error())
		return
	}
	var req BulkUpsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 || len(req.Documents) > maxBulkSize {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed,
			fmt.Sprintf("documents count must be between 1 and %d", maxBulkSize))
		return
	}

	docs := make([]domdoc.Document, 0, len(req.Documents))
	for i, item := range req.Documents {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		doc, err := domdoc.New(item.ID, item.Title, item.Text)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed,
				fmt.Sprintf("documents[%d]: %s", i, err.Error()))
			return
		}
		docs = append(docs, doc)
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	results := s.deps.Ingest.UpsertMany(ctx, docs)

	succeeded, failed := dombatch.Counts(results)
	items := make([]BulkResultItem, len(results))
	for i, res := range results {
		items[i] = bulkResultToResponse(res)
	}

	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusOK, BulkUpsertResponse{Items: items, Succeeded: succeeded, Failed: failed})
}

// GetDocument handles GET /api/documents/{id}.
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentToResponse(&doc))
}

// DeleteDocument handles DELETE /api/documents/{id}.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		writeError(w, http.StatusConflict, ErrorCodeReadOnlyStore, domain.ErrReadOnlyStore.Error())
		return
	}
	if err := s.deps.Ingest.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RerankStatus handles GET /api/rerank/status.
func (s *Server) RerankStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Rerank == nil {
		writeJSON(w, http.StatusOK, RerankStatusResponse{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, rerankStatusToResponse(s.deps.Rerank.Status()))
}

// IndexStats handles GET /api/index/stats.
func (s *Server) IndexStats(w http.ResponseWriter, r *http.Request) {
	resp := statsToResponse(s.deps.Index.Stats())
	if n, err := s.deps.Documents.Count(r.Context()); err == nil {
		resp.Documents = &n
	} else {
		logger.FromContextOr(r.Context(), s.logger).Warn("count documents", zap.Error(err))
	}
	if s.deps.Snapshots != nil {
		resp.SyncToken = s.deps.Snapshots.Token()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Snapshot handles POST /api/index/snapshot.
func (s *Server) Snapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		writeError(w, http.StatusConflict, ErrorCodeSnapshotUnavailable, domain.ErrSnapshotNotFound.Error())
		return
	}
	info, err := s.deps.Snapshots.Snapshot()
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{
		Model:     info.Model,
		SyncToken: info.SyncToken,
		Vectors:   info.Count,
		SavedAt:   info.SavedAt,
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, healthToResponse(report))
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func setEmbeddingHeaders(w http.ResponseWriter, usage *domain.EmbeddingUsage) {
	if usage != nil && usage.Used {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(usage.TotalTokens))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	log := logger.FromContextOr(ctx, s.logger)
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			if errors.Is(err, domain.ErrDimensionMismatch) {
				log.Error("dimension mismatch", zap.Error(err))
			} else {
				log.Warn("domain error", zap.Error(err))
			}
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error")
}
