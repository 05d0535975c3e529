// Package crossencoder scores (query, document) pairs with a remote cross-encoder
// such as bge-reranker-v2-m3 served by TEI, Infinity or a Cohere-compatible gateway.
package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/crossling/internal/domain"
	"github.com/kailas-cloud/crossling/internal/metrics"
)

// Wire formats.
const (
	FormatCohere = "cohere" // POST /rerank {model, query, documents} -> {results: [{index, relevance_score}]}
	FormatTEI    = "tei"    // POST /rerank {query, texts, raw_scores} -> [{index, score}]
)

const (
	defaultBatchSize   = 16
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
	maxErrorBody       = 512
)

// Config holds the cross-encoder endpoint settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Format      string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	// Normalize maps raw logits through a sigmoid into (0, 1).
	Normalize  bool
	HealthPath string
	Logger     *zap.Logger
}

// Client is an HTTP cross-encoder. It implements domain.Scorer.
type Client struct {
	http        *http.Client
	baseURL     string
	apiKey      string
	model       string
	format      string
	batchSize   int
	concurrency int
	normalize   bool
	healthPath  string
	logger      *zap.Logger
}

// New creates a cross-encoder client.
func New(cfg *Config) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		format:      cfg.Format,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		normalize:   cfg.Normalize,
		healthPath:  cfg.HealthPath,
		logger:      cfg.Logger,
	}
	if c.format == "" {
		c.format = FormatCohere
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.http = &http.Client{Timeout: timeout}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type cohereRequest struct {
	Model           string   `json:"model,omitempty"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type teiRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type scoredIndex struct {
	Index          int      `json:"index"`
	RelevanceScore *float64 `json:"relevance_score"`
	Score          *float64 `json:"score"`
}

type cohereResponse struct {
	Results []scoredIndex `json:"results"`
}

// Score returns one relevance score per text, in input order. Texts are sent in
// sub-batches that run concurrently; any failed sub-batch fails the whole call.
func (c *Client) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}

	start := time.Now()
	scores := make([]float64, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for lo := 0; lo < len(texts); lo += c.batchSize {
		hi := min(lo+c.batchSize, len(texts))
		g.Go(func() error {
			batch, err := c.scoreBatch(gctx, query, texts[lo:hi])
			if err != nil {
				return err
			}
			copy(scores[lo:hi], batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		metrics.RerankRequestsTotal.WithLabelValues(c.model, "error").Inc()
		metrics.RerankErrorsTotal.WithLabelValues(c.model, errorType(err)).Inc()
		return nil, fmt.Errorf("score %d pairs: %w: %w", len(texts), err, domain.ErrScoring)
	}

	if c.normalize {
		for i, s := range scores {
			scores[i] = sigmoid(s)
		}
	}

	metrics.RerankRequestsTotal.WithLabelValues(c.model, "success").Inc()
	metrics.RerankRequestDuration.WithLabelValues(c.model).Observe(time.Since(start).Seconds())
	metrics.RerankPairsTotal.WithLabelValues(c.model).Add(float64(len(texts)))

	return scores, nil
}

func (c *Client) scoreBatch(ctx context.Context, query string, texts []string) ([]float64, error) {
	var body any
	if c.format == FormatTEI {
		body = teiRequest{Query: query, Texts: texts, RawScores: true, Truncate: true}
	} else {
		body = cohereRequest{Model: c.model, Query: query, Documents: texts, TopN: len(texts)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(data), maxErrorBody)}
	}

	results, err := decodeResults(data)
	if err != nil {
		return nil, err
	}
	return placeScores(results, len(texts))
}

// decodeResults accepts either {"results": [...]} or a bare array.
func decodeResults(data []byte) ([]scoredIndex, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []scoredIndex
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}
	var out cohereResponse
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Results, nil
}

func placeScores(results []scoredIndex, n int) ([]float64, error) {
	if len(results) != n {
		return nil, fmt.Errorf("%w: %d scores for %d texts", errMalformed, len(results), n)
	}
	scores := make([]float64, n)
	seen := make([]bool, n)
	for _, r := range results {
		if r.Index < 0 || r.Index >= n || seen[r.Index] {
			return nil, fmt.Errorf("%w: index %d", errMalformed, r.Index)
		}
		var s *float64
		switch {
		case r.RelevanceScore != nil:
			s = r.RelevanceScore
		case r.Score != nil:
			s = r.Score
		default:
			return nil, fmt.Errorf("%w: no score for index %d", errMalformed, r.Index)
		}
		if math.IsNaN(*s) || math.IsInf(*s, 0) {
			return nil, fmt.Errorf("%w: non-finite score for index %d", errMalformed, r.Index)
		}
		seen[r.Index] = true
		scores[r.Index] = *s
	}
	return scores, nil
}

// HealthCheck calls the configured health path, or GET /health by default.
func (c *Client) HealthCheck(ctx context.Context) error {
	path := c.healthPath
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reranker health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("reranker health: status %d", resp.StatusCode)
	}
	return nil
}

var errMalformed = errors.New("malformed rerank response")

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rerank API status %d: %s", e.code, e.body)
}

func errorType(err error) string {
	var se *statusError
	switch {
	case errors.As(err, &se):
		return "api_error"
	case errors.Is(err, errMalformed):
		return "malformed_response"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
