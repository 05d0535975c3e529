// Package rerank wraps a cross-encoder with panic recovery, result validation
// and a status record for the operator endpoint.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
)

// Status is a point-in-time view of the cross-encoder.
type Status struct {
	Model       string
	Endpoint    string
	Enabled     bool
	Calls       int64
	Failures    int64
	Pairs       int64
	LastSuccess time.Time
	LastFailure time.Time
	LastError   string
}

// InstrumentedScorer wraps a domain.Scorer. Every failure leaving it wraps domain.ErrScoring.
type InstrumentedScorer struct {
	inner    domain.Scorer
	model    string
	endpoint string
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	status Status
}

// NewInstrumentedScorer creates the decorator.
func NewInstrumentedScorer(inner domain.Scorer, model, endpoint string, logger *zap.Logger) *InstrumentedScorer {
	return &InstrumentedScorer{
		inner:    inner,
		model:    model,
		endpoint: endpoint,
		logger:   logger,
		now:      time.Now,
		status:   Status{Model: model, Endpoint: endpoint, Enabled: true},
	}
}

// Score implements domain.Scorer.
func (s *InstrumentedScorer) Score(ctx context.Context, query string, texts []string) (scores []float64, err error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Cross-encoder panicked", zap.String("model", s.model), zap.Any("panic", r))
			scores, err = nil, fmt.Errorf("score: panic: %v: %w", r, domain.ErrScoring)
		}
		s.record(len(texts), err)
	}()

	scores, err = s.inner.Score(ctx, query, texts)
	if err == nil {
		err = validate(scores, len(texts))
	}
	if err != nil {
		s.logger.Warn("Cross-encoder scoring failed",
			zap.String("model", s.model),
			zap.Int("pairs", len(texts)),
			zap.Duration("duration", s.now().Sub(start)),
			zap.Error(err),
		)
		if !errors.Is(err, domain.ErrScoring) {
			err = fmt.Errorf("score: %w: %w", err, domain.ErrScoring)
		}
		return nil, err
	}

	s.logger.Debug("Cross-encoder scoring completed",
		zap.String("model", s.model),
		zap.Int("pairs", len(texts)),
		zap.Duration("duration", s.now().Sub(start)),
	)
	return scores, nil
}

func validate(scores []float64, n int) error {
	if len(scores) != n {
		return fmt.Errorf("scorer returned %d scores for %d texts", len(scores), n)
	}
	for i, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite score at %d", i)
		}
	}
	return nil
}

func (s *InstrumentedScorer) record(pairs int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Calls++
	if err != nil {
		s.status.Failures++
		s.status.LastFailure = s.now()
		s.status.LastError = err.Error()
		return
	}
	s.status.Pairs += int64(pairs)
	s.status.LastSuccess = s.now()
}

// Status returns a copy of the current status.
func (s *InstrumentedScorer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HealthCheck delegates to the inner scorer when it supports health checks.
func (s *InstrumentedScorer) HealthCheck(ctx context.Context) error {
	if hc, ok := s.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
