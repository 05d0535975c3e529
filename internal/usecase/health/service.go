package health

import (
	"context"
	"time"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates search still runs, but without reranking.
	Degraded Status = "degraded"
	// Unhealthy indicates stage-one retrieval cannot run.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// DefaultCheckTimeout bounds each component check.
const DefaultCheckTimeout = 3 * time.Second

// Report aggregates health check results.
type Report struct {
	Status    Status
	Checks    map[string]CheckResult
	Documents int
	Vectors   int
}

// Service coordinates health checks.
type Service struct {
	store     StoreCounter
	index     IndexSizer
	embedding Checker
	reranker  Checker
	timeout   time.Duration
}

// New creates a Service. embedding and reranker can be nil.
func New(store StoreCounter, idx IndexSizer, embedding, reranker Checker) *Service {
	return &Service{
		store:     store,
		index:     idx,
		embedding: embedding,
		reranker:  reranker,
		timeout:   DefaultCheckTimeout,
	}
}

// Check runs health checks against all components.
// A failing store or embedding endpoint makes the service unhealthy; a failing reranker
// only degrades it.
func (s *Service) Check(ctx context.Context) Report {
	r := Report{Status: Healthy, Checks: make(map[string]CheckResult)}

	n, err := s.count(ctx)
	r.Documents = n
	s.record(&r, "store", err, Unhealthy)

	if s.embedding != nil {
		s.record(&r, "embedding", s.probe(ctx, s.embedding), Unhealthy)
	}
	if s.reranker != nil {
		s.record(&r, "reranker", s.probe(ctx, s.reranker), Degraded)
	}
	if s.index != nil {
		r.Vectors = s.index.Size()
	}
	return r
}

func (s *Service) count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Count(ctx)
}

func (s *Service) probe(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return c.HealthCheck(ctx)
}

func (s *Service) record(r *Report, name string, err error, onFail Status) {
	if err == nil {
		r.Checks[name] = CheckOK
		return
	}
	r.Checks[name] = CheckError
	if r.Status == Unhealthy {
		return
	}
	r.Status = onFail
}
