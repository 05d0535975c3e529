package chi

import (
	"context"

	dombatch "github.com/kailas-cloud/crossling/internal/domain/batch"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/domain/search/request"
	"github.com/kailas-cloud/crossling/internal/domain/search/result"
	"github.com/kailas-cloud/crossling/internal/index"
	healthuc "github.com/kailas-cloud/crossling/internal/usecase/health"
	rerankuc "github.com/kailas-cloud/crossling/internal/usecase/rerank"
)

// Searcher runs the retrieval pipeline.
type Searcher interface {
	Search(ctx context.Context, req *request.Request) (result.Page, error)
}

// Ingester writes documents through to the store and the index.
type Ingester interface {
	Upsert(ctx context.Context, doc domdoc.Document) error
	UpsertMany(ctx context.Context, docs []domdoc.Document) []dombatch.Result
	Delete(ctx context.Context, id string) error
}

// DocumentReader reads documents from the store.
type DocumentReader interface {
	Get(ctx context.Context, id string) (domdoc.Document, error)
	Count(ctx context.Context) (int, error)
}

// IndexInspector exposes vector index statistics.
type IndexInspector interface {
	Stats() index.Stats
}

// Snapshotter writes an index snapshot on demand.
type Snapshotter interface {
	Snapshot() (index.SnapshotInfo, error)
	Token() string
}

// RerankStatusReader reports cross-encoder state.
type RerankStatusReader interface {
	Status() rerankuc.Status
}

// HealthChecker aggregates component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}
