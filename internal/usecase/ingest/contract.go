package ingest

import (
	"context"

	"github.com/kailas-cloud/crossling/internal/domain"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/index"
)

// Store is the writable document store plus its change log.
type Store interface {
	GetMany(ctx context.Context, ids []string) (map[string]domdoc.Document, error)
	Put(ctx context.Context, doc domdoc.Document) error
	PutMany(ctx context.Context, docs []domdoc.Document) error
	Delete(ctx context.Context, id string) error
	ChangedSince(ctx context.Context, token string, limit int) ([]string, string, error)
}

// VectorIndex is the mutation side of the vector index.
type VectorIndex interface {
	InsertBatch(entries []index.Entry) error
	Remove(id string)
	Dimensions() int
}

// Embedder vectorizes document texts.
type Embedder interface {
	domain.BatchEmbedder
}
