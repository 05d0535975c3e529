package search

import (
	"context"

	"github.com/kailas-cloud/crossling/internal/domain"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
	"github.com/kailas-cloud/crossling/internal/index"
)

// Embedder vectorizes the query text.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// VectorIndex is the stage-one candidate source.
type VectorIndex interface {
	Search(query []float32, k int) ([]index.Hit, error)
	Dimensions() int
}

// DocumentReader hydrates candidates. Missing IDs are omitted from the map.
type DocumentReader interface {
	GetMany(ctx context.Context, ids []string) (map[string]domdoc.Document, error)
}
