package health

import "context"

// StoreCounter checks document store availability by counting documents.
type StoreCounter interface {
	Count(ctx context.Context) (int, error)
}

// Checker checks a model endpoint's availability.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// IndexSizer reports the number of vectors in the index.
type IndexSizer interface {
	Size() int
}
