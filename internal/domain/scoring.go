package domain

import "context"

// Scorer is the cross-encoder contract: one relevance score per text, in input order.
// Scores are unbounded, higher means more relevant. Any failure wraps ErrScoring.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}
