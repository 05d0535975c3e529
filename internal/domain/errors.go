package domain

import "errors"

var (
	// ErrInvalidRequest signals a malformed search or ingest request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDocumentNotFound signals a missing document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDimensionMismatch signals a vector whose length differs from the index dimensionality.
	// It is a configuration fault (embedding model and index disagree), never a user error.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmbedding signals an embedding model failure.
	ErrEmbedding = errors.New("embedding error")
	// ErrScoring signals a cross-encoder failure. Search degrades to coarse ranking on it.
	ErrScoring = errors.New("scoring error")
	// ErrRetrievalUnavailable signals that stage one could not run at all.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrSnapshotNotFound signals a missing index snapshot file.
	ErrSnapshotNotFound = errors.New("index snapshot not found")
	// ErrReadOnlyStore signals a write against a store driver that cannot accept one.
	ErrReadOnlyStore = errors.New("document store is read-only")
)
