package indexsync

import (
	"context"

	"github.com/kailas-cloud/crossling/internal/index"
	"github.com/kailas-cloud/crossling/internal/usecase/ingest"
)

// Syncer applies the store change log to the index.
type Syncer interface {
	Sync(ctx context.Context, token string) (string, ingest.SyncStats, error)
}

// Persister saves and restores index snapshots.
type Persister interface {
	SaveSnapshot(path string, info index.SnapshotInfo) (int, error)
	LoadSnapshot(path, wantModel string) (index.SnapshotInfo, error)
}
