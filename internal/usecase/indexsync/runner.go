// Package indexsync keeps the in-process vector index current with the document store
// across restarts: it owns the change-log token, restores and writes snapshots, and runs
// the periodic sync and snapshot loops.
package indexsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
	"github.com/kailas-cloud/crossling/internal/index"
)

// Config configures a Runner.
type Config struct {
	SnapshotPath     string // empty disables snapshots
	Model            string
	SyncInterval     time.Duration // 0 disables the sync loop
	SnapshotInterval time.Duration // 0 disables periodic snapshots
}

// Runner serializes sync passes and snapshots around a single change-log token.
type Runner struct {
	syncer  Syncer
	persist Persister
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex // serializes sync passes, snapshots and token writes
	tokenMu   sync.RWMutex
	token     string // written with both mu and tokenMu held
	lastSaved string
	saved     bool
	now       func() time.Time
}

// New creates a Runner starting from an empty token.
func New(syncer Syncer, persist Persister, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{syncer: syncer, persist: persist, cfg: cfg, logger: logger, now: time.Now}
}

// Token returns the change-log position the index reflects. It does not wait for a
// sync pass in progress.
func (r *Runner) Token() string {
	r.tokenMu.RLock()
	defer r.tokenMu.RUnlock()
	return r.token
}

// SetToken overrides the current token, used after a full rebuild from the store.
func (r *Runner) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setToken(token)
}

// setToken must be called with mu held.
func (r *Runner) setToken(token string) {
	r.tokenMu.Lock()
	r.token = token
	r.tokenMu.Unlock()
}

// Restore loads the snapshot into the index and resumes from its token.
// domain.ErrSnapshotNotFound means the caller must build the index from the store.
func (r *Runner) Restore() (index.SnapshotInfo, error) {
	if r.cfg.SnapshotPath == "" {
		return index.SnapshotInfo{}, fmt.Errorf("%w: snapshots disabled", domain.ErrSnapshotNotFound)
	}
	info, err := r.persist.LoadSnapshot(r.cfg.SnapshotPath, r.cfg.Model)
	if err != nil {
		return index.SnapshotInfo{}, err
	}

	r.mu.Lock()
	r.setToken(info.SyncToken)
	r.lastSaved = info.SyncToken
	r.saved = true
	r.mu.Unlock()
	return info, nil
}

// SyncOnce applies every pending change and advances the token.
func (r *Runner) SyncOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, stats, err := r.syncer.Sync(ctx, r.token)
	r.setToken(next)
	if err != nil {
		return fmt.Errorf("sync from %q: %w", next, err)
	}
	if stats.Upserted > 0 || stats.Removed > 0 {
		r.logger.Info("index synced with store",
			zap.Int("upserted", stats.Upserted),
			zap.Int("removed", stats.Removed),
			zap.String("token", next),
		)
	}
	return nil
}

// Snapshot writes the index with the current token. It holds the sync lock so the
// token never runs ahead of the vectors written.
func (r *Runner) Snapshot() (index.SnapshotInfo, error) {
	if r.cfg.SnapshotPath == "" {
		return index.SnapshotInfo{}, fmt.Errorf("%w: snapshots disabled", domain.ErrSnapshotNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if dir := filepath.Dir(r.cfg.SnapshotPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return index.SnapshotInfo{}, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	info := index.SnapshotInfo{Model: r.cfg.Model, SyncToken: r.token, SavedAt: r.now().UTC()}
	n, err := r.persist.SaveSnapshot(r.cfg.SnapshotPath, info)
	if err != nil {
		return index.SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	info.Count = n
	r.lastSaved = r.token
	r.saved = true
	return info, nil
}

// Run drives the sync and snapshot loops until ctx is done. With the sync loop on, a
// periodic snapshot is skipped when the token has not moved since the previous one.
func (r *Runner) Run(ctx context.Context) {
	var syncC, snapC <-chan time.Time
	if r.cfg.SyncInterval > 0 {
		t := time.NewTicker(r.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}
	if r.cfg.SnapshotInterval > 0 && r.cfg.SnapshotPath != "" {
		t := time.NewTicker(r.cfg.SnapshotInterval)
		defer t.Stop()
		snapC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncC:
			if err := r.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("index sync failed", zap.Error(err))
			}
		case <-snapC:
			if !r.dirty() {
				continue
			}
			if _, err := r.Snapshot(); err != nil {
				r.logger.Error("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) dirty() bool {
	if r.cfg.SyncInterval <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.saved || r.token != r.lastSaved
}
