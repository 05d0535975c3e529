package indexsync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
	"github.com/kailas-cloud/crossling/internal/index"
	"github.com/kailas-cloud/crossling/internal/usecase/ingest"
)

// --- Mocks ---

type mockSyncer struct {
	mu     sync.Mutex
	next   string
	stats  ingest.SyncStats
	err    error
	tokens []string
}

func (m *mockSyncer) Sync(_ context.Context, token string) (string, ingest.SyncStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, token)
	if m.err != nil {
		return token, m.stats, m.err
	}
	return m.next, m.stats, nil
}

func (m *mockSyncer) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

type mockPersister struct {
	mu     sync.Mutex
	saved  []index.SnapshotInfo
	load   index.SnapshotInfo
	err    error
	loadFn func(path, model string) (index.SnapshotInfo, error)
}

func (m *mockPersister) SaveSnapshot(_ string, info index.SnapshotInfo) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.saved = append(m.saved, info)
	return 7, nil
}

func (m *mockPersister) LoadSnapshot(path, model string) (index.SnapshotInfo, error) {
	if m.loadFn != nil {
		return m.loadFn(path, model)
	}
	return m.load, m.err
}

func (m *mockPersister) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// --- Tests ---

func TestSyncOnce_AdvancesToken(t *testing.T) {
	syncer := &mockSyncer{next: "42", stats: ingest.SyncStats{Upserted: 2}}
	r := New(syncer, &mockPersister{}, Config{}, nil)

	if err := r.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if r.Token() != "42" {
		t.Errorf("token = %q, want 42", r.Token())
	}
	syncer.next = "50"
	if err := r.SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if syncer.tokens[1] != "42" {
		t.Errorf("second sync started from %q, want 42", syncer.tokens[1])
	}
}

func TestSyncOnce_ErrorKeepsToken(t *testing.T) {
	syncer := &mockSyncer{err: errors.New("store down")}
	r := New(syncer, &mockPersister{}, Config{}, nil)
	r.SetToken("9")

	if err := r.SyncOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if r.Token() != "9" {
		t.Errorf("token = %q, want 9", r.Token())
	}
}

// gatedSyncer blocks inside Sync until release is closed.
type gatedSyncer struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSyncer) Sync(_ context.Context, _ string) (string, ingest.SyncStats, error) {
	close(g.entered)
	<-g.release
	return "2", ingest.SyncStats{Upserted: 1}, nil
}

func TestToken_DoesNotWaitForSync(t *testing.T) {
	syncer := &gatedSyncer{entered: make(chan struct{}), release: make(chan struct{})}
	r := New(syncer, &mockPersister{}, Config{}, nil)
	r.SetToken("1")

	done := make(chan error, 1)
	go func() { done <- r.SyncOnce(context.Background()) }()
	<-syncer.entered

	got := make(chan string, 1)
	go func() { got <- r.Token() }()
	select {
	case tok := <-got:
		if tok != "1" {
			t.Errorf("token during sync = %q, want 1", tok)
		}
	case <-time.After(time.Second):
		t.Fatal("Token blocked behind a running sync")
	}

	close(syncer.release)
	if err := <-done; err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if r.Token() != "2" {
		t.Errorf("token after sync = %q, want 2", r.Token())
	}
}

func TestRestore(t *testing.T) {
	p := &mockPersister{load: index.SnapshotInfo{Model: "m", SyncToken: "17", Count: 3}}
	var gotModel string
	p.loadFn = func(_, model string) (index.SnapshotInfo, error) {
		gotModel = model
		return p.load, nil
	}
	r := New(&mockSyncer{}, p, Config{SnapshotPath: "x.db", Model: "m"}, nil)

	info, err := r.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if info.Count != 3 || r.Token() != "17" || gotModel != "m" {
		t.Errorf("info = %+v, token = %q, model = %q", info, r.Token(), gotModel)
	}
}

func TestRestore_Disabled(t *testing.T) {
	r := New(&mockSyncer{}, &mockPersister{}, Config{}, nil)
	if _, err := r.Restore(); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("err = %v, want ErrSnapshotNotFound", err)
	}
	if _, err := r.Snapshot(); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestSnapshot_RecordsToken(t *testing.T) {
	p := &mockPersister{}
	path := filepath.Join(t.TempDir(), "nested", "index.db")
	r := New(&mockSyncer{}, p, Config{SnapshotPath: path, Model: "bge-m3"}, nil)
	r.SetToken("99")

	info, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if info.Count != 7 || info.SyncToken != "99" || info.Model != "bge-m3" {
		t.Errorf("info = %+v", info)
	}
	if len(p.saved) != 1 || p.saved[0].SyncToken != "99" {
		t.Errorf("saved = %+v", p.saved)
	}
}

func TestSnapshot_RoundTripThroughIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := index.New(index.Options{Dimensions: 2}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert("a", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	r := New(&mockSyncer{}, idx, Config{SnapshotPath: path, Model: "m"}, nil)
	r.SetToken("5")
	if _, err := r.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored, err := index.New(index.Options{Dimensions: 2}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	r2 := New(&mockSyncer{}, restored, Config{SnapshotPath: path, Model: "m"}, nil)
	info, err := r2.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if info.Count != 1 || r2.Token() != "5" || restored.Size() != 1 {
		t.Errorf("info = %+v, token = %q, size = %d", info, r2.Token(), restored.Size())
	}
}

func TestRun_SyncsAndSnapshotsUntilCancelled(t *testing.T) {
	syncer := &mockSyncer{next: "1"}
	p := &mockPersister{}
	r := New(syncer, p, Config{
		SnapshotPath:     filepath.Join(t.TempDir(), "index.db"),
		SyncInterval:     5 * time.Millisecond,
		SnapshotInterval: 20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for (syncer.calls() < 2 || p.saves() < 1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if syncer.calls() < 2 {
		t.Errorf("sync calls = %d, want >= 2", syncer.calls())
	}
	// The token stays at "1" after the first pass, so repeated ticks add at most one
	// more snapshot (when the first tick beat the first sync).
	if got := p.saves(); got < 1 || got > 2 {
		t.Errorf("snapshots = %d, want 1 or 2", got)
	}
}
