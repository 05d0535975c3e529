package index

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
)

var (
	bucketVectors = []byte("vectors")
	bucketMeta    = []byte("meta")
	keyMeta       = []byte("snapshot")
)

type snapshotMeta struct {
	Dimensions int       `json:"dimensions"`
	Count      int       `json:"count"`
	Generation uint64    `json:"generation"`
	SavedAt    time.Time `json:"saved_at"`
	Model      string    `json:"model,omitempty"`
	SyncToken  string    `json:"sync_token,omitempty"`
}

// SnapshotInfo is the caller-owned metadata stored alongside the vectors.
// SyncToken is the change-log position the vectors reflect; Model names the
// embedding model that produced them.
type SnapshotInfo struct {
	Model     string
	SyncToken string
	Count     int
	SavedAt   time.Time
}

// SaveSnapshot writes every live vector to a bbolt file at path. The file is written
// next to path and renamed into place, so readers never see a partial snapshot.
// It returns the number of vectors written.
func (x *Index) SaveSnapshot(path string, info SnapshotInfo) (int, error) {
	s := x.cur.Load()
	entries := s.live()

	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("remove stale snapshot: %w", err)
	}
	db, err := bbolt.Open(tmp, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		vb, err := tx.CreateBucketIfNotExists(bucketVectors)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketVectors, err)
		}
		for _, e := range entries {
			if err := vb.Put([]byte(e.ID), encodeVector(e.Vector)); err != nil {
				return fmt.Errorf("put %q: %w", e.ID, err)
			}
		}
		mb, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketMeta, err)
		}
		meta, err := json.Marshal(snapshotMeta{
			Dimensions: x.opts.Dimensions,
			Count:      len(entries),
			Generation: s.generation,
			SavedAt:    time.Now().UTC(),
			Model:      info.Model,
			SyncToken:  info.SyncToken,
		})
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		return mb.Put(keyMeta, meta)
	})
	if closeErr := db.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close snapshot: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("rename snapshot: %w", err)
	}

	x.logger.Info("index snapshot saved", zap.String("path", path), zap.Int("vectors", len(entries)))
	return len(entries), nil
}

// LoadSnapshot inserts every vector from the snapshot at path as one mutation and
// rebuilds partitions. Vectors already in the index with the same ID are replaced.
// A snapshot produced by a different model than wantModel is rejected with
// ErrSnapshotNotFound so that callers rebuild from the store; an empty wantModel skips the check.
func (x *Index) LoadSnapshot(path, wantModel string) (SnapshotInfo, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SnapshotInfo{}, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, path)
		}
		return SnapshotInfo{}, fmt.Errorf("stat snapshot: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var entries []Entry
	var meta snapshotMeta
	err = db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		vb := tx.Bucket(bucketVectors)
		if mb == nil || vb == nil {
			return fmt.Errorf("snapshot %s: missing buckets", path)
		}
		if err := json.Unmarshal(mb.Get(keyMeta), &meta); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		if wantModel != "" && meta.Model != wantModel {
			return fmt.Errorf("%w: snapshot built with model %q, want %q",
				domain.ErrSnapshotNotFound, meta.Model, wantModel)
		}
		if meta.Dimensions != x.opts.Dimensions {
			return fmt.Errorf("%w: snapshot has %d dimensions, index has %d",
				domain.ErrDimensionMismatch, meta.Dimensions, x.opts.Dimensions)
		}
		entries = make([]Entry, 0, meta.Count)
		return vb.ForEach(func(k, v []byte) error {
			vec, err := decodeVector(v)
			if err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			entries = append(entries, Entry{ID: string(k), Vector: vec})
			return nil
		})
	})
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("read snapshot: %w", err)
	}

	if err := x.InsertBatch(entries); err != nil {
		return SnapshotInfo{}, fmt.Errorf("restore snapshot: %w", err)
	}
	x.compact()
	x.logger.Info("index snapshot loaded",
		zap.String("path", path),
		zap.Int("vectors", len(entries)),
		zap.String("sync_token", meta.SyncToken),
	)
	return SnapshotInfo{
		Model:     meta.Model,
		SyncToken: meta.SyncToken,
		Count:     len(entries),
		SavedAt:   meta.SavedAt,
	}, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector byte length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
