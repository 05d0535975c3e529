package document

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/crossling/internal/db"
	"github.com/kailas-cloud/crossling/internal/domain"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
)

// SettleWindow delays change-log visibility so that writes racing a sync on the same
// clock tick are never skipped by the advancing token.
const SettleWindow = time.Second

// DefaultKeyPrefix namespaces every key the Redis repository writes.
const DefaultKeyPrefix = "crossling:"

// store is the consumer interface for documents (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetMulti(ctx context.Context, items []db.HashSetItem) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
	ZAdd(ctx context.Context, key string, members ...db.ScoredMember) error
	ZRangeAfter(ctx context.Context, key string, after, upTo float64, limit int64) ([]db.ScoredMember, error)
}

// Repo stores documents as Redis/Valkey hashes. Every write is recorded in a sorted-set
// change log scored by unix milliseconds; the sync token is the last score consumed.
type Repo struct {
	store  store
	prefix string
	now    func() time.Time
}

// New creates a Redis document repository.
func New(s store, prefix string) *Repo {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Repo{store: s, prefix: prefix, now: time.Now}
}

// Get returns a document by ID.
func (r *Repo) Get(ctx context.Context, id string) (domdoc.Document, error) {
	fields, err := r.store.HGetAll(ctx, r.docKey(id))
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("hgetall %s: %w", id, err)
	}
	if len(fields) == 0 {
		return domdoc.Document{}, fmt.Errorf("%s: %w", id, domain.ErrDocumentNotFound)
	}
	return fromHash(id, fields), nil
}

// GetMany returns the documents that exist among ids, keyed by ID.
func (r *Repo) GetMany(ctx context.Context, ids []string) (map[string]domdoc.Document, error) {
	if len(ids) == 0 {
		return map[string]domdoc.Document{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(id)
	}
	hashes, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch %d documents: %w", len(ids), err)
	}
	out := make(map[string]domdoc.Document, len(ids))
	for i, fields := range hashes {
		if len(fields) == 0 {
			continue
		}
		out[ids[i]] = fromHash(ids[i], fields)
	}
	return out, nil
}

// Put creates or replaces a document.
func (r *Repo) Put(ctx context.Context, doc domdoc.Document) error {
	return r.PutMany(ctx, []domdoc.Document{doc})
}

// PutMany creates or replaces documents in one pipeline.
func (r *Repo) PutMany(ctx context.Context, docs []domdoc.Document) error {
	if len(docs) == 0 {
		return nil
	}
	now := r.now()
	items := make([]db.HashSetItem, len(docs))
	ids := make([]string, len(docs))
	changes := make([]db.ScoredMember, len(docs))
	for i := range docs {
		id := docs[i].ID()
		items[i] = db.HashSetItem{Key: r.docKey(id), Fields: toHash(&docs[i], now)}
		ids[i] = id
		changes[i] = db.ScoredMember{Member: id, Score: float64(now.UnixMilli())}
	}

	if err := r.store.HSetMulti(ctx, items); err != nil {
		return fmt.Errorf("hset documents: %w", err)
	}
	if err := r.store.SAdd(ctx, r.idsKey(), ids...); err != nil {
		return fmt.Errorf("track ids: %w", err)
	}
	if err := r.store.ZAdd(ctx, r.changesKey(), changes...); err != nil {
		return fmt.Errorf("record changes: %w", err)
	}
	return nil
}

// Delete removes a document and records the deletion in the change log.
func (r *Repo) Delete(ctx context.Context, id string) error {
	key := r.docKey(id)
	exists, err := r.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check exists %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", id, domain.ErrDocumentNotFound)
	}
	if err := r.store.Del(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if err := r.store.SRem(ctx, r.idsKey(), id); err != nil {
		return fmt.Errorf("untrack %s: %w", id, err)
	}
	change := db.ScoredMember{Member: id, Score: float64(r.now().UnixMilli())}
	if err := r.store.ZAdd(ctx, r.changesKey(), change); err != nil {
		return fmt.Errorf("record deletion %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored documents.
func (r *Repo) Count(ctx context.Context) (int, error) {
	n, err := r.store.SCard(ctx, r.idsKey())
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(n), nil
}

// ChangedSince returns IDs written or deleted after token, oldest first, and the token
// to pass next time. An empty token starts from the beginning of the log.
func (r *Repo) ChangedSince(ctx context.Context, token string, limit int) ([]string, string, error) {
	after, err := parseMillisToken(token)
	if err != nil {
		return nil, token, err
	}
	upTo := float64(r.now().Add(-SettleWindow).UnixMilli())
	members, err := r.store.ZRangeAfter(ctx, r.changesKey(), after, upTo, int64(limit))
	if err != nil {
		return nil, token, fmt.Errorf("read change log: %w", err)
	}
	if limit > 0 && len(members) == limit {
		// The token is exclusive, so a page must not end in the middle of a millisecond.
		last := members[len(members)-1].Score
		cut := len(members)
		for cut > 0 && members[cut-1].Score == last {
			cut--
		}
		if cut > 0 {
			members = members[:cut]
		} else {
			members, err = r.store.ZRangeAfter(ctx, r.changesKey(), last-1, last, -1)
			if err != nil {
				return nil, token, fmt.Errorf("read change log tick: %w", err)
			}
		}
	}
	if len(members) == 0 {
		return nil, token, nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member
	}
	next := strconv.FormatInt(int64(members[len(members)-1].Score), 10)
	return ids, next, nil
}

func (r *Repo) docKey(id string) string { return r.prefix + "doc:" + id }
func (r *Repo) idsKey() string          { return r.prefix + "ids" }
func (r *Repo) changesKey() string      { return r.prefix + "changes" }

const (
	fieldTitle     = "title"
	fieldText      = "text"
	fieldUpdatedAt = "updated_at"
)

func toHash(doc *domdoc.Document, now time.Time) map[string]string {
	return map[string]string{
		fieldTitle:     doc.Title(),
		fieldText:      doc.Text(),
		fieldUpdatedAt: strconv.FormatInt(now.UnixMilli(), 10),
	}
}

func fromHash(id string, fields map[string]string) domdoc.Document {
	var updated time.Time
	if ms, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64); err == nil {
		updated = time.UnixMilli(ms).UTC()
	}
	return domdoc.Reconstruct(id, fields[fieldTitle], fields[fieldText], updated)
}

var errBadToken = errors.New("invalid sync token")

func parseMillisToken(token string) (float64, error) {
	if token == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(token, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: %q", errBadToken, token)
	}
	return float64(ms), nil
}
