package document

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/kailas-cloud/crossling/internal/domain"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
)

const maxLineSize = 4 << 20

// idFields are tried in order; a line without any of them gets its ordinal as ID.
var idFields = []string{"id", "doc_id", "docid"}

type fileChange struct {
	seq uint64
	id  string
}

// FileRepo serves documents from JSON Lines files matched by a glob pattern.
// It is read-only. Reload diffs the files against the loaded set and appends
// the differences to an in-memory change log keyed by a sequence number.
type FileRepo struct {
	pattern string
	logger  *zap.Logger

	mu      sync.RWMutex
	docs    map[string]domdoc.Document
	changes []fileChange
	seq     uint64
}

// NewFile loads every file matched by pattern (doublestar syntax, e.g. "data/**/*.jsonl").
func NewFile(pattern string, logger *zap.Logger) (*FileRepo, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid document glob %q", pattern)
	}
	r := &FileRepo{pattern: pattern, logger: logger, docs: map[string]domdoc.Document{}}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the files and records added, changed and removed documents.
// It returns the number of changes recorded.
func (r *FileRepo) Reload() (int, error) {
	loaded, err := r.load()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for id, doc := range loaded {
		old, ok := r.docs[id]
		if !ok || old.Title() != doc.Title() || old.Text() != doc.Text() {
			changed = append(changed, id)
		}
	}
	for id := range r.docs {
		if _, ok := loaded[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)

	for _, id := range changed {
		r.seq++
		r.changes = append(r.changes, fileChange{seq: r.seq, id: id})
	}
	r.docs = loaded
	r.compact()

	r.logger.Info("Documents loaded",
		zap.String("pattern", r.pattern),
		zap.Int("documents", len(loaded)),
		zap.Int("changes", len(changed)),
	)
	return len(changed), nil
}

// compact keeps only the latest change per ID. Callers hold mu.
func (r *FileRepo) compact() {
	latest := make(map[string]uint64, len(r.changes))
	for _, c := range r.changes {
		latest[c.id] = c.seq
	}
	if len(latest) == len(r.changes) {
		return
	}
	kept := r.changes[:0]
	for _, c := range r.changes {
		if latest[c.id] == c.seq {
			kept = append(kept, c)
		}
	}
	r.changes = kept
}

func (r *FileRepo) load() (map[string]domdoc.Document, error) {
	paths, err := doublestar.FilepathGlob(r.pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", r.pattern, err)
	}
	sort.Strings(paths)

	docs := make(map[string]domdoc.Document)
	ordinal := 0
	for _, path := range paths {
		if err := r.loadFile(path, docs, &ordinal); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (r *FileRepo) loadFile(path string, docs map[string]domdoc.Document, ordinal *int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	modTime := info.ModTime().UTC()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		doc, err := parseLine(raw, *ordinal, modTime)
		if err != nil {
			r.logger.Warn("Skipping malformed document line",
				zap.String("file", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		*ordinal++
		docs[doc.ID()] = doc
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func parseLine(raw string, ordinal int, modTime time.Time) (domdoc.Document, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return domdoc.Document{}, fmt.Errorf("decode: %w", err)
	}

	id := ""
	for _, field := range idFields {
		if v, ok := obj[field]; ok && v != nil {
			id = idString(v)
			break
		}
	}
	if id == "" {
		id = strconv.Itoa(ordinal)
	}

	title, _ := obj["title"].(string)
	text, _ := obj["text"].(string)
	if strings.TrimSpace(text) == "" {
		return domdoc.Document{}, errors.New("document has no text")
	}
	return domdoc.Reconstruct(id, title, text, modTime), nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Pattern returns the glob the repository loads from.
func (r *FileRepo) Pattern() string { return r.pattern }

// All returns every loaded document ordered by ID.
func (r *FileRepo) All() []domdoc.Document {
	r.mu.RLock()
	docs := make([]domdoc.Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.RUnlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
	return docs
}

// Get returns a document by ID.
func (r *FileRepo) Get(_ context.Context, id string) (domdoc.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return domdoc.Document{}, fmt.Errorf("%s: %w", id, domain.ErrDocumentNotFound)
	}
	return doc, nil
}

// GetMany returns the documents that exist among ids, keyed by ID.
func (r *FileRepo) GetMany(_ context.Context, ids []string) (map[string]domdoc.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domdoc.Document, len(ids))
	for _, id := range ids {
		if doc, ok := r.docs[id]; ok {
			out[id] = doc
		}
	}
	return out, nil
}

// Put is not supported; the files are the source of truth.
func (r *FileRepo) Put(context.Context, domdoc.Document) error { return domain.ErrReadOnlyStore }

// PutMany is not supported.
func (r *FileRepo) PutMany(context.Context, []domdoc.Document) error { return domain.ErrReadOnlyStore }

// Delete is not supported.
func (r *FileRepo) Delete(context.Context, string) error { return domain.ErrReadOnlyStore }

// Count returns the number of loaded documents.
func (r *FileRepo) Count(context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs), nil
}

// Head returns the token of the newest recorded change. A process that
// restores an index built from the current files resumes from here.
func (r *FileRepo) Head() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strconv.FormatUint(r.seq, 10)
}

// ChangedSince returns IDs changed after the sequence number encoded in token.
func (r *FileRepo) ChangedSince(_ context.Context, token string, limit int) ([]string, string, error) {
	var after uint64
	if token != "" {
		v, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return nil, token, fmt.Errorf("%w: %q", errBadToken, token)
		}
		after = v
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	start := sort.Search(len(r.changes), func(i int) bool { return r.changes[i].seq > after })
	end := len(r.changes)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start == end {
		return nil, token, nil
	}
	ids := make([]string, 0, end-start)
	for _, c := range r.changes[start:end] {
		ids = append(ids, c.id)
	}
	return ids, strconv.FormatUint(r.changes[end-1].seq, 10), nil
}
