package document

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kailas-cloud/crossling/internal/domain"
	domdoc "github.com/kailas-cloud/crossling/internal/domain/document"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS documents_updated_at_idx ON documents (updated_at, id);
`

// pgConn is the consumer interface over a pgx pool or connection (ISP).
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepo stores documents in a PostgreSQL table. Deletes are soft so that they
// show up in the change log; the sync token is the (updated_at, id) keyset position.
type PostgresRepo struct {
	conn pgConn
}

// NewPostgres creates a PostgreSQL document repository.
func NewPostgres(conn pgConn) *PostgresRepo {
	return &PostgresRepo{conn: conn}
}

// Migrate creates the documents table when missing.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	if _, err := r.conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

// Get returns a live document by ID.
func (r *PostgresRepo) Get(ctx context.Context, id string) (domdoc.Document, error) {
	var title, text string
	var updated time.Time
	err := r.conn.QueryRow(ctx,
		`SELECT title, text, updated_at FROM documents WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&title, &text, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domdoc.Document{}, fmt.Errorf("%s: %w", id, domain.ErrDocumentNotFound)
		}
		return domdoc.Document{}, fmt.Errorf("select %s: %w", id, err)
	}
	return domdoc.Reconstruct(id, title, text, updated), nil
}

// GetMany returns the live documents among ids, keyed by ID.
func (r *PostgresRepo) GetMany(ctx context.Context, ids []string) (map[string]domdoc.Document, error) {
	out := make(map[string]domdoc.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn.Query(ctx,
		`SELECT id, title, text, updated_at FROM documents WHERE id = ANY($1) AND deleted_at IS NULL`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select %d documents: %w", len(ids), err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, title, text string
		var updated time.Time
		if err := rows.Scan(&id, &title, &text, &updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out[id] = domdoc.Reconstruct(id, title, text, updated)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// Put creates or replaces a document.
func (r *PostgresRepo) Put(ctx context.Context, doc domdoc.Document) error {
	return r.PutMany(ctx, []domdoc.Document{doc})
}

// PutMany upserts documents in a single statement.
func (r *PostgresRepo) PutMany(ctx context.Context, docs []domdoc.Document) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]string, len(docs))
	titles := make([]string, len(docs))
	texts := make([]string, len(docs))
	for i := range docs {
		ids[i], titles[i], texts[i] = docs[i].ID(), docs[i].Title(), docs[i].Text()
	}
	_, err := r.conn.Exec(ctx, `
INSERT INTO documents (id, title, text, updated_at, deleted_at)
SELECT id, title, text, now(), NULL FROM unnest($1::text[], $2::text[], $3::text[]) AS t(id, title, text)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title, text = EXCLUDED.text, updated_at = now(), deleted_at = NULL`,
		ids, titles, texts,
	)
	if err != nil {
		return fmt.Errorf("upsert %d documents: %w", len(docs), err)
	}
	return nil
}

// Delete soft-deletes a document.
func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.conn.Exec(ctx,
		`UPDATE documents SET deleted_at = now(), updated_at = now(), text = '' WHERE id = $1 AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, domain.ErrDocumentNotFound)
	}
	return nil
}

// Count returns the number of live documents.
func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.conn.QueryRow(ctx, `SELECT count(*) FROM documents WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// ChangedSince returns IDs written or deleted after token in (updated_at, id) order.
func (r *PostgresRepo) ChangedSince(ctx context.Context, token string, limit int) ([]string, string, error) {
	after, afterID, err := parseKeysetToken(token)
	if err != nil {
		return nil, token, err
	}
	rows, err := r.conn.Query(ctx, `
SELECT id, updated_at FROM documents
WHERE (updated_at, id) > ($1, $2) AND updated_at <= now() - make_interval(secs => $3)
ORDER BY updated_at, id
LIMIT $4`,
		after, afterID, SettleWindow.Seconds(), limit,
	)
	if err != nil {
		return nil, token, fmt.Errorf("read change log: %w", err)
	}
	defer rows.Close()

	var ids []string
	next := token
	for rows.Next() {
		var id string
		var updated time.Time
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, token, fmt.Errorf("scan change: %w", err)
		}
		ids = append(ids, id)
		next = formatKeysetToken(updated, id)
	}
	if err := rows.Err(); err != nil {
		return nil, token, fmt.Errorf("iterate changes: %w", err)
	}
	return ids, next, nil
}

func formatKeysetToken(ts time.Time, id string) string {
	return strconv.FormatInt(ts.UnixMicro(), 10) + "/" + id
}

func parseKeysetToken(token string) (time.Time, string, error) {
	if token == "" {
		return time.Unix(0, 0).UTC(), "", nil
	}
	micros, id, ok := strings.Cut(token, "/")
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: %q", errBadToken, token)
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %q", errBadToken, token)
	}
	return time.UnixMicro(us).UTC(), id, nil
}
