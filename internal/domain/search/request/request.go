package request

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kailas-cloud/crossling/internal/domain"
)

// Search parameter limits.
const (
	// MaxQueryLength is the default maximum query length in characters.
	MaxQueryLength  = 1000
	DefaultPageSize = 10
	MaxPageSize     = 50
)

// Limits bounds what a single request may ask for. Zero fields fall back to the defaults above.
type Limits struct {
	MaxPageSize    int
	MaxQueryLength int
}

// Request is a validated search query.
type Request struct {
	query    string
	page     int
	pageSize int
	rerank   bool
}

// New validates search parameters. Every violation wraps domain.ErrInvalidRequest.
// page is 1-based; pageSize must be within [1, MaxPageSize].
func New(query string, page, pageSize int, rerank bool, limits Limits) (Request, error) {
	maxPage, maxQuery := limits.MaxPageSize, limits.MaxQueryLength
	if maxPage <= 0 {
		maxPage = MaxPageSize
	}
	if maxQuery <= 0 {
		maxQuery = MaxQueryLength
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return Request{}, fmt.Errorf("%w: query is required", domain.ErrInvalidRequest)
	}
	if !utf8.ValidString(query) {
		return Request{}, fmt.Errorf("%w: query must be valid UTF-8", domain.ErrInvalidRequest)
	}
	if utf8.RuneCountInString(query) > maxQuery {
		return Request{}, fmt.Errorf("%w: query too long (max %d chars)", domain.ErrInvalidRequest, maxQuery)
	}
	if page < 1 {
		return Request{}, fmt.Errorf("%w: page must be >= 1", domain.ErrInvalidRequest)
	}
	if pageSize < 1 || pageSize > maxPage {
		return Request{}, fmt.Errorf("%w: page_size must be between 1 and %d", domain.ErrInvalidRequest, maxPage)
	}

	return Request{query: query, page: page, pageSize: pageSize, rerank: rerank}, nil
}

// Query returns the trimmed query text.
func (r *Request) Query() string { return r.query }

// Page returns the 1-based page number.
func (r *Request) Page() int { return r.page }

// PageSize returns the number of results per page.
func (r *Request) PageSize() int { return r.pageSize }

// Rerank reports whether the cross-encoder stage was requested.
func (r *Request) Rerank() bool { return r.rerank }

// Offset returns the index of the first result on the requested page.
func (r *Request) Offset() int { return (r.page - 1) * r.pageSize }
