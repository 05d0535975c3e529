package document

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

const (
	// MaxIDLength is the maximum document identifier length.
	MaxIDLength = 256
	// MaxTextSize is the maximum document text size in bytes.
	MaxTextSize = 163840 // 160KB
	// DefaultRerankChars bounds the cross-encoder input per document.
	DefaultRerankChars = 400

	emptyPlaceholder = "无内容"
	ellipsis         = "..."
)

// Document is the document aggregate (immutable value object).
// The embedding lives in the vector index keyed by ID, never on the document.
type Document struct {
	id        string
	title     string
	text      string
	updatedAt time.Time
}

// New validates and creates a Document.
// ID: ^[a-zA-Z0-9_.:-]+$, 1-256 chars. Text: non-empty, max 160KB. Title is optional.
func New(id, title, text string) (Document, error) {
	if err := ValidateID(id); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Document{}, fmt.Errorf("text is required")
	}
	if len(text) > MaxTextSize {
		return Document{}, fmt.Errorf("text too large (max %d bytes)", MaxTextSize)
	}
	if !utf8.ValidString(title) || !utf8.ValidString(text) {
		return Document{}, fmt.Errorf("title and text must be valid UTF-8")
	}
	return Document{id: id, title: title, text: text, updatedAt: time.Now().UTC()}, nil
}

// Reconstruct creates a Document without validation (storage hydration).
func Reconstruct(id, title, text string, updatedAt time.Time) Document {
	return Document{id: id, title: title, text: text, updatedAt: updatedAt}
}

// ValidateID checks a document identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("document ID is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("document ID too long (max %d)", MaxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("document ID must match %s", idRegex.String())
	}
	return nil
}

// ID returns the document identifier.
func (d *Document) ID() string { return d.id }

// Title returns the optional title.
func (d *Document) Title() string { return d.title }

// Text returns the indexed text field.
func (d *Document) Text() string { return d.text }

// UpdatedAt returns the last write time known to the store.
func (d *Document) UpdatedAt() time.Time { return d.updatedAt }

// RerankText builds the cross-encoder input: "title. text" when both are present,
// otherwise whichever is present, cut to maxRunes runes with "..." appended.
// A document with neither gets a fixed placeholder so the pair is still scorable.
func (d *Document) RerankText(maxRunes int) string {
	title := strings.TrimSpace(d.title)
	text := strings.TrimSpace(d.text)

	var s string
	switch {
	case title != "" && text != "":
		s = title + ". " + text
	case title != "":
		s = title
	case text != "":
		s = text
	default:
		return emptyPlaceholder
	}
	return truncateRunes(s, maxRunes)
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxRunes]) + ellipsis
}
