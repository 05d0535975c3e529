package document

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNew_Valid(t *testing.T) {
	doc, err := New("doc-1", "Мысықтар", "Мысық ұйықтап жатыр.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.ID() != "doc-1" {
		t.Errorf("ID() = %q", doc.ID())
	}
	if doc.Title() != "Мысықтар" {
		t.Errorf("Title() = %q", doc.Title())
	}
	if doc.Text() != "Мысық ұйықтап жатыр." {
		t.Errorf("Text() = %q", doc.Text())
	}
	if doc.UpdatedAt().IsZero() {
		t.Error("UpdatedAt() should be set")
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		title string
		text  string
	}{
		{"empty id", "", "", "text"},
		{"bad id chars", "doc 1", "", "text"},
		{"id too long", strings.Repeat("a", MaxIDLength+1), "", "text"},
		{"empty text", "doc-1", "title", ""},
		{"blank text", "doc-1", "title", "   "},
		{"text too large", "doc-1", "", strings.Repeat("x", MaxTextSize+1)},
		{"invalid utf8", "doc-1", "", "ok\xff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.id, tt.title, tt.text); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReconstruct_SkipsValidation(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := Reconstruct("7", "", "", ts)
	if doc.ID() != "7" || !doc.UpdatedAt().Equal(ts) {
		t.Errorf("unexpected document %+v", doc)
	}
}

func TestRerankText(t *testing.T) {
	tests := []struct {
		name  string
		title string
		text  string
		max   int
		want  string
	}{
		{"title and text", "猫", "猫在睡觉", 400, "猫. 猫在睡觉"},
		{"text only", "", "猫在睡觉", 400, "猫在睡觉"},
		{"title only", "标题", "", 400, "标题"},
		{"neither", " ", "", 400, "无内容"},
		{"truncated by runes", "", "一二三四五", 3, "一二三..."},
		{"exact length kept", "", "一二三", 3, "一二三"},
		{"no limit", "", "一二三四五", 0, "一二三四五"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Reconstruct("d", tt.title, tt.text, time.Time{})
			if got := doc.RerankText(tt.max); got != tt.want {
				t.Errorf("RerankText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRerankText_ValidUTF8AfterCut(t *testing.T) {
	doc := Reconstruct("d", "", strings.Repeat("қазақ", 200), time.Time{})
	got := doc.RerankText(DefaultRerankChars)
	if !utf8.ValidString(got) {
		t.Fatal("truncated text is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != DefaultRerankChars+3 {
		t.Errorf("rune count = %d, want %d", n, DefaultRerankChars+3)
	}
}
