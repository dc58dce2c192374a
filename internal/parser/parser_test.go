package parser

import (
	"testing"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	input := []byte("---\ntitle: Hello\ntags:\n  - go\n---\n# Hello\nBody text.\n")
	r, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Title != "Hello" {
		t.Errorf("title = %q, want %q", r.Title, "Hello")
	}
	if r.Body != "# Hello\nBody text.\n" {
		t.Errorf("body = %q", r.Body)
	}
	if _, ok := r.Frontmatter["tags"]; !ok {
		t.Errorf("frontmatter = %v, want tags key", r.Frontmatter)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	r, err := Parse([]byte("# Just a heading\nSome text.\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %v", r.Frontmatter)
	}
	if r.Title != "Just a heading" {
		t.Errorf("title = %q, want %q", r.Title, "Just a heading")
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	r, err := Parse([]byte("---\n: invalid: yaml: {{{\n---\nBody\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on invalid YAML")
	}
}

func TestDeriveTitle_FrontmatterOverH1(t *testing.T) {
	title := deriveTitle(map[string]any{"title": "FM Title"}, "# H1 Title\ntext")
	if title != "FM Title" {
		t.Errorf("title = %q, want %q", title, "FM Title")
	}
}

func TestDeriveTitle_H1Fallback(t *testing.T) {
	title := deriveTitle(nil, "some text\n# My Heading\nmore")
	if title != "My Heading" {
		t.Errorf("title = %q, want %q", title, "My Heading")
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"blank", "  \n\n\t", ""},
		{"heading and emphasis", "# Title\n\nSome *emphasis* and **bold**.", "Title\nSome emphasis and bold."},
		{"link keeps label", "Read [the docs](https://example.com) now.", "Read the docs now."},
		{"wikilink alias", "See [[Note B|the other note]] and [[Note A]].", "See the other note and Note A."},
		{"inline code", "Run `go test` first.", "Run go test first."},
		{"fenced code", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
		{"list", "- one\n- two", "one\ntwo"},
		{"collapses spaces", "a    b\n\n\n\nc", "a b\nc"},
		{"drops html", "<div>hidden</div>\n\nshown", "shown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.in); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_StripsFrontmatter(t *testing.T) {
	got := Normalize("---\ntitle: X\n---\nCafé *culture*\n")
	if got != "Café culture" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestWikiLinks_DedupAndAliases(t *testing.T) {
	links := WikiLinks("See [[Note A]] and [[Note B|alias]].\nAlso [[Note A]] again.")
	if len(links) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(links))
	}
	if links[0] != "Note A" || links[1] != "Note B" {
		t.Errorf("links = %v", links)
	}
}

func TestWikiLinks_SkipsEmptyTargetsAndFrontmatter(t *testing.T) {
	if links := WikiLinks("see [[ ]] and [[|alias]]"); len(links) != 0 {
		t.Errorf("expected no links, got %v", links)
	}
	links := WikiLinks("---\nsource: \"[[Hidden]]\"\n---\nBody with [[Shown]].\n")
	if len(links) != 1 || links[0] != "Shown" {
		t.Errorf("links = %v, want [Shown]", links)
	}
}

func TestBodyOffset(t *testing.T) {
	raw := "---\ntitle: T\n---\nBody\n"
	if got := raw[BodyOffset(raw):]; got != "Body\n" {
		t.Errorf("body = %q", got)
	}
	if BodyOffset("Plain") != 0 {
		t.Error("offset without frontmatter should be 0")
	}
}
