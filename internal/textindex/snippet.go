package textindex

import (
	"strings"
	"unicode/utf8"
)

// DefaultSnippetMargin is the number of bytes of context kept on each side of a match.
const DefaultSnippetMargin = 30

// Snippet returns the match at span with up to margin bytes of surrounding
// context, newlines flattened to spaces. Cuts land on rune boundaries and are
// marked with an ellipsis.
func Snippet(text string, span Span, margin int) string {
	if margin < 0 {
		margin = DefaultSnippetMargin
	}
	start := max(0, min(span.Start, len(text))-margin)
	end := min(len(text), max(span.End, span.Start)+margin)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text[start:end])))
	if end < len(text) {
		b.WriteString("...")
	}
	return b.String()
}
