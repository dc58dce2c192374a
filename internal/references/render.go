package references

import (
	"regexp"
	"unicode/utf8"

	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/parser"
)

// Render writes the mentions among refs into body as [[Title|text]]
// wikilinks at their first occurrence. Frontmatter and text already inside a
// wikilink are left alone; a mention that cannot be found verbatim is skipped.
// title returns the title to link to for a note id.
func Render(body string, refs []models.Reference, title func(id string) (string, bool)) string {
	from := parser.BodyOffset(body)
	for _, r := range refs {
		if r.Kind != models.RefMention || r.Target == "" {
			continue
		}
		name, ok := title(r.Target)
		if !ok {
			continue
		}
		start, end, found := findMention(body, from, r.Label)
		if !found {
			continue
		}
		matched := body[start:end]
		link := "[[" + name + "|" + matched + "]]"
		if matched == name {
			link = "[[" + name + "]]"
		}
		body = body[:start] + link + body[end:]
	}
	return body
}

// findMention locates the first whole-word, case-insensitive occurrence of
// label in s at or after from that is not part of a wikilink.
func findMention(s string, from int, label string) (int, int, bool) {
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(label))
	if err != nil {
		return 0, 0, false
	}
	spans := parser.WikiLinkSpans(s)
	for _, loc := range re.FindAllStringIndex(s[from:], -1) {
		start, end := loc[0]+from, loc[1]+from
		if wholeWord(s, start, end) && !overlaps(spans, start, end) {
			return start, end, true
		}
	}
	return 0, 0, false
}

func wholeWord(s string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(s[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		if r, _ := utf8.DecodeRuneInString(s[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

func overlaps(spans [][]int, start, end int) bool {
	for _, sp := range spans {
		if start < sp[1] && end > sp[0] {
			return true
		}
	}
	return false
}
