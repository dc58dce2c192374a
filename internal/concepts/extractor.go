// Package concepts provides the default rule-based concept extractor: salient
// words, acronyms and hyphenated technical terms, normalized to folded labels.
package concepts

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/starford/synapse/internal/fold"
)

var (
	acronymRe = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
	hyphenRe  = regexp.MustCompile(`[\p{L}\p{N}]+(?:-[\p{L}\p{N}]+)+`)
	wordRe    = regexp.MustCompile(`\p{L}[\p{L}\p{N}]*`)
	cleanRe   = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// Config tunes the extractor.
type Config struct {
	MaxConcepts int      `yaml:"max_concepts"`
	MinLength   int      `yaml:"min_length"`
	Stopwords   []string `yaml:"stopwords"`
}

// DefaultConfig mirrors the limits notes were historically tagged with.
func DefaultConfig() Config {
	return Config{MaxConcepts: 15, MinLength: 3}
}

// Extractor turns note text into a set of concept labels. It is safe for
// concurrent use.
type Extractor struct {
	cfg  Config
	stop map[string]struct{}
}

// New creates an extractor with the built-in stopwords plus cfg.Stopwords.
func New(cfg Config) *Extractor {
	d := DefaultConfig()
	if cfg.MaxConcepts <= 0 {
		cfg.MaxConcepts = d.MaxConcepts
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = d.MinLength
	}
	stop := make(map[string]struct{}, len(builtinStopwords)+len(cfg.Stopwords))
	for _, w := range builtinStopwords {
		stop[fold.Label(w)] = struct{}{}
	}
	for _, w := range cfg.Stopwords {
		stop[fold.Label(w)] = struct{}{}
	}
	return &Extractor{cfg: cfg, stop: stop}
}

type candidate struct {
	label string
	count int
	first int
	boost int
}

// Extract returns the sorted concept labels of text. Labels are ranked by
// kind (acronyms and compound terms first), then frequency, then first
// appearance before the cap applies.
func (e *Extractor) Extract(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]*candidate)
	add := func(raw string, pos, boost int) {
		minLen := e.cfg.MinLength
		if boost == 2 {
			minLen = 2
		}
		label := e.clean(raw, minLen)
		if label == "" {
			return
		}
		c, ok := seen[label]
		if !ok {
			c = &candidate{label: label, first: pos}
			seen[label] = c
		}
		c.count++
		c.boost = max(c.boost, boost)
	}

	for _, loc := range acronymRe.FindAllStringIndex(text, -1) {
		add(text[loc[0]:loc[1]], loc[0], 2)
	}
	for _, loc := range hyphenRe.FindAllStringIndex(text, -1) {
		add(text[loc[0]:loc[1]], loc[0], 1)
	}
	for _, loc := range wordRe.FindAllStringIndex(text, -1) {
		add(text[loc[0]:loc[1]], loc[0], 0)
	}

	ranked := make([]*candidate, 0, len(seen))
	for _, c := range seen {
		ranked = append(ranked, c)
	}
	slices.SortFunc(ranked, func(a, b *candidate) int {
		if c := cmp.Compare(b.boost, a.boost); c != 0 {
			return c
		}
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.first, b.first)
	})
	if len(ranked) > e.cfg.MaxConcepts {
		ranked = ranked[:e.cfg.MaxConcepts]
	}

	out := make([]string, len(ranked))
	for i, c := range ranked {
		out[i] = c.label
	}
	slices.Sort(out)
	return out, nil
}

// clean normalizes a raw term to a label, or returns "" when the term is not
// a concept. Acronyms may be shorter than the configured minimum.
func (e *Extractor) clean(raw string, minLen int) string {
	s := cleanRe.ReplaceAllString(raw, "")
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	s = strings.Trim(s, "-")
	s = fold.Label(s)
	if len([]rune(s)) < minLen {
		return ""
	}
	if !strings.ContainsFunc(s, unicode.IsLetter) {
		return ""
	}
	if _, stop := e.stop[s]; stop {
		return ""
	}
	return s
}
