// Package search ranks notes for a query by exact text matches, embedding
// similarity or a weighted blend of both.
package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/metrics"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/textindex"
	"github.com/starford/synapse/internal/vectorindex"
)

// Mode selects the ranking signal.
type Mode string

const (
	ModeExact    Mode = "exact"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode validates a mode name; empty selects hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeExact, ModeSemantic, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("search: %w: unknown mode %q", apperr.ErrInvalidInput, s)
	}
}

// Config holds the search defaults.
type Config struct {
	MaxResults     int     `yaml:"max_results"`
	ExactWeight    float64 `yaml:"exact_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	SnippetMargin  int     `yaml:"snippet_margin"`
}

// DefaultConfig returns the default search settings.
func DefaultConfig() Config {
	return Config{
		MaxResults:     50,
		ExactWeight:    0.5,
		SemanticWeight: 0.5,
		SnippetMargin:  textindex.DefaultSnippetMargin,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxResults, validation.Required, validation.Min(1)),
		validation.Field(&c.ExactWeight, validation.Min(0.0)),
		validation.Field(&c.SemanticWeight, validation.Min(0.0)),
		validation.Field(&c.SnippetMargin, validation.Min(0)),
	)
}

// Options tune one query. Zero weights and limit fall back to the Config.
type Options struct {
	Mode           Mode
	Text           textindex.Options
	Limit          int
	ExactWeight    float64
	SemanticWeight float64
	MinScore       float64
}

// Explanation tells why a note matched.
type Explanation struct {
	Spans   []textindex.Span `json:"spans,omitempty"`
	Snippet string           `json:"snippet"`
	Summary string           `json:"summary"`
}

// Result is one ranked note.
type Result struct {
	Note        models.Note `json:"note"`
	Score       float64     `json:"score"`
	Exact       int         `json:"exact"`
	Similarity  float64     `json:"similarity"`
	Explanation Explanation `json:"explanation"`
}

// Coordinator answers queries against a registry.
type Coordinator struct {
	reg      *registry.Registry
	embedder registry.Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a coordinator. embedder embeds queries and must be the
// provider the registry embeds notes with.
func New(reg *registry.Registry, embedder registry.Embedder, cfg Config, logger *slog.Logger) *Coordinator {
	d := DefaultConfig()
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = d.MaxResults
	}
	if cfg.ExactWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.ExactWeight, cfg.SemanticWeight = d.ExactWeight, d.SemanticWeight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{reg: reg, embedder: embedder, cfg: cfg, logger: logger}
}

// Config returns the effective defaults.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Search ranks notes for query. An empty corpus yields an empty result,
// never an error; a malformed regular expression fails with
// apperr.ErrInvalidPattern regardless.
func (c *Coordinator) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}
	start := time.Now()
	res, err := c.search(ctx, query, opts)
	metrics.Searches.WithLabelValues(string(opts.Mode), metrics.Result(err)).Inc()
	metrics.SearchDuration.WithLabelValues(string(opts.Mode)).Observe(time.Since(start).Seconds())
	return res, err
}

func (c *Coordinator) search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = c.cfg.MaxResults
	}
	exactW, semW := opts.ExactWeight, opts.SemanticWeight
	if exactW == 0 && semW == 0 {
		exactW, semW = c.cfg.ExactWeight, c.cfg.SemanticWeight
	}
	wantSemantic := opts.Mode != ModeExact

	var qvec []float32
	if wantSemantic && strings.TrimSpace(query) != "" && c.reg.Len() > 0 {
		var err error
		if qvec, err = c.embed(ctx, query); err != nil {
			return nil, err
		}
	}

	results, err := c.collect(ctx, query, opts, qvec, limit, exactW, semW)
	if err != nil {
		return nil, err
	}

	if opts.MinScore != 0 {
		results = slices.DeleteFunc(results, func(r Result) bool { return r.Score < opts.MinScore })
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// maxScanAttempts bounds the text scans run outside the registry lock
// before the last one is taken while holding it.
const maxScanAttempts = 3

// collect scans the text index without holding the registry lock, then
// resolves the matches against the registry state they were found in. When a
// writer got in between, the scan is repeated.
func (c *Coordinator) collect(ctx context.Context, query string, opts Options, qvec []float32, limit int, exactW, semW float64) ([]Result, error) {
	wantExact := opts.Mode != ModeSemantic
	for attempt := 1; ; attempt++ {
		var (
			matches []textindex.Match
			version uint64
			err     error
		)
		if wantExact {
			var text *textindex.Index
			c.reg.Read(func(v registry.View) { text, version = v.Text(), v.Version() })
			if matches, err = scan(ctx, text, query, opts.Text); err != nil {
				return nil, err
			}
		}

		var (
			results []Result
			stale   bool
		)
		c.reg.Read(func(v registry.View) {
			if wantExact && v.Version() != version {
				if attempt < maxScanAttempts {
					stale = true
					return
				}
				if matches, err = scan(ctx, v.Text(), query, opts.Text); err != nil {
					return
				}
			}
			hits := make(map[string]*Result)
			c.collectExact(v, matches, hits)
			if qvec != nil {
				if err = c.collectSemantic(v, qvec, limit, wantExact, hits); err != nil {
					return
				}
			}
			results = c.rank(hits, opts.Mode, exactW, semW)
		})
		if err != nil {
			return nil, err
		}
		if !stale {
			return results, nil
		}
		metrics.SearchRescans.Inc()
	}
}

// scan runs the text query, checking ctx between documents.
func scan(ctx context.Context, text *textindex.Index, query string, opts textindex.Options) ([]textindex.Match, error) {
	seq, err := text.Search(query, opts)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	var matches []textindex.Match
	for m := range seq {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (c *Coordinator) embed(ctx context.Context, query string) ([]float32, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("search: embed query: %w", ctxErr)
		}
		return nil, fmt.Errorf("search: embed query: %w: %w", apperr.ErrProviderFailure, err)
	}
	return vec, nil
}

func (c *Coordinator) collectExact(v registry.View, matches []textindex.Match, hits map[string]*Result) {
	for _, m := range matches {
		n, ok := v.Note(m.ID)
		if !ok {
			continue
		}
		hits[m.ID] = &Result{
			Note:  n.Clone(),
			Exact: len(m.Spans),
			Explanation: Explanation{
				Spans:   m.Spans,
				Snippet: textindex.Snippet(n.Text, m.Spans[0], c.cfg.SnippetMargin),
			},
		}
	}
}

// collectSemantic adds the nearest notes. In hybrid mode notes found only by
// text also get their similarity, computed from their embedding.
func (c *Coordinator) collectSemantic(v registry.View, qvec []float32, k int, hybrid bool, hits map[string]*Result) error {
	nearest, err := v.Nearest(qvec, k)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for _, nb := range nearest {
		if r, ok := hits[nb.ID]; ok {
			r.Similarity = nb.Similarity
			continue
		}
		n, ok := v.Note(nb.ID)
		if !ok {
			continue
		}
		hits[nb.ID] = &Result{
			Note:        n.Clone(),
			Similarity:  nb.Similarity,
			Explanation: Explanation{Snippet: textindex.Snippet(n.Text, textindex.Span{}, 2*c.cfg.SnippetMargin)},
		}
	}
	if hybrid {
		for id, r := range hits {
			if r.Exact > 0 && !slices.ContainsFunc(nearest, func(nb vectorindex.Result) bool { return nb.ID == id }) {
				r.Similarity = vectorindex.Cosine(qvec, r.Note.Embedding)
			}
		}
	}
	return nil
}

func (c *Coordinator) rank(hits map[string]*Result, mode Mode, exactW, semW float64) []Result {
	maxCount := 0
	for _, r := range hits {
		maxCount = max(maxCount, r.Exact)
	}

	out := make([]Result, 0, len(hits))
	for _, r := range hits {
		switch mode {
		case ModeExact:
			r.Score = float64(r.Exact)
			r.Explanation.Summary = fmt.Sprintf("%d exact matches", r.Exact)
		case ModeSemantic:
			r.Score = r.Similarity
			r.Explanation.Summary = fmt.Sprintf("cosine similarity %.3f", r.Similarity)
		default:
			var exactPart float64
			if maxCount > 0 {
				exactPart = float64(r.Exact) / float64(maxCount)
			}
			r.Score = exactW*exactPart + semW*r.Similarity
			r.Explanation.Summary = fmt.Sprintf("%d exact matches, cosine similarity %.3f", r.Exact, r.Similarity)
		}
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Exact, a.Exact); c != 0 {
			return c
		}
		return cmp.Compare(a.Note.ID, b.Note.ID)
	})
	return out
}
