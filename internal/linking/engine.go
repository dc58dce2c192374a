// Package linking decides which notes link to which. Links are derived from
// vector similarity and concept overlap, recomputed for the neighbourhood of
// every mutation, and can be suppressed by the user.
package linking

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/starford/synapse/internal/checksum"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/vectorindex"
)

// scoreEpsilon absorbs float rounding at the acceptance boundary.
const scoreEpsilon = 1e-9

// Corpus is the read access the engine needs to the registry's state.
type Corpus interface {
	// Embedding returns the note's vector, nil when it has none.
	Embedding(id string) []float32
	// Concepts returns the note's sorted concept labels.
	Concepts(id string) []string
	// Text returns the note's normalized text.
	Text(id string) string
	// Nearest returns up to k neighbours of vec by descending cosine similarity.
	Nearest(vec []float32, k int, exclude ...string) []vectorindex.Result
}

// Diff lists the link changes produced by one engine operation.
type Diff struct {
	Added   []models.Link
	Removed []models.Link
}

// Empty reports whether the diff carries no change.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

func (d *Diff) merge(o Diff) {
	d.Added = append(d.Added, o.Added...)
	d.Removed = append(d.Removed, o.Removed...)
}

type pair struct {
	source, target string
}

// Engine owns the outgoing-link map and the suppression overrides. It is not
// safe for concurrent use; the registry serializes access.
type Engine struct {
	cfg       Config
	out       map[string]map[string]models.Link
	overrides map[pair]models.Override
	now       func() time.Time
}

// New creates an empty engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		out:       make(map[string]map[string]models.Link),
		overrides: make(map[pair]models.Override),
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Candidates scores the top-k neighbours of id and returns the accepted
// links, honouring overrides. Overrides whose note content moved on are lifted.
func (e *Engine) Candidates(c Corpus, id string) []models.Link {
	vec := c.Embedding(id)
	if len(vec) == 0 {
		return nil
	}
	concepts := c.Concepts(id)

	var links []models.Link
	for _, r := range c.Nearest(vec, e.cfg.TopK, id) {
		if r.ID == id || e.suppressed(c, id, r.ID) {
			continue
		}
		overlap := Jaccard(concepts, c.Concepts(r.ID))
		score := e.cfg.SimilarityWeight*r.Similarity + e.cfg.ConceptWeight*overlap
		if score < e.cfg.Threshold-scoreEpsilon {
			continue
		}
		links = append(links, models.Link{
			Source:  id,
			Target:  r.ID,
			Reason:  e.cfg.reason(r.Similarity, overlap),
			Score:   score,
			Cosine:  r.Similarity,
			Overlap: overlap,
		})
	}
	slices.SortFunc(links, compareLinks)
	return links
}

// Recompute replaces id's outgoing links with a fresh candidate set.
func (e *Engine) Recompute(c Corpus, id string) Diff {
	fresh := e.Candidates(c, id)
	old := e.out[id]

	var d Diff
	next := make(map[string]models.Link, len(fresh))
	for _, l := range fresh {
		next[l.Target] = l
		if prev, ok := old[l.Target]; !ok || prev != l {
			d.Added = append(d.Added, l)
		}
	}
	for _, target := range slices.Sorted(maps.Keys(old)) {
		if _, ok := next[target]; !ok {
			d.Removed = append(d.Removed, old[target])
		}
	}
	if len(next) == 0 {
		delete(e.out, id)
	} else {
		e.out[id] = next
	}
	return d
}

// Relink recomputes the neighbourhood of an upserted note: the note itself,
// every note that linked to it before, and its current top-k neighbours.
// Notes are visited in id order and the result depends only on the corpus,
// so relinking an unchanged note is a no-op.
func (e *Engine) Relink(c Corpus, id string) Diff {
	affected := map[string]struct{}{id: {}}
	for _, s := range e.sources(id) {
		affected[s] = struct{}{}
	}
	if vec := c.Embedding(id); len(vec) > 0 {
		for _, r := range c.Nearest(vec, e.cfg.TopK, id) {
			affected[r.ID] = struct{}{}
		}
	}

	var d Diff
	for _, n := range slices.Sorted(maps.Keys(affected)) {
		d.merge(e.Recompute(c, n))
	}
	return d
}

// Drop retires every link with id as source or target and every override
// mentioning id, then recomputes the notes that linked to it. It must run
// after id left the corpus.
func (e *Engine) Drop(c Corpus, id string) Diff {
	var d Diff
	sources := e.sources(id)
	for _, target := range slices.Sorted(maps.Keys(e.out[id])) {
		d.Removed = append(d.Removed, e.out[id][target])
	}
	delete(e.out, id)
	for p := range e.overrides {
		if p.source == id || p.target == id {
			delete(e.overrides, p)
		}
	}
	for _, s := range sources {
		d.merge(e.Recompute(c, s))
	}
	return d
}

// Suppress removes the link source→target and records an override so that
// recomputation does not recreate it until either note changes.
func (e *Engine) Suppress(c Corpus, source, target string) (models.Override, Diff) {
	o := models.Override{
		Source:       source,
		Target:       target,
		ContentHash:  checksum.Parts(c.Text(source), c.Text(target)),
		SourceVector: slices.Clone(c.Embedding(source)),
		TargetVector: slices.Clone(c.Embedding(target)),
		CreatedAt:    e.now().UTC(),
	}
	e.overrides[pair{source, target}] = o

	var d Diff
	if l, ok := e.out[source][target]; ok {
		delete(e.out[source], target)
		if len(e.out[source]) == 0 {
			delete(e.out, source)
		}
		d.Removed = append(d.Removed, l)
	}
	return o, d
}

// Unsuppress drops the override for source→target and recomputes source.
// It reports false when no override existed.
func (e *Engine) Unsuppress(c Corpus, source, target string) (Diff, bool) {
	p := pair{source, target}
	if _, ok := e.overrides[p]; !ok {
		return Diff{}, false
	}
	delete(e.overrides, p)
	return e.Recompute(c, source), true
}

// suppressed reports whether an override still holds for source→target,
// lifting it when the content changed and either embedding drifted.
func (e *Engine) suppressed(c Corpus, source, target string) bool {
	p := pair{source, target}
	o, ok := e.overrides[p]
	if !ok {
		return false
	}
	if o.ContentHash == checksum.Parts(c.Text(source), c.Text(target)) {
		return true
	}
	tol := e.cfg.SuppressionTolerance
	if vectorindex.Drift(o.SourceVector, c.Embedding(source)) <= tol &&
		vectorindex.Drift(o.TargetVector, c.Embedding(target)) <= tol {
		return true
	}
	delete(e.overrides, p)
	return false
}

// sources returns the ids with an outgoing link to id, sorted.
func (e *Engine) sources(id string) []string {
	var out []string
	for s, targets := range e.out {
		if _, ok := targets[id]; ok {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// Outgoing returns id's links ordered by score.
func (e *Engine) Outgoing(id string) []models.Link {
	links := slices.Collect(maps.Values(e.out[id]))
	slices.SortFunc(links, compareLinks)
	return links
}

// Backlinks returns the links targeting id ordered by score, then source.
func (e *Engine) Backlinks(id string) []models.Link {
	var links []models.Link
	for _, targets := range e.out {
		if l, ok := targets[id]; ok {
			links = append(links, l)
		}
	}
	slices.SortFunc(links, func(a, b models.Link) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Source, b.Source)
	})
	return links
}

// All returns every link ordered by source, then rank.
func (e *Engine) All() []models.Link {
	var links []models.Link
	for _, s := range slices.Sorted(maps.Keys(e.out)) {
		links = append(links, e.Outgoing(s)...)
	}
	return links
}

// Len returns the number of links.
func (e *Engine) Len() int {
	n := 0
	for _, targets := range e.out {
		n += len(targets)
	}
	return n
}

// Overrides returns every override ordered by source and target.
func (e *Engine) Overrides() []models.Override {
	out := slices.Collect(maps.Values(e.overrides))
	slices.SortFunc(out, func(a, b models.Override) int {
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
	return out
}

// Override returns the override for source→target, if any.
func (e *Engine) Override(source, target string) (models.Override, bool) {
	o, ok := e.overrides[pair{source, target}]
	return o, ok
}

// Load replaces the engine state with persisted links and overrides.
func (e *Engine) Load(links []models.Link, overrides []models.Override) {
	e.Reset()
	for _, l := range links {
		if e.out[l.Source] == nil {
			e.out[l.Source] = make(map[string]models.Link)
		}
		e.out[l.Source][l.Target] = l
	}
	for _, o := range overrides {
		e.overrides[pair{o.Source, o.Target}] = o
	}
}

// Reset drops all links and overrides.
func (e *Engine) Reset() {
	clear(e.out)
	clear(e.overrides)
}

// ResetLinks drops all links but keeps the overrides.
func (e *Engine) ResetLinks() {
	clear(e.out)
}

// Jaccard returns |a∩b| / |a∪b| for two sorted, deduplicated label sets.
// Two empty sets have no overlap.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var inter, i, j int
	for i < len(a) && j < len(b) {
		switch c := cmp.Compare(a[i], b[j]); {
		case c == 0:
			inter++
			i++
			j++
		case c < 0:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func compareLinks(a, b models.Link) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Cosine, a.Cosine); c != 0 {
		return c
	}
	return cmp.Compare(a.Target, b.Target)
}
