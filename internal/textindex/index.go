// Package textindex provides an in-memory inverted index over note text with
// literal and regular-expression matching under optional case and diacritic
// folding.
package textindex

import (
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/fold"
)

// gramSize is the n-gram length of the posting lists.
const gramSize = 3

// Options controls how a pattern is matched.
type Options struct {
	CaseSensitive   bool `json:"case_sensitive"`
	AccentSensitive bool `json:"accent_sensitive"`
	Regex           bool `json:"regex"`
}

func (o Options) fold() fold.Options {
	return fold.Options{Case: !o.CaseSensitive, Accents: !o.AccentSensitive}
}

// Span is a byte range [Start, End) into the indexed text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Match lists every span of one document matching a pattern.
type Match struct {
	ID    string `json:"id"`
	Spans []Span `json:"spans"`
}

// view is a folded rendition of a document text with offsets back to the original.
type view struct {
	text string
	offs []int
}

// document is immutable once indexed; views are derived lazily.
type document struct {
	id    string
	text  string
	once  [4]sync.Once
	views [4]view
}

func viewKey(o fold.Options) int {
	k := 0
	if o.Case {
		k |= 1
	}
	if o.Accents {
		k |= 2
	}
	return k
}

func (d *document) view(o fold.Options) view {
	k := viewKey(o)
	d.once[k].Do(func() {
		text, offs := fold.New(o).Map(d.text)
		d.views[k] = view{text: text, offs: offs}
	})
	return d.views[k]
}

// Index is an inverted n-gram index over document texts. The posting lists
// are built over the fully folded text, which is the coarsest view, so they
// prune candidates for every option combination without losing matches.
type Index struct {
	mu    sync.RWMutex
	docs  map[string]*document
	grams map[string]map[string]struct{}
}

// New creates an empty index.
func New() *Index {
	return &Index{
		docs:  make(map[string]*document),
		grams: make(map[string]map[string]struct{}),
	}
}

// Index adds or replaces the text stored for id.
func (x *Index) Index(id, text string) {
	doc := &document{id: id, text: text}
	full := doc.view(fold.Options{Case: true, Accents: true}).text

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(id)
	x.docs[id] = doc
	for g := range grams(full) {
		set, ok := x.grams[g]
		if !ok {
			set = make(map[string]struct{})
			x.grams[g] = set
		}
		set[id] = struct{}{}
	}
}

// Remove drops id from the index. Unknown ids are ignored.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

func (x *Index) removeLocked(id string) {
	doc, ok := x.docs[id]
	if !ok {
		return
	}
	full := doc.view(fold.Options{Case: true, Accents: true}).text
	for g := range grams(full) {
		if set, ok := x.grams[g]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(x.grams, g)
			}
		}
	}
	delete(x.docs, id)
}

// Len returns the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Text returns the indexed text for id.
func (x *Index) Text(id string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	doc, ok := x.docs[id]
	if !ok {
		return "", false
	}
	return doc.text, true
}

// IDs returns the indexed ids in ascending order.
func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.docs))
	for id := range x.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Search returns a lazy sequence of documents matching pattern, in ascending
// id order. The candidate set is fixed when Search returns, so later index
// mutations never show up in a sequence already handed out. A malformed
// regular expression fails with apperr.ErrInvalidPattern. An empty pattern
// matches nothing.
func (x *Index) Search(pattern string, opts Options) (iter.Seq[Match], error) {
	m, err := newMatcher(pattern, opts)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return func(func(Match) bool) {}, nil
	}

	candidates := x.candidates(m)
	return func(yield func(Match) bool) {
		for _, doc := range candidates {
			spans := m.find(doc)
			if len(spans) == 0 {
				continue
			}
			if !yield(Match{ID: doc.id, Spans: spans}) {
				return
			}
		}
	}, nil
}

func (x *Index) candidates(m *matcher) []*document {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []*document
	if m.re == nil && len(m.coarse) >= gramSize {
		out = x.gramCandidatesLocked(m.coarse)
	} else {
		out = make([]*document, 0, len(x.docs))
		for _, doc := range x.docs {
			out = append(out, doc)
		}
	}
	slices.SortFunc(out, func(a, b *document) int { return strings.Compare(a.id, b.id) })
	return out
}

func (x *Index) gramCandidatesLocked(coarse string) []*document {
	var smallest map[string]struct{}
	var sets []map[string]struct{}
	for g := range grams(coarse) {
		set, ok := x.grams[g]
		if !ok {
			return nil
		}
		sets = append(sets, set)
		if smallest == nil || len(set) < len(smallest) {
			smallest = set
		}
	}
	var out []*document
next:
	for id := range smallest {
		for _, set := range sets {
			if _, ok := set[id]; !ok {
				continue next
			}
		}
		out = append(out, x.docs[id])
	}
	return out
}

// matcher holds a compiled pattern for one Search call.
type matcher struct {
	opts    Options
	literal string
	coarse  string
	re      *regexp.Regexp
}

func newMatcher(pattern string, opts Options) (*matcher, error) {
	m := &matcher{opts: opts}
	if opts.Regex {
		expr := pattern
		if !opts.AccentSensitive {
			expr = fold.String(expr, fold.Options{Accents: true})
		}
		if !opts.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidPattern, err)
		}
		m.re = re
		return m, nil
	}
	m.literal = fold.String(pattern, opts.fold())
	m.coarse = fold.String(pattern, fold.Options{Case: true, Accents: true})
	return m, nil
}

func (m *matcher) find(doc *document) []Span {
	var (
		v    view
		locs [][]int
	)
	if m.re != nil {
		// Case is handled by (?i); only diacritics are folded in the text.
		v = doc.view(fold.Options{Accents: !m.opts.AccentSensitive})
		for _, loc := range m.re.FindAllStringIndex(v.text, -1) {
			if loc[1] > loc[0] {
				locs = append(locs, loc)
			}
		}
	} else {
		v = doc.view(m.opts.fold())
		locs = literalIndex(v.text, m.literal)
	}
	if len(locs) == 0 {
		return nil
	}
	spans := make([]Span, 0, len(locs))
	for _, loc := range locs {
		start, end := fold.Origin(v.offs, loc[0], loc[1])
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// literalIndex returns the non-overlapping occurrences of sub in s.
func literalIndex(s, sub string) [][]int {
	if sub == "" {
		return nil
	}
	var out [][]int
	for pos := 0; pos <= len(s)-len(sub); {
		i := strings.Index(s[pos:], sub)
		if i < 0 {
			break
		}
		start := pos + i
		out = append(out, []int{start, start + len(sub)})
		pos = start + len(sub)
	}
	return out
}

// grams yields the distinct byte n-grams of s.
func grams(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if len(s) < gramSize {
			return
		}
		seen := make(map[string]struct{}, len(s))
		for i := 0; i+gramSize <= len(s); i++ {
			g := s[i : i+gramSize]
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			if !yield(g) {
				return
			}
		}
	}
}
