// Package references tracks the links authors write themselves: [[wikilinks]]
// and plain mentions of another note's title. They are kept apart from the
// scored links and never influence them.
package references

import (
	"cmp"
	"maps"
	"path"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/starford/synapse/internal/fold"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/parser"
)

// Config holds the mention rules.
type Config struct {
	// DisableMentions keeps only explicit wikilinks.
	DisableMentions bool `json:"disable_mentions" yaml:"disable_mentions"`
	// MaxPerParagraph caps the mentions taken from one paragraph.
	MaxPerParagraph int `json:"max_per_paragraph" yaml:"max_per_paragraph"`
	// MinTitleLength is the shortest title, counted in letters and digits,
	// matched as a mention.
	MinTitleLength int `json:"min_title_length" yaml:"min_title_length"`
}

// DefaultConfig returns the default mention rules.
func DefaultConfig() Config {
	return Config{
		MaxPerParagraph: 3,
		MinTitleLength:  3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPerParagraph <= 0 {
		c.MaxPerParagraph = d.MaxPerParagraph
	}
	if c.MinTitleLength <= 0 {
		c.MinTitleLength = d.MinTitleLength
	}
	return c
}

// Corpus finds notes by their text.
type Corpus interface {
	// Mentioning returns the ids whose text contains phrase, ignoring case
	// and accents.
	Mentioning(phrase string) []string
}

// Note is the part of a note references derive from.
type Note struct {
	ID    string
	Title string
	Body  string // raw Markdown, wikilinks intact
	Text  string // normalized text, one paragraph per line
}

type wikilink struct {
	label string
	key   string
}

type doc struct {
	note  Note
	keys  []string
	title []string // folded title words, nil when too short to match
	links []wikilink
}

type word struct {
	folded     string
	start, end int
}

// Index holds the references of every note. It is not safe for concurrent
// use; the registry serializes access.
type Index struct {
	cfg    Config
	folder *fold.Folder
	docs   map[string]*doc
	byKey  map[string]map[string]struct{} // resolution key -> note ids
	byWord map[string]map[string]struct{} // first title word -> note ids
	labels map[string]map[string]struct{} // wikilink key -> sources
	out    map[string][]models.Reference
	in     map[string]map[string]struct{} // target -> sources
}

// New creates an empty index.
func New(cfg Config) *Index {
	x := &Index{
		cfg:    cfg.withDefaults(),
		folder: fold.New(fold.Options{Case: true, Accents: true}),
	}
	x.Reset()
	return x
}

// Config returns the effective configuration.
func (x *Index) Config() Config {
	return x.cfg
}

// Reset drops every note and reference.
func (x *Index) Reset() {
	x.docs = make(map[string]*doc)
	x.byKey = make(map[string]map[string]struct{})
	x.byWord = make(map[string]map[string]struct{})
	x.labels = make(map[string]map[string]struct{})
	x.out = make(map[string][]models.Reference)
	x.in = make(map[string]map[string]struct{})
}

// Load replaces the index contents with notes and derives every reference.
func (x *Index) Load(notes []Note) {
	x.Reset()
	for _, n := range notes {
		x.index(x.newDoc(n))
	}
	for _, id := range slices.Sorted(maps.Keys(x.docs)) {
		x.recompute(id)
	}
}

// Set installs or replaces n and recomputes every note whose references it
// can change: n itself and, when n is new or was retitled, the notes that
// referred to it or name it.
func (x *Index) Set(c Corpus, n Note) {
	prev, existed := x.docs[n.ID]
	if existed {
		x.unindex(prev)
	}
	d := x.newDoc(n)
	x.index(d)
	if existed && prev.note.Title == n.Title {
		x.recompute(n.ID)
		return
	}

	affected := map[string]struct{}{n.ID: {}}
	for s := range x.in[n.ID] {
		affected[s] = struct{}{}
	}
	for _, k := range d.keys {
		for s := range x.labels[k] {
			affected[s] = struct{}{}
		}
	}
	if !x.cfg.DisableMentions && len(d.title) > 0 {
		for _, s := range c.Mentioning(longest(d.title)) {
			if _, ok := x.docs[s]; ok {
				affected[s] = struct{}{}
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(affected)) {
		x.recompute(id)
	}
}

// Remove drops id and re-resolves the notes that referred to it.
func (x *Index) Remove(id string) {
	d, ok := x.docs[id]
	if !ok {
		return
	}
	x.unindex(d)
	delete(x.docs, id)
	x.setOut(id, nil)
	for _, s := range slices.Sorted(maps.Keys(x.in[id])) {
		x.recompute(s)
	}
}

// Outgoing returns the references written in id, wikilinks first, each
// group in document order.
func (x *Index) Outgoing(id string) []models.Reference {
	return slices.Clone(x.out[id])
}

// Incoming returns the references pointing at id ordered by source.
func (x *Index) Incoming(id string) []models.Reference {
	var refs []models.Reference
	for _, s := range slices.Sorted(maps.Keys(x.in[id])) {
		for _, r := range x.out[s] {
			if r.Target == id {
				refs = append(refs, r)
			}
		}
	}
	return refs
}

// All returns every reference ordered by source.
func (x *Index) All() []models.Reference {
	var refs []models.Reference
	for _, s := range slices.Sorted(maps.Keys(x.out)) {
		refs = append(refs, x.out[s]...)
	}
	return refs
}

// Len returns the number of references, dangling wikilinks included.
func (x *Index) Len() int {
	n := 0
	for _, refs := range x.out {
		n += len(refs)
	}
	return n
}

func (x *Index) newDoc(n Note) *doc {
	d := &doc{note: n, keys: x.keysFor(n)}
	if tw := x.words(n.Title); letters(tw) >= x.cfg.MinTitleLength {
		d.title = make([]string, len(tw))
		for i, w := range tw {
			d.title[i] = w.folded
		}
	}
	for _, target := range parser.WikiLinks(n.Body) {
		if k := x.linkKey(target); k != "" {
			d.links = append(d.links, wikilink{label: target, key: k})
		}
	}
	return d
}

func (x *Index) index(d *doc) {
	id := d.note.ID
	x.docs[id] = d
	for _, k := range d.keys {
		add(x.byKey, k, id)
	}
	if len(d.title) > 0 {
		add(x.byWord, d.title[0], id)
	}
	for _, l := range d.links {
		add(x.labels, l.key, id)
	}
}

func (x *Index) unindex(d *doc) {
	id := d.note.ID
	for _, k := range d.keys {
		del(x.byKey, k, id)
	}
	if len(d.title) > 0 {
		del(x.byWord, d.title[0], id)
	}
	for _, l := range d.links {
		del(x.labels, l.key, id)
	}
}

// recompute derives the references of id from scratch.
func (x *Index) recompute(id string) {
	d, ok := x.docs[id]
	if !ok {
		x.setOut(id, nil)
		return
	}
	var refs []models.Reference
	seen := make(map[string]struct{})
	for _, l := range d.links {
		target := x.resolve(l.key, id)
		if target == id {
			continue
		}
		if target != "" {
			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}
		}
		refs = append(refs, models.Reference{Source: id, Target: target, Label: l.label, Kind: models.RefWikilink})
	}
	if !x.cfg.DisableMentions {
		refs = append(refs, x.mentions(d, seen)...)
	}
	x.setOut(id, refs)
}

// mentions finds the titles of other notes in d's text, longest title first
// at each position. Every target is taken once, at its first occurrence, and
// no paragraph yields more than MaxPerParagraph mentions.
func (x *Index) mentions(d *doc, seen map[string]struct{}) []models.Reference {
	var refs []models.Reference
	for _, line := range strings.Split(d.note.Text, "\n") {
		ws := x.words(line)
		taken := 0
		for i := 0; i < len(ws) && taken < x.cfg.MaxPerParagraph; {
			target, n := x.longestTitle(ws[i:], d.note.ID)
			if n == 0 {
				i++
				continue
			}
			if _, dup := seen[target]; !dup {
				seen[target] = struct{}{}
				refs = append(refs, models.Reference{
					Source: d.note.ID,
					Target: target,
					Label:  line[ws[i].start:ws[i+n-1].end],
					Kind:   models.RefMention,
				})
				taken++
			}
			i += n
		}
	}
	return refs
}

// longestTitle returns the note whose title starts ws with the most words,
// ties going to the smaller id. self never matches.
func (x *Index) longestTitle(ws []word, self string) (string, int) {
	best, bestLen := "", 0
	for id := range x.byWord[ws[0].folded] {
		if id == self {
			continue
		}
		tw := x.docs[id].title
		if len(tw) > len(ws) || len(tw) < bestLen {
			continue
		}
		if !slices.EqualFunc(tw, ws[:len(tw)], func(t string, w word) bool { return t == w.folded }) {
			continue
		}
		if len(tw) > bestLen || id < best {
			best, bestLen = id, len(tw)
		}
	}
	return best, bestLen
}

// resolve maps a wikilink key to a note, preferring the smallest id other
// than self. It returns self when only self matches and "" when nothing does.
func (x *Index) resolve(key, self string) string {
	ids := x.byKey[key]
	best := ""
	for id := range ids {
		if id != self && (best == "" || id < best) {
			best = id
		}
	}
	if best == "" {
		if _, ok := ids[self]; ok {
			return self
		}
	}
	return best
}

func (x *Index) setOut(id string, refs []models.Reference) {
	for _, r := range x.out[id] {
		if r.Target != "" {
			del(x.in, r.Target, id)
		}
	}
	if len(refs) == 0 {
		delete(x.out, id)
		return
	}
	x.out[id] = refs
	for _, r := range refs {
		if r.Target != "" {
			add(x.in, r.Target, id)
		}
	}
}

// keysFor lists the names a wikilink may use for n: its title, its id with
// or without the extension, and its file name.
func (x *Index) keysFor(n Note) []string {
	stem := strings.TrimSuffix(n.ID, ".md")
	keys := []string{x.key(n.Title), x.key(n.ID), x.key(stem), x.key(path.Base(stem))}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	return slices.DeleteFunc(keys, func(k string) bool { return k == "" })
}

// linkKey drops the heading or block anchor of a wikilink target.
func (x *Index) linkKey(target string) string {
	if i := strings.IndexAny(target, "#^"); i >= 0 {
		target = target[:i]
	}
	return x.key(target)
}

func (x *Index) key(s string) string {
	return strings.Join(strings.Fields(x.folder.String(s)), " ")
}

// words splits s into runs of letters and digits.
func (x *Index) words(s string) []word {
	var out []word
	start := -1
	for i, r := range s {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, word{folded: x.folder.String(s[start:i]), start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, word{folded: x.folder.String(s[start:]), start: start, end: len(s)})
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

func letters(ws []word) int {
	n := 0
	for _, w := range ws {
		n += utf8.RuneCountInString(w.folded)
	}
	return n
}

func longest(ws []string) string {
	return slices.MaxFunc(ws, func(a, b string) int { return cmp.Compare(len(a), len(b)) })
}

func add(m map[string]map[string]struct{}, k, v string) {
	set, ok := m[k]
	if !ok {
		set = make(map[string]struct{})
		m[k] = set
	}
	set[v] = struct{}{}
}

func del(m map[string]map[string]struct{}, k, v string) {
	delete(m[k], v)
	if len(m[k]) == 0 {
		delete(m, k)
	}
}
