// Package registry owns the note corpus and keeps every derived index in
// step with it. Mutations are serialized; collaborator calls run before the
// in-memory cascade so readers only ever see whole states.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/checksum"
	"github.com/starford/synapse/internal/fold"
	"github.com/starford/synapse/internal/linking"
	"github.com/starford/synapse/internal/metrics"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/parser"
	"github.com/starford/synapse/internal/references"
	"github.com/starford/synapse/internal/textindex"
	"github.com/starford/synapse/internal/vectorindex"
)

// Extractor returns the concept labels of a text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// Embedder returns the embedding of a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds the registry settings.
type Config struct {
	Linking    linking.Config
	Vector     vectorindex.Config
	References references.Config
	// Dimensions pins the vector dimension; zero lets the first embedding decide.
	Dimensions int
	// ProviderTimeout bounds each collaborator call; zero means no bound
	// beyond the caller's context.
	ProviderTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithObserver registers a callback receiving every event after the
// cascade completes and before the mutation returns.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the single source of truth for notes.
type Registry struct {
	writeSem *semaphore.Weighted // one mutation at a time; waiters honor their context
	view     sync.RWMutex        // guards everything below; writers also hold writeSem

	cfg       Config
	extractor Extractor
	embedder  Embedder
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time

	notes    map[string]*models.Note
	order    []string
	seq      uint64
	concepts map[string]map[string]struct{}
	text     *textindex.Index
	vectors  *vectorindex.Index
	links    *linking.Engine
	refs     *references.Index
	version  uint64 // bumped whenever notes or their text change
	halted   error
}

// New creates an empty registry.
func New(extractor Extractor, embedder Embedder, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		writeSem:  semaphore.NewWeighted(1),
		cfg:       cfg,
		extractor: extractor,
		embedder:  embedder,
		logger:    slog.Default(),
		now:       time.Now,
		notes:     make(map[string]*models.Note),
		concepts:  make(map[string]map[string]struct{}),
		text:      textindex.New(),
		vectors:   vectorindex.New(cfg.Dimensions, cfg.Vector),
		links:     linking.New(cfg.Linking),
		refs:      references.New(cfg.References),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// prepared is the collaborator output for one note, computed before any
// shared state is touched.
type prepared struct {
	id        string
	title     string
	body      string
	text      string
	concepts  []string
	embedding []float32
}

// Upsert creates or replaces a note. Extraction and embedding run
// synchronously; when Upsert returns every index reflects the new content.
// On error, including cancellation, the registry is left unchanged.
func (r *Registry) Upsert(ctx context.Context, id, title, body string) (models.Note, error) {
	if strings.TrimSpace(id) == "" {
		return models.Note{}, fmt.Errorf("registry: upsert: %w: empty id", apperr.ErrInvalidInput)
	}
	start := time.Now()
	note, err := r.upsert(ctx, id, title, body)
	metrics.Mutations.WithLabelValues("upsert", metrics.Result(err)).Inc()
	metrics.UpsertDuration.Observe(time.Since(start).Seconds())
	return note, err
}

func (r *Registry) upsert(ctx context.Context, id, title, body string) (models.Note, error) {
	if err := r.lock(ctx); err != nil {
		return models.Note{}, fmt.Errorf("registry: upsert %s: %w", id, err)
	}
	defer r.unlock()

	if r.halted != nil {
		return models.Note{}, fmt.Errorf("registry: upsert %s: %w", id, r.halted)
	}

	p, err := r.prepare(ctx, id, title, body)
	if err != nil {
		return models.Note{}, err
	}
	if dims := r.vectors.Dims(); len(p.embedding) > 0 && dims != 0 && len(p.embedding) != dims {
		r.halt(fmt.Errorf("%w: provider returned %d dimensions, index holds %d", apperr.ErrDimensionMismatch, len(p.embedding), dims))
		return models.Note{}, fmt.Errorf("registry: upsert %s: %w", id, r.halted)
	}
	if err := ctx.Err(); err != nil {
		return models.Note{}, fmt.Errorf("registry: upsert %s: %w", id, err)
	}

	r.view.Lock()
	note, created, diff := r.apply(p)
	r.view.Unlock()

	r.logger.Debug("note upserted",
		slog.String("id", id),
		slog.Int("concepts", len(note.Concepts)),
		slog.Int("links_added", len(diff.Added)),
		slog.Int("links_removed", len(diff.Removed)),
	)
	r.emit(Event{Kind: EventNoteUpserted, NoteID: id, Created: created, Links: diff})
	return note, nil
}

// prepare normalizes the body and calls the collaborators.
func (r *Registry) prepare(ctx context.Context, id, title, body string) (prepared, error) {
	p := prepared{id: id, title: title, body: body, text: parser.Normalize(body)}
	input := embeddingInput(title, p.text)

	pctx := ctx
	if r.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.cfg.ProviderTimeout)
		defer cancel()
	}

	labels, err := r.extractor.Extract(pctx, input)
	if err != nil {
		metrics.ProviderFailures.WithLabelValues("extractor").Inc()
		return prepared{}, providerError(ctx, "extract concepts", id, err)
	}
	p.concepts = normalizeLabels(labels)

	if strings.TrimSpace(p.text) == "" {
		return p, nil
	}
	vec, err := r.embedder.Embed(pctx, input)
	if err == nil && len(vec) == 0 {
		err = fmt.Errorf("empty embedding")
	}
	if err != nil {
		metrics.ProviderFailures.WithLabelValues("embedder").Inc()
		return prepared{}, providerError(ctx, "embed", id, err)
	}
	p.embedding = slices.Clone(vec)
	return p, nil
}

// apply installs p and cascades through every index. It cannot fail.
func (r *Registry) apply(p prepared) (models.Note, bool, linking.Diff) {
	n, exists := r.notes[p.id]
	if !exists {
		r.seq++
		n = &models.Note{ID: p.id, Seq: r.seq}
		r.notes[p.id] = n
		r.order = append(r.order, p.id)
	}
	r.unlinkConcepts(n)

	n.Title = p.title
	n.Body = p.body
	n.Text = p.text
	n.Concepts = p.concepts
	n.Embedding = p.embedding
	n.ContentHash = checksum.Parts(p.title, p.body)
	n.UpdatedAt = r.now().UTC()

	r.linkConcepts(n)
	r.indexNote(n)
	r.version++
	diff := r.links.Relink(r.corpus(), p.id)
	r.refs.Set(r.corpus(), refNote(n))
	r.updateGauges()
	return n.Clone(), !exists, diff
}

// indexNote brings the text and vector index entries of n in line with it.
func (r *Registry) indexNote(n *models.Note) {
	if strings.TrimSpace(n.Text) == "" {
		r.text.Remove(n.ID)
	} else {
		r.text.Index(n.ID, n.Text)
	}
	if !n.HasVector() {
		r.vectors.Remove(n.ID)
		return
	}
	if err := r.vectors.Insert(n.ID, n.Embedding); err != nil {
		// Dimensions were checked before apply; this is an invariant violation.
		r.logger.Error("vector insert failed", slog.String("id", n.ID), slog.String("error", err.Error()))
	}
}

// Remove deletes a note and everything derived from it. It reports false
// when the note does not exist.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := r.remove(ctx, id)
	metrics.Mutations.WithLabelValues("remove", metrics.Result(err)).Inc()
	return removed, err
}

func (r *Registry) remove(ctx context.Context, id string) (bool, error) {
	if err := r.lock(ctx); err != nil {
		return false, fmt.Errorf("registry: remove %s: %w", id, err)
	}
	defer r.unlock()

	r.view.Lock()
	n, ok := r.notes[id]
	if !ok {
		r.view.Unlock()
		return false, nil
	}
	r.unlinkConcepts(n)
	delete(r.notes, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.text.Remove(id)
	r.vectors.Remove(id)
	r.version++
	diff := r.links.Drop(r.corpus(), id)
	r.refs.Remove(id)
	r.updateGauges()
	r.view.Unlock()

	r.logger.Debug("note removed", slog.String("id", id), slog.Int("links_removed", len(diff.Removed)))
	r.emit(Event{Kind: EventNoteRemoved, NoteID: id, Links: diff})
	return true, nil
}

// Get returns a snapshot of the note.
func (r *Registry) Get(id string) (models.Note, error) {
	r.view.RLock()
	defer r.view.RUnlock()
	n, ok := r.notes[id]
	if !ok {
		return models.Note{}, fmt.Errorf("registry: get %s: %w", id, apperr.ErrNotFound)
	}
	return n.Clone(), nil
}

// Has reports whether the note exists.
func (r *Registry) Has(id string) bool {
	r.view.RLock()
	defer r.view.RUnlock()
	_, ok := r.notes[id]
	return ok
}

// List returns every note in insertion order.
func (r *Registry) List() []models.Note {
	r.view.RLock()
	defer r.view.RUnlock()
	out := make([]models.Note, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.notes[id].Clone())
	}
	return out
}

// Len returns the number of notes.
func (r *Registry) Len() int {
	r.view.RLock()
	defer r.view.RUnlock()
	return len(r.notes)
}

// Links returns the outgoing links of a note.
func (r *Registry) Links(id string) ([]models.Link, error) {
	r.view.RLock()
	defer r.view.RUnlock()
	if _, ok := r.notes[id]; !ok {
		return nil, fmt.Errorf("registry: links %s: %w", id, apperr.ErrNotFound)
	}
	return r.links.Outgoing(id), nil
}

// Backlinks returns the links pointing at a note.
func (r *Registry) Backlinks(id string) ([]models.Link, error) {
	r.view.RLock()
	defer r.view.RUnlock()
	if _, ok := r.notes[id]; !ok {
		return nil, fmt.Errorf("registry: backlinks %s: %w", id, apperr.ErrNotFound)
	}
	return r.links.Backlinks(id), nil
}

// AllLinks returns every link ordered by source.
func (r *Registry) AllLinks() []models.Link {
	r.view.RLock()
	defer r.view.RUnlock()
	return r.links.All()
}

// References returns the wikilinks and title mentions written in a note.
func (r *Registry) References(id string) ([]models.Reference, error) {
	r.view.RLock()
	defer r.view.RUnlock()
	if _, ok := r.notes[id]; !ok {
		return nil, fmt.Errorf("registry: references %s: %w", id, apperr.ErrNotFound)
	}
	return r.refs.Outgoing(id), nil
}

// Referrers returns the references other notes make to a note.
func (r *Registry) Referrers(id string) ([]models.Reference, error) {
	r.view.RLock()
	defer r.view.RUnlock()
	if _, ok := r.notes[id]; !ok {
		return nil, fmt.Errorf("registry: referrers %s: %w", id, apperr.ErrNotFound)
	}
	return r.refs.Incoming(id), nil
}

// AllReferences returns every reference ordered by source.
func (r *Registry) AllReferences() []models.Reference {
	r.view.RLock()
	defer r.view.RUnlock()
	return r.refs.All()
}

// Overrides returns the user link suppressions.
func (r *Registry) Overrides() []models.Override {
	r.view.RLock()
	defer r.view.RUnlock()
	return r.links.Overrides()
}

// Neighbor is a note similar to another one.
type Neighbor struct {
	Note       models.Note `json:"note"`
	Similarity float64     `json:"similarity"`
}

// Similar returns up to k notes nearest to the given note, excluding itself.
func (r *Registry) Similar(id string, k int) ([]Neighbor, error) {
	r.view.RLock()
	defer r.view.RUnlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, fmt.Errorf("registry: similar %s: %w", id, apperr.ErrNotFound)
	}
	if !n.HasVector() {
		return []Neighbor{}, nil
	}
	out := []Neighbor{}
	for _, res := range r.corpus().Nearest(n.Embedding, k, id) {
		out = append(out, Neighbor{Note: r.notes[res.ID].Clone(), Similarity: res.Similarity})
	}
	return out, nil
}

// Concepts returns every concept label with the number of notes mentioning it.
func (r *Registry) Concepts() map[string]int {
	r.view.RLock()
	defer r.view.RUnlock()
	out := make(map[string]int, len(r.concepts))
	for label, ids := range r.concepts {
		out[label] = len(ids)
	}
	return out
}

// NotesWithConcept returns the sorted ids of notes mentioning label.
func (r *Registry) NotesWithConcept(label string) []string {
	r.view.RLock()
	defer r.view.RUnlock()
	ids := make([]string, 0)
	for id := range r.concepts[fold.Label(label)] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats summarizes the registry.
type Stats struct {
	Notes      int    `json:"notes"`
	Vectors    int    `json:"vectors"`
	Documents  int    `json:"documents"`
	Links      int    `json:"links"`
	References int    `json:"references"`
	Overrides  int    `json:"overrides"`
	Concepts   int    `json:"concepts"`
	Dimensions int    `json:"dimensions"`
	Halted     string `json:"halted,omitempty"`
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.view.RLock()
	defer r.view.RUnlock()
	s := Stats{
		Notes:      len(r.notes),
		Vectors:    r.vectors.Len(),
		Documents:  r.text.Len(),
		Links:      r.links.Len(),
		References: r.refs.Len(),
		Overrides:  len(r.links.Overrides()),
		Concepts:   len(r.concepts),
		Dimensions: r.vectors.Dims(),
	}
	if r.halted != nil {
		s.Halted = r.halted.Error()
	}
	return s
}

// Halted returns the error that stopped indexing, nil when writes are accepted.
func (r *Registry) Halted() error {
	r.view.RLock()
	defer r.view.RUnlock()
	return r.halted
}

// lock takes the write slot, giving up when ctx ends first.
func (r *Registry) lock(ctx context.Context) error {
	return r.writeSem.Acquire(ctx, 1)
}

func (r *Registry) unlock() { r.writeSem.Release(1) }

// halt stops indexing until a re-embedding rebuild. Callers hold the write slot.
func (r *Registry) halt(err error) {
	r.view.Lock()
	r.halted = err
	r.view.Unlock()
	r.logger.Error("indexing halted", slog.String("error", err.Error()))
}

// Read runs fn with a consistent view of the text and vector indices and
// note lookup. fn must not call back into mutating registry methods.
func (r *Registry) Read(fn func(v View)) {
	r.view.RLock()
	defer r.view.RUnlock()
	fn(View{r: r})
}

// View gives read access to one consistent registry state.
type View struct {
	r *Registry
}

// Note returns the note without copying its slices; callers must not modify it.
func (v View) Note(id string) (*models.Note, bool) {
	n, ok := v.r.notes[id]
	return n, ok
}

// Len returns the number of notes.
func (v View) Len() int { return len(v.r.notes) }

// Version identifies the note contents seen by the view. It changes with
// every mutation that touches a note.
func (v View) Version() uint64 { return v.r.version }

// Text returns the text index.
func (v View) Text() *textindex.Index { return v.r.text }

// Nearest queries the vector index.
func (v View) Nearest(vec []float32, k int, exclude ...string) ([]vectorindex.Result, error) {
	return v.r.vectors.Query(vec, k, exclude...)
}

func (r *Registry) linkConcepts(n *models.Note) {
	for _, c := range n.Concepts {
		ids, ok := r.concepts[c]
		if !ok {
			ids = make(map[string]struct{})
			r.concepts[c] = ids
		}
		ids[n.ID] = struct{}{}
	}
}

func (r *Registry) unlinkConcepts(n *models.Note) {
	for _, c := range n.Concepts {
		delete(r.concepts[c], n.ID)
		if len(r.concepts[c]) == 0 {
			delete(r.concepts, c)
		}
	}
}

func (r *Registry) updateGauges() {
	metrics.Notes.Set(float64(len(r.notes)))
	metrics.Links.Set(float64(r.links.Len()))
}

func refNote(n *models.Note) references.Note {
	return references.Note{ID: n.ID, Title: n.Title, Body: n.Body, Text: n.Text}
}

// embeddingInput is the text handed to both collaborators.
func embeddingInput(title, text string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return text
	}
	return title + "\n" + text
}

// normalizeLabels folds, deduplicates and sorts extractor output.
func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = fold.Label(l); l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// providerError reports a collaborator failure. Cancellation by the caller
// is passed through; anything else, timeouts included, is a provider failure.
func providerError(ctx context.Context, op, id string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("registry: %s %s: %w", op, id, ctxErr)
	}
	return fmt.Errorf("registry: %s %s: %w: %w", op, id, apperr.ErrProviderFailure, err)
}
