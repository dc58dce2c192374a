package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/metrics"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/references"
	"github.com/starford/synapse/internal/textindex"
	"github.com/starford/synapse/internal/vectorindex"
)

// RemoveLink removes the link source→target on the user's behalf. The link
// stays suppressed until the content of either note changes materially.
func (r *Registry) RemoveLink(ctx context.Context, source, target string) (models.Override, error) {
	o, err := r.removeLink(ctx, source, target)
	metrics.Mutations.WithLabelValues("remove_link", metrics.Result(err)).Inc()
	return o, err
}

func (r *Registry) removeLink(ctx context.Context, source, target string) (models.Override, error) {
	if err := r.lock(ctx); err != nil {
		return models.Override{}, fmt.Errorf("registry: remove link: %w", err)
	}
	defer r.unlock()

	r.view.Lock()
	exists := slices.ContainsFunc(r.links.Outgoing(source), func(l models.Link) bool { return l.Target == target })
	if !exists {
		r.view.Unlock()
		return models.Override{}, fmt.Errorf("registry: remove link %s -> %s: %w", source, target, apperr.ErrNotFound)
	}
	o, diff := r.links.Suppress(r.corpus(), source, target)
	r.updateGauges()
	r.view.Unlock()

	r.logger.Info("link suppressed", slog.String("source", source), slog.String("target", target))
	r.emit(Event{Kind: EventLinkSuppressed, NoteID: source, Links: diff})
	return o, nil
}

// RestoreLink drops the user override for source→target and recomputes the
// links of source.
func (r *Registry) RestoreLink(ctx context.Context, source, target string) error {
	err := r.restoreLink(ctx, source, target)
	metrics.Mutations.WithLabelValues("restore_link", metrics.Result(err)).Inc()
	return err
}

func (r *Registry) restoreLink(ctx context.Context, source, target string) error {
	if err := r.lock(ctx); err != nil {
		return fmt.Errorf("registry: restore link: %w", err)
	}
	defer r.unlock()

	r.view.Lock()
	diff, ok := r.links.Unsuppress(r.corpus(), source, target)
	r.updateGauges()
	r.view.Unlock()
	if !ok {
		return fmt.Errorf("registry: restore link %s -> %s: %w", source, target, apperr.ErrNotFound)
	}

	r.emit(Event{Kind: EventLinkRestored, NoteID: source, Links: diff})
	return nil
}

// Verify checks that every derived index agrees with the notes. Each
// disagreement is reported as an apperr.ErrIndexCorruption, joined.
func (r *Registry) Verify() error {
	r.view.RLock()
	err := r.verifyLocked()
	r.view.RUnlock()

	if err != nil {
		metrics.ConsistencyChecks.WithLabelValues("corrupt").Inc()
	} else {
		metrics.ConsistencyChecks.WithLabelValues("ok").Inc()
	}
	return err
}

func (r *Registry) verifyLocked() error {
	var errs []error
	corrupt := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", apperr.ErrIndexCorruption, fmt.Sprintf(format, args...)))
	}

	if len(r.order) != len(r.notes) {
		corrupt("order holds %d ids for %d notes", len(r.order), len(r.notes))
	}
	for _, id := range r.order {
		if _, ok := r.notes[id]; !ok {
			corrupt("order lists unknown note %q", id)
		}
	}

	expected := make(map[string]map[string]struct{})
	dims := r.vectors.Dims()
	for id, n := range r.notes {
		text, indexed := r.text.Text(id)
		switch blank := strings.TrimSpace(n.Text) == ""; {
		case blank && indexed:
			corrupt("text index holds blank note %q", id)
		case !blank && !indexed:
			corrupt("text index misses note %q", id)
		case !blank && text != n.Text:
			corrupt("text index holds stale text for %q", id)
		}

		stored, ok := r.vectors.Vector(id)
		switch {
		case n.HasVector() && !ok:
			corrupt("vector index misses note %q", id)
		case !n.HasVector() && ok:
			corrupt("vector index holds note %q without embedding", id)
		case ok && len(n.Embedding) != dims:
			corrupt("note %q has %d dimensions, index holds %d", id, len(n.Embedding), dims)
		case ok && !sameDirection(stored, n.Embedding):
			corrupt("vector index holds stale vector for %q", id)
		}

		for _, c := range n.Concepts {
			if expected[c] == nil {
				expected[c] = make(map[string]struct{})
			}
			expected[c][id] = struct{}{}
		}
	}
	for _, id := range r.text.IDs() {
		if _, ok := r.notes[id]; !ok {
			corrupt("text index holds unknown note %q", id)
		}
	}
	for _, id := range r.vectors.IDs() {
		if _, ok := r.notes[id]; !ok {
			corrupt("vector index holds unknown note %q", id)
		}
	}

	for _, label := range slices.Sorted(maps.Keys(r.concepts)) {
		if !maps.Equal(r.concepts[label], expected[label]) {
			corrupt("concept %q membership is stale", label)
		}
	}
	for label := range expected {
		if _, ok := r.concepts[label]; !ok {
			corrupt("concept %q missing", label)
		}
	}

	for _, l := range r.links.All() {
		switch {
		case l.Source == l.Target:
			corrupt("self link on %q", l.Source)
		case r.notes[l.Source] == nil:
			corrupt("link from unknown note %q", l.Source)
		case r.notes[l.Target] == nil:
			corrupt("link to unknown note %q", l.Target)
		}
	}
	for _, o := range r.links.Overrides() {
		if r.notes[o.Source] == nil || r.notes[o.Target] == nil {
			corrupt("override %s -> %s references an unknown note", o.Source, o.Target)
		}
	}

	fresh := references.New(r.refs.Config())
	fresh.Load(r.refNotes())
	if !slices.Equal(fresh.All(), r.refs.All()) {
		corrupt("references disagree with note contents")
	}

	if err := r.vectors.Check(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sameDirection reports whether two vectors point the same way.
func sameDirection(a, b []float32) bool {
	return slices.Equal(a, b) || vectorindex.Cosine(a, b) >= 1-1e-5
}

// Rebuild reconstructs every derived index from the notes. With reembed the
// collaborators run again for every note first, which is the only way out of
// a dimension mismatch; on failure nothing changes.
func (r *Registry) Rebuild(ctx context.Context, reembed bool) error {
	err := r.rebuild(ctx, reembed)
	metrics.Mutations.WithLabelValues("rebuild", metrics.Result(err)).Inc()
	return err
}

func (r *Registry) rebuild(ctx context.Context, reembed bool) error {
	if err := r.lock(ctx); err != nil {
		return fmt.Errorf("registry: rebuild: %w", err)
	}
	defer r.unlock()

	r.view.RLock()
	notes := make([]models.Note, 0, len(r.order))
	for _, id := range r.order {
		notes = append(notes, r.notes[id].Clone())
	}
	r.view.RUnlock()

	if reembed {
		dims := r.cfg.Dimensions
		for i, n := range notes {
			p, err := r.prepare(ctx, n.ID, n.Title, n.Body)
			if err != nil {
				return fmt.Errorf("registry: rebuild: %w", err)
			}
			if len(p.embedding) > 0 {
				if dims == 0 {
					dims = len(p.embedding)
				}
				if len(p.embedding) != dims {
					return fmt.Errorf("registry: rebuild %s: %w: got %d, want %d", n.ID, apperr.ErrDimensionMismatch, len(p.embedding), dims)
				}
			}
			notes[i].Text = p.text
			notes[i].Concepts = p.concepts
			notes[i].Embedding = p.embedding
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("registry: rebuild: %w", err)
	}

	r.view.Lock()
	for _, n := range notes {
		stored := r.notes[n.ID]
		stored.Text, stored.Concepts, stored.Embedding = n.Text, n.Concepts, n.Embedding
	}
	r.reindexLocked(nil)
	r.relinkAllLocked()
	if reembed {
		r.halted = nil
	}
	r.view.Unlock()

	r.logger.Info("indexes rebuilt", slog.Int("notes", len(notes)), slog.Bool("reembed", reembed))
	r.emit(Event{Kind: EventRebuilt})
	return nil
}

// reindexLocked rebuilds the concept map, the text and reference indices
// from the notes and installs graph, or a graph built from the embeddings
// when graph is nil.
func (r *Registry) reindexLocked(graph *vectorindex.Index) {
	r.concepts = make(map[string]map[string]struct{})
	r.text = textindex.New()
	if graph == nil {
		dims := r.cfg.Dimensions
		for _, n := range r.notes {
			if n.HasVector() {
				dims = len(n.Embedding)
				break
			}
		}
		graph = vectorindex.New(dims, r.cfg.Vector)
		for _, id := range r.order {
			if n := r.notes[id]; n.HasVector() {
				if err := graph.Insert(id, n.Embedding); err != nil {
					r.logger.Error("vector insert failed", slog.String("id", id), slog.String("error", err.Error()))
				}
			}
		}
	}
	r.vectors = graph
	for _, id := range r.order {
		n := r.notes[id]
		r.linkConcepts(n)
		if strings.TrimSpace(n.Text) != "" {
			r.text.Index(id, n.Text)
		}
	}
	r.refs.Load(r.refNotes())
	r.version++
}

// refNotes lists every note in insertion order for the reference index.
func (r *Registry) refNotes() []references.Note {
	out := make([]references.Note, 0, len(r.order))
	for _, id := range r.order {
		if n, ok := r.notes[id]; ok {
			out = append(out, refNote(n))
		}
	}
	return out
}

// relinkAllLocked recomputes the links of every note from scratch. Overrides survive.
func (r *Registry) relinkAllLocked() {
	r.links.ResetLinks()
	for _, id := range slices.Sorted(maps.Keys(r.notes)) {
		r.links.Recompute(r.corpus(), id)
	}
	r.updateGauges()
}
