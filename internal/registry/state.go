package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/vectorindex"
)

// State is the persistable form of the registry. Graph may be nil, in
// which case Restore rebuilds the vector graph from the embeddings.
type State struct {
	Notes     []models.Note
	Links     []models.Link
	Overrides []models.Override
	Graph     *vectorindex.Snapshot
}

// State captures a consistent copy of the registry.
func (r *Registry) State() State {
	r.view.RLock()
	defer r.view.RUnlock()

	st := State{
		Notes:     make([]models.Note, 0, len(r.order)),
		Links:     r.links.All(),
		Overrides: r.links.Overrides(),
	}
	for _, id := range r.order {
		st.Notes = append(st.Notes, r.notes[id].Clone())
	}
	g := r.vectors.Snapshot()
	st.Graph = &g
	return st
}

// Restore replaces the registry contents with st. The persisted graph and
// links are installed as they are, so queries rank exactly as before the
// save; when they disagree with the notes they are recomputed instead.
func (r *Registry) Restore(ctx context.Context, st State) error {
	if err := r.lock(ctx); err != nil {
		return fmt.Errorf("registry: restore: %w", err)
	}
	defer r.unlock()

	notes := make(map[string]*models.Note, len(st.Notes))
	sorted := slices.Clone(st.Notes)
	slices.SortStableFunc(sorted, func(a, b models.Note) int { return cmp.Compare(a.Seq, b.Seq) })

	dims := 0
	var seq uint64
	order := make([]string, 0, len(sorted))
	for _, n := range sorted {
		if n.ID == "" {
			return fmt.Errorf("registry: restore: %w: note without id", apperr.ErrIndexCorruption)
		}
		if _, dup := notes[n.ID]; dup {
			return fmt.Errorf("registry: restore: %w: duplicate note %q", apperr.ErrIndexCorruption, n.ID)
		}
		if n.HasVector() {
			if dims == 0 {
				dims = len(n.Embedding)
			}
			if len(n.Embedding) != dims {
				return fmt.Errorf("registry: restore %s: %w: got %d, want %d", n.ID, apperr.ErrDimensionMismatch, len(n.Embedding), dims)
			}
		}
		c := n.Clone()
		c.Concepts = normalizeLabels(c.Concepts)
		seq = max(seq, c.Seq)
		notes[c.ID] = &c
		order = append(order, c.ID)
	}
	for _, id := range order {
		if n := notes[id]; n.Seq == 0 {
			seq++
			n.Seq = seq
		}
	}

	graph := r.restoreGraph(st.Graph, notes)

	r.view.Lock()
	defer r.view.Unlock()

	r.notes = notes
	r.order = order
	r.seq = seq
	r.reindexLocked(graph)
	r.links.Load(st.Links, st.Overrides)
	if err := r.verifyLocked(); err != nil {
		r.logger.Warn("persisted links disagree with notes, recomputing", slog.String("error", err.Error()))
		r.links.Load(nil, validOverrides(st.Overrides, notes))
		r.relinkAllLocked()
	}
	r.updateGauges()

	r.halted = nil
	if want := r.cfg.Dimensions; want != 0 && dims != 0 && dims != want {
		r.halted = fmt.Errorf("%w: stored embeddings have %d dimensions, provider has %d", apperr.ErrDimensionMismatch, dims, want)
		r.logger.Error("indexing halted", slog.String("error", r.halted.Error()))
	}

	r.logger.Info("registry restored",
		slog.Int("notes", len(notes)),
		slog.Int("links", r.links.Len()),
		slog.Bool("graph_restored", graph != nil),
	)
	return nil
}

// restoreGraph returns the persisted graph when it matches the notes'
// embeddings, nil otherwise.
func (r *Registry) restoreGraph(s *vectorindex.Snapshot, notes map[string]*models.Note) *vectorindex.Index {
	if s == nil {
		return nil
	}
	g, err := vectorindex.Restore(*s)
	if err != nil {
		r.logger.Warn("discarding persisted vector graph", slog.String("error", err.Error()))
		return nil
	}
	want := 0
	for id, n := range notes {
		if !n.HasVector() {
			continue
		}
		want++
		stored, ok := g.Vector(id)
		if !ok || !sameDirection(stored, n.Embedding) {
			r.logger.Warn("persisted vector graph is stale, rebuilding", slog.String("id", id))
			return nil
		}
	}
	if g.Len() != want {
		r.logger.Warn("persisted vector graph is stale, rebuilding", slog.Int("graph", g.Len()), slog.Int("notes", want))
		return nil
	}
	return g
}

func validOverrides(overrides []models.Override, notes map[string]*models.Note) []models.Override {
	return slices.DeleteFunc(slices.Clone(overrides), func(o models.Override) bool {
		return notes[o.Source] == nil || notes[o.Target] == nil
	})
}
