package registry

import (
	"log/slog"

	"github.com/starford/synapse/internal/linking"
	"github.com/starford/synapse/internal/metrics"
	"github.com/starford/synapse/internal/references"
	"github.com/starford/synapse/internal/textindex"
	"github.com/starford/synapse/internal/vectorindex"
)

// EventKind names a registry event.
type EventKind string

const (
	EventNoteUpserted   EventKind = "note.upserted"
	EventNoteRemoved    EventKind = "note.removed"
	EventLinkSuppressed EventKind = "link.suppressed"
	EventLinkRestored   EventKind = "link.restored"
	EventRebuilt        EventKind = "index.rebuilt"
)

// Event describes a completed mutation and the link changes it caused.
type Event struct {
	Kind    EventKind
	NoteID  string
	Created bool
	Links   linking.Diff
}

// Observer receives events synchronously. It must not call mutating
// registry methods.
type Observer func(Event)

func (r *Registry) emit(ev Event) {
	metrics.LinkChanges.WithLabelValues("added").Add(float64(len(ev.Links.Added)))
	metrics.LinkChanges.WithLabelValues("removed").Add(float64(len(ev.Links.Removed)))
	if r.observer == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("observer panicked", slog.String("event", string(ev.Kind)), slog.Any("panic", p))
		}
	}()
	r.observer(ev)
}

// corpus exposes registry state to the link and reference engines. Callers hold view.
type corpus struct {
	r *Registry
}

func (r *Registry) corpus() corpus {
	return corpus{r: r}
}

func (c corpus) Embedding(id string) []float32 {
	if n, ok := c.r.notes[id]; ok {
		return n.Embedding
	}
	return nil
}

func (c corpus) Concepts(id string) []string {
	if n, ok := c.r.notes[id]; ok {
		return n.Concepts
	}
	return nil
}

func (c corpus) Text(id string) string {
	if n, ok := c.r.notes[id]; ok {
		return n.Text
	}
	return ""
}

func (c corpus) Nearest(vec []float32, k int, exclude ...string) []vectorindex.Result {
	res, err := c.r.vectors.Query(vec, k, exclude...)
	if err != nil {
		c.r.logger.Error("vector query failed", slog.String("error", err.Error()))
		return nil
	}
	return res
}

// Mentioning returns the notes whose text contains phrase.
func (c corpus) Mentioning(phrase string) []string {
	matches, err := c.r.text.Search(phrase, textindex.Options{})
	if err != nil {
		return nil
	}
	var ids []string
	for m := range matches {
		ids = append(ids, m.ID)
	}
	return ids
}

var (
	_ linking.Corpus    = corpus{}
	_ references.Corpus = corpus{}
)
