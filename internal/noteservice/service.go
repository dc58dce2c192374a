// Package noteservice coordinates the vault files, the note registry and the
// search coordinator behind the HTTP and MCP surfaces.
package noteservice

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/parser"
	"github.com/starford/synapse/internal/references"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/storage"
	"github.com/starford/synapse/internal/vault"
)

// NoteDetail is the full representation of a note.
type NoteDetail struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Content     string             `json:"content"`
	Checksum    string             `json:"checksum"`
	Concepts    []string           `json:"concepts"`
	Frontmatter map[string]any     `json:"frontmatter,omitempty"`
	Links       []models.Link      `json:"links"`
	Backlinks   []models.Link      `json:"backlinks"`
	References  []models.Reference `json:"references"`
	Referrers   []models.Reference `json:"referrers"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Checksum  string    `json:"checksum"`
	Concepts  []string  `json:"concepts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Similar is a nearest-neighbour entry.
type Similar struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// Service coordinates storage, registry and search operations.
type Service struct {
	store  storage.Provider
	reg    *registry.Registry
	search *search.Coordinator
}

// NewService creates a new note service.
func NewService(store storage.Provider, reg *registry.Registry, co *search.Coordinator) *Service {
	return &Service{store: store, reg: reg, search: co}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// GetNote returns a note with its outgoing links and backlinks.
func (s *Service) GetNote(_ context.Context, id string) (*NoteDetail, error) {
	n, err := s.reg.Get(id)
	if err != nil {
		return nil, err
	}
	return s.buildNoteDetail(n)
}

// CreateNote writes a new note and indexes it. The file is removed again
// when indexing fails, so vault and registry stay in step.
func (s *Service) CreateNote(ctx context.Context, id string, content []byte) (*NoteDetail, error) {
	id, err := validateID(id)
	if err != nil {
		return nil, err
	}
	if s.reg.Has(id) {
		return nil, apperr.ErrAlreadyExists
	}
	if _, err := s.store.Read(id); err == nil {
		return nil, apperr.ErrAlreadyExists
	}
	if err := s.store.Write(id, content); err != nil {
		return nil, err
	}
	n, err := s.index(ctx, id, content)
	if err != nil {
		_ = s.store.Delete(id)
		return nil, err
	}
	return s.buildNoteDetail(n)
}

// UpdateNote writes updated content with optimistic concurrency: ifMatch,
// when set, must equal the current checksum. On indexing failure the
// previous file content is restored.
func (s *Service) UpdateNote(ctx context.Context, id string, content []byte, ifMatch string) (*NoteDetail, error) {
	current, err := s.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && ifMatch != current.ContentHash {
		return nil, apperr.ErrConflict
	}
	if err := s.store.Write(id, content); err != nil {
		return nil, err
	}
	n, err := s.index(ctx, id, content)
	if err != nil {
		_ = s.store.Write(id, []byte(current.Body))
		return nil, err
	}
	return s.buildNoteDetail(n)
}

// DeleteNote removes a note from the registry and then from the vault. When
// the file cannot be deleted the note is indexed again.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	current, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	removed, err := s.reg.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return apperr.ErrNotFound
	}
	if err := s.store.Delete(id); err != nil && !errors.Is(err, os.ErrNotExist) {
		if _, rerr := s.reg.Upsert(context.WithoutCancel(ctx), id, current.Title, current.Body); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// ListNotes returns a page of notes, optionally restricted to those carrying
// concept. sort is "title", "updated_at" (newest first) or empty for
// insertion order.
func (s *Service) ListNotes(_ context.Context, limit, offset int, concept, sort string) ([]NoteListItem, int, error) {
	notes := s.reg.List()
	if concept != "" {
		members := s.reg.NotesWithConcept(concept)
		notes = slices.DeleteFunc(notes, func(n models.Note) bool {
			_, found := slices.BinarySearch(members, n.ID)
			return !found
		})
	}
	switch sort {
	case "", "seq":
	case "title":
		slices.SortStableFunc(notes, func(a, b models.Note) int {
			return cmp.Or(cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title)), cmp.Compare(a.ID, b.ID))
		})
	case "updated_at":
		slices.SortStableFunc(notes, func(a, b models.Note) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	case "id":
		slices.SortFunc(notes, func(a, b models.Note) int { return cmp.Compare(a.ID, b.ID) })
	default:
		return nil, 0, fmt.Errorf("noteservice: %w: unknown sort %q", apperr.ErrInvalidInput, sort)
	}

	total := len(notes)
	offset = min(max(offset, 0), total)
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}
	items := make([]NoteListItem, 0, end-offset)
	for _, n := range notes[offset:end] {
		items = append(items, NoteListItem{
			ID:        n.ID,
			Title:     n.Title,
			Checksum:  n.ContentHash,
			Concepts:  nonNilSlice(n.Concepts),
			UpdatedAt: n.UpdatedAt,
		})
	}
	return items, total, nil
}

// Search delegates to the search coordinator.
func (s *Service) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return s.search.Search(ctx, query, opts)
}

// Links returns the outgoing links of id, or every link when id is empty.
func (s *Service) Links(_ context.Context, id string) ([]models.Link, error) {
	if id == "" {
		return nonNilSlice(s.reg.AllLinks()), nil
	}
	links, err := s.reg.Links(id)
	return nonNilSlice(links), err
}

// Backlinks returns the links pointing at id.
func (s *Service) Backlinks(_ context.Context, id string) ([]models.Link, error) {
	links, err := s.reg.Backlinks(id)
	return nonNilSlice(links), err
}

// References returns the wikilinks and title mentions written in id, or
// every reference when id is empty.
func (s *Service) References(_ context.Context, id string) ([]models.Reference, error) {
	if id == "" {
		return nonNilSlice(s.reg.AllReferences()), nil
	}
	refs, err := s.reg.References(id)
	return nonNilSlice(refs), err
}

// Referrers returns the references pointing at id.
func (s *Service) Referrers(_ context.Context, id string) ([]models.Reference, error) {
	refs, err := s.reg.Referrers(id)
	return nonNilSlice(refs), err
}

// LinkedContent returns the body of id with its title mentions written out
// as wikilinks. The vault file is not touched.
func (s *Service) LinkedContent(_ context.Context, id string) (string, error) {
	n, err := s.reg.Get(id)
	if err != nil {
		return "", err
	}
	refs, err := s.reg.References(id)
	if err != nil {
		return "", err
	}
	return references.Render(n.Body, refs, s.title), nil
}

func (s *Service) title(id string) (string, bool) {
	n, err := s.reg.Get(id)
	if err != nil {
		return "", false
	}
	return n.Title, true
}

// Similar returns the k notes closest to id.
func (s *Service) Similar(_ context.Context, id string, k int) ([]Similar, error) {
	nbs, err := s.reg.Similar(id, k)
	if err != nil {
		return nil, err
	}
	out := make([]Similar, 0, len(nbs))
	for _, nb := range nbs {
		out = append(out, Similar{ID: nb.Note.ID, Title: nb.Note.Title, Similarity: nb.Similarity})
	}
	return out, nil
}

// Concepts returns every concept label with its note count.
func (s *Service) Concepts(_ context.Context) map[string]int {
	return s.reg.Concepts()
}

// RemoveLink records a user removal of source -> target.
func (s *Service) RemoveLink(ctx context.Context, source, target string) (models.Override, error) {
	return s.reg.RemoveLink(ctx, source, target)
}

// RestoreLink lifts a user removal.
func (s *Service) RestoreLink(ctx context.Context, source, target string) error {
	return s.reg.RestoreLink(ctx, source, target)
}

// Check verifies every derived index against the registry.
func (s *Service) Check(_ context.Context) error {
	return s.reg.Verify()
}

// Rebuild recomputes the derived indices; reembed also re-runs the
// collaborators for every note.
func (s *Service) Rebuild(ctx context.Context, reembed bool) error {
	return s.reg.Rebuild(ctx, reembed)
}

// Stats summarizes the registry.
func (s *Service) Stats(_ context.Context) registry.Stats {
	return s.reg.Stats()
}

func (s *Service) index(ctx context.Context, id string, content []byte) (models.Note, error) {
	title, body, err := vault.Decode(id, content)
	if err != nil {
		return models.Note{}, fmt.Errorf("noteservice: %w: %w", apperr.ErrInvalidInput, err)
	}
	return s.reg.Upsert(ctx, id, title, body)
}

// buildNoteDetail constructs a NoteDetail from a registry snapshot.
func (s *Service) buildNoteDetail(n models.Note) (*NoteDetail, error) {
	d := &NoteDetail{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Body,
		Checksum:  n.ContentHash,
		Concepts:  nonNilSlice(n.Concepts),
		UpdatedAt: n.UpdatedAt,
	}
	if res, err := parser.Parse([]byte(n.Body)); err == nil {
		d.Frontmatter = res.Frontmatter
	}
	var err error
	if d.Links, err = s.reg.Links(n.ID); err != nil {
		return nil, err
	}
	if d.Backlinks, err = s.reg.Backlinks(n.ID); err != nil {
		return nil, err
	}
	if d.References, err = s.reg.References(n.ID); err != nil {
		return nil, err
	}
	if d.Referrers, err = s.reg.Referrers(n.ID); err != nil {
		return nil, err
	}
	d.Links = nonNilSlice(d.Links)
	d.Backlinks = nonNilSlice(d.Backlinks)
	d.References = nonNilSlice(d.References)
	d.Referrers = nonNilSlice(d.Referrers)
	return d, nil
}

// validateID normalizes a vault-relative note id.
func validateID(id string) (string, error) {
	id = vault.NoteID(strings.TrimSpace(id))
	switch {
	case id == "" || id == ".":
		return "", fmt.Errorf("noteservice: %w: id is required", apperr.ErrInvalidInput)
	case !strings.HasSuffix(id, ".md"):
		return "", fmt.Errorf("noteservice: %w: id must end in .md", apperr.ErrInvalidInput)
	case strings.HasPrefix(id, "../") || strings.HasPrefix(id, "/") || storage.IsHiddenPath(id):
		return "", fmt.Errorf("noteservice: %w: id outside the vault", apperr.ErrInvalidInput)
	}
	return id, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
