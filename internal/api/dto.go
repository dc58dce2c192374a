package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/noteservice"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/textindex"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	ID      string `json:"id" example:"notes/hello.md" validate:"required"`
	Content string `json:"content" example:"# Hello\nWorld" validate:"required"`
}

// Validate checks the request.
func (r CreateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required, validation.By(mdSuffix)),
		validation.Field(&r.Content, validation.Required),
	)
}

// UpdateNoteRequest is the request body for updating a note.
type UpdateNoteRequest struct {
	Content string `json:"content" example:"# Updated\nContent" validate:"required"`
}

// Validate checks the request.
func (r UpdateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Required),
	)
}

// LinkRequest names one directed link.
type LinkRequest struct {
	Source string `json:"source" example:"notes/a.md" validate:"required"`
	Target string `json:"target" example:"notes/b.md" validate:"required"`
}

// Validate checks the request.
func (r LinkRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Source, validation.Required),
		validation.Field(&r.Target, validation.Required),
	)
}

// RebuildRequest controls POST /maintenance/rebuild.
type RebuildRequest struct {
	Reembed bool `json:"reembed"`
}

func mdSuffix(v any) error {
	s, _ := v.(string)
	if !strings.HasSuffix(s, ".md") {
		return validation.NewError("validation_md_suffix", "must end in .md")
	}
	return nil
}

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = noteservice.NoteDetail

// NoteListItem is a lightweight item in a list response (aliased from the domain layer).
type NoteListItem = noteservice.NoteListItem

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []NoteListItem `json:"notes" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	ID         string           `json:"id" example:"notes/hello.md" validate:"required"`
	Title      string           `json:"title" example:"Hello" validate:"required"`
	Score      float64          `json:"score" example:"0.82"`
	Exact      int              `json:"exact" example:"2"`
	Similarity float64          `json:"similarity" example:"0.64"`
	Spans      []textindex.Span `json:"spans,omitempty"`
	Snippet    string           `json:"snippet" example:"...matched text..."`
	Summary    string           `json:"summary" example:"2 exact matches, cosine similarity 0.640"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Mode    search.Mode    `json:"mode" example:"hybrid"`
	Results []SearchResult `json:"results" validate:"required"`
}

func toSearchResponse(mode search.Mode, results []search.Result) SearchResponse {
	out := SearchResponse{Mode: mode, Results: make([]SearchResult, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, SearchResult{
			ID:         r.Note.ID,
			Title:      r.Note.Title,
			Score:      r.Score,
			Exact:      r.Exact,
			Similarity: r.Similarity,
			Spans:      r.Explanation.Spans,
			Snippet:    r.Explanation.Snippet,
			Summary:    r.Explanation.Summary,
		})
	}
	return out
}

// LinksResponse wraps a list of links.
type LinksResponse struct {
	Links []models.Link `json:"links" validate:"required"`
}

// ReferencesResponse wraps authored wikilinks and title mentions.
type ReferencesResponse struct {
	References []models.Reference `json:"references" validate:"required"`
}

// LinkedResponse carries a note body with its mentions written as wikilinks.
type LinkedResponse struct {
	ID      string `json:"id" example:"notes/a.md" validate:"required"`
	Content string `json:"content" example:"Morning at the [[Cafe|cafe]]." validate:"required"`
}

// SimilarResponse wraps nearest neighbours.
type SimilarResponse struct {
	Notes []noteservice.Similar `json:"notes" validate:"required"`
}

// ConceptsResponse maps concept labels to note counts.
type ConceptsResponse struct {
	Concepts map[string]int `json:"concepts" validate:"required"`
}

// CheckResponse reports the consistency check.
type CheckResponse struct {
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	Stats registry.Stats `json:"stats"`
}

// OverrideResponse describes a recorded user link removal.
type OverrideResponse struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	ContentHash string `json:"content_hash"`
}
