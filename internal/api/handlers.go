package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/noteservice"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/textindex"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

// noteID extracts the note id from the URL (everything after /api/notes/).
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fnote.md).
func noteID(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// decodeBody reads a JSON body into v and validates it when v supports it.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	if vv, ok := v.(interface{ Validate() error }); ok {
		if err := vv.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return false
		}
	}
	return true
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", apperr.ErrInvalidInput, name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes with optional pagination and filtering
//	@Tags			notes
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			concept	query		string	false	"Filter by concept"
//	@Param			sort	query		string	false	"Sort field"	Enums(updated_at, title, id)
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, "list notes", err)
		return
	}

	items, total, err := h.svc.ListNotes(r.Context(), limit, offset, q.Get("concept"), q.Get("sort"))
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: total})
}

// GetNote handles GET /api/notes/*.
//
//	@Summary		Get a single note by id
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	NoteDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := noteID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	note, err := h.svc.GetNote(r.Context(), id)
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(note.Checksum))
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	note, err := h.svc.CreateNote(r.Context(), req.ID, []byte(req.Content))
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(note.Checksum))
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/*.
//
//	@Summary		Update a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id			path	string				true	"Note id"
//	@Param			If-Match	header	string				false	"Content checksum for optimistic concurrency"
//	@Param			body		body	UpdateNoteRequest	true	"Updated content"
//	@Success		200		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id := noteID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	var req UpdateNoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	note, err := h.svc.UpdateNote(r.Context(), id, []byte(req.Content), ifMatch)
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(note.Checksum))
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/*.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			id	path	string	true	"Note id"
//	@Success		204	"Note deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := noteID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	if err := h.svc.DeleteNote(r.Context(), id); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
//
//	@Summary		Exact, semantic or hybrid search across notes
//	@Tags			search
//	@Produce		json
//	@Param			q					query		string	true	"Search query"
//	@Param			mode				query		string	false	"Ranking mode"	Enums(exact, semantic, hybrid)
//	@Param			case_sensitive		query		bool	false	"Match case"
//	@Param			accent_sensitive	query		bool	false	"Match diacritics"
//	@Param			regex				query		bool	false	"Treat q as a regular expression"
//	@Param			limit				query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	mode, err := search.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, "search", err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, "search", err)
		return
	}
	opts := search.Options{
		Mode:  mode,
		Limit: limit,
		Text: textindex.Options{
			CaseSensitive:   queryBool(r, "case_sensitive"),
			AccentSensitive: queryBool(r, "accent_sensitive"),
			Regex:           queryBool(r, "regex"),
		},
	}
	results, err := h.svc.Search(r.Context(), q, opts)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(mode, results))
}

// Links handles GET /api/links.
//
//	@Summary		Outgoing links of a note, or every link
//	@Tags			links
//	@Produce		json
//	@Param			id	query		string	false	"Note id"
//	@Success		200	{object}	LinksResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/links [get]
func (h *Handler) Links(w http.ResponseWriter, r *http.Request) {
	links, err := h.svc.Links(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, "links", err)
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{Links: links})
}

// RemoveLink handles DELETE /api/links.
//
//	@Summary		Remove a link; it stays removed until either note changes materially
//	@Tags			links
//	@Produce		json
//	@Param			source	query		string	true	"Source note id"
//	@Param			target	query		string	true	"Target note id"
//	@Success		200		{object}	OverrideResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/links [delete]
func (h *Handler) RemoveLink(w http.ResponseWriter, r *http.Request) {
	req := LinkRequest{Source: r.URL.Query().Get("source"), Target: r.URL.Query().Get("target")}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	o, err := h.svc.RemoveLink(r.Context(), req.Source, req.Target)
	if err != nil {
		writeError(w, "remove link", err)
		return
	}
	writeJSON(w, http.StatusOK, OverrideResponse{Source: o.Source, Target: o.Target, ContentHash: o.ContentHash})
}

// RestoreLink handles POST /api/links/restore.
//
//	@Summary		Lift a user link removal
//	@Tags			links
//	@Accept			json
//	@Param			body	body	LinkRequest	true	"Link to restore"
//	@Success		204		"Removal lifted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/links/restore [post]
func (h *Handler) RestoreLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.RestoreLink(r.Context(), req.Source, req.Target); err != nil {
		writeError(w, "restore link", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Backlinks handles GET /api/backlinks.
//
//	@Summary		Links pointing at a note
//	@Tags			links
//	@Produce		json
//	@Param			id	query		string	true	"Note id"
//	@Success		200	{object}	LinksResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/backlinks [get]
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'id' is required"))
		return
	}
	links, err := h.svc.Backlinks(r.Context(), id)
	if err != nil {
		writeError(w, "backlinks", err)
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{Links: links})
}

// References handles GET /api/references.
//
//	@Summary		Wikilinks and title mentions written in a note, or every reference
//	@Tags			references
//	@Produce		json
//	@Param			id	query		string	false	"Note id"
//	@Success		200	{object}	ReferencesResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/references [get]
func (h *Handler) References(w http.ResponseWriter, r *http.Request) {
	refs, err := h.svc.References(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, "references", err)
		return
	}
	writeJSON(w, http.StatusOK, ReferencesResponse{References: refs})
}

// Referrers handles GET /api/referrers.
//
//	@Summary		References pointing at a note
//	@Tags			references
//	@Produce		json
//	@Param			id	query		string	true	"Note id"
//	@Success		200	{object}	ReferencesResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/referrers [get]
func (h *Handler) Referrers(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'id' is required"))
		return
	}
	refs, err := h.svc.Referrers(r.Context(), id)
	if err != nil {
		writeError(w, "referrers", err)
		return
	}
	writeJSON(w, http.StatusOK, ReferencesResponse{References: refs})
}

// Linked handles GET /api/linked.
//
//	@Summary		Note body with title mentions rendered as wikilinks
//	@Tags			references
//	@Produce		json
//	@Param			id	query		string	true	"Note id"
//	@Success		200	{object}	LinkedResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/linked [get]
func (h *Handler) Linked(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'id' is required"))
		return
	}
	content, err := h.svc.LinkedContent(r.Context(), id)
	if err != nil {
		writeError(w, "linked", err)
		return
	}
	writeJSON(w, http.StatusOK, LinkedResponse{ID: id, Content: content})
}

// Similar handles GET /api/similar.
//
//	@Summary		Nearest notes by embedding
//	@Tags			links
//	@Produce		json
//	@Param			id	query		string	true	"Note id"
//	@Param			k	query		int		false	"Neighbour count (default 10)"
//	@Success		200	{object}	SimilarResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/similar [get]
func (h *Handler) Similar(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'id' is required"))
		return
	}
	k, err := queryInt(r, "k")
	if err != nil {
		writeError(w, "similar", err)
		return
	}
	if k == 0 {
		k = 10
	}
	notes, err := h.svc.Similar(r.Context(), id, k)
	if err != nil {
		writeError(w, "similar", err)
		return
	}
	writeJSON(w, http.StatusOK, SimilarResponse{Notes: notes})
}

// Concepts handles GET /api/concepts.
//
//	@Summary		Concept labels with note counts
//	@Tags			concepts
//	@Produce		json
//	@Success		200	{object}	ConceptsResponse
//	@Security		BearerAuth
//	@Router			/concepts [get]
func (h *Handler) Concepts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConceptsResponse{Concepts: h.svc.Concepts(r.Context())})
}

// Check handles GET /api/maintenance/check.
//
//	@Summary		Verify derived indices against the registry
//	@Tags			maintenance
//	@Produce		json
//	@Success		200	{object}	CheckResponse
//	@Failure		500	{object}	CheckResponse
//	@Security		BearerAuth
//	@Router			/maintenance/check [get]
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	resp := CheckResponse{OK: true, Stats: h.svc.Stats(r.Context())}
	status := http.StatusOK
	if err := h.svc.Check(r.Context()); err != nil {
		resp.OK = false
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// Rebuild handles POST /api/maintenance/rebuild.
//
//	@Summary		Rebuild derived indices, optionally re-embedding every note
//	@Tags			maintenance
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RebuildRequest	false	"Rebuild options"
//	@Success		200		{object}	CheckResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/maintenance/rebuild [post]
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.Rebuild(r.Context(), req.Reembed); err != nil {
		writeError(w, "rebuild", err)
		return
	}
	writeJSON(w, http.StatusOK, CheckResponse{OK: true, Stats: h.svc.Stats(r.Context())})
}
