// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only Synapse tools for a local assistant via stdio.
package mcpserver

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/noteservice"
	"github.com/starford/synapse/internal/search"
)

// Config bounds the context handed to the assistant by retrieve_context.
type Config struct {
	MaxDocs      int     `yaml:"max_docs"`
	MinRelevance float64 `yaml:"min_relevance"`
	MaxChars     int     `yaml:"max_chars"`
}

// DefaultConfig returns the retrieval limits the assistant was tuned with.
func DefaultConfig() Config {
	return Config{MaxDocs: 3, MinRelevance: 0.35, MaxChars: 2000}
}

// Validate checks the config.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxDocs, validation.Required, validation.Min(1)),
		validation.Field(&c.MinRelevance, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MaxChars, validation.Required, validation.Min(1)),
	)
}

const defaultSearchLimit = 10

// Server wraps the MCP server with Synapse tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
	cfg Config
}

// New creates a new MCP server with all Synapse tools registered.
func New(svc *noteservice.Service, cfg Config) *Server {
	d := DefaultConfig()
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = d.MaxDocs
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = d.MaxChars
	}
	s := &Server{svc: svc, cfg: cfg}

	s.mcp = server.NewMCPServer(
		"Synapse",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("semantic_search",
		mcp.WithDescription("Rank notes by meaning: cosine similarity between the query and note embeddings."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language query")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
	), s.semanticSearch)

	s.mcp.AddTool(mcp.NewTool("hybrid_search",
		mcp.WithDescription("Rank notes by a blend of literal matches (accent and case insensitive) and semantic similarity."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
	), s.hybridSearch)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full content of a Markdown note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Vault-relative note id (e.g. folder/note.md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("List the notes linking to the specified note, with the reason for each link."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Id of the note to find backlinks for")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("get_links",
		mcp.WithDescription("List the notes the specified note links to, with the reason for each link."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Id of the source note")),
	), s.getLinks)

	s.mcp.AddTool(mcp.NewTool("get_references",
		mcp.WithDescription("List the wikilinks and title mentions the author wrote in a note, or with "+
			"direction \"in\" the ones pointing at it. Unresolved wikilinks show \"-\" as the note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Id of the note")),
		mcp.WithString("direction", mcp.Enum("out", "in"), mcp.Description("\"out\" (default) or \"in\"")),
	), s.getReferences)

	s.mcp.AddTool(mcp.NewTool("retrieve_context",
		mcp.WithDescription(fmt.Sprintf("Collect the content of the notes most relevant to a question, "+
			"at most %d notes scoring at least %.2f, truncated to %d characters.",
			s.cfg.MaxDocs, s.cfg.MinRelevance, s.cfg.MaxChars)),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question to gather context for")),
	), s.retrieveContext)

	s.mcp.AddResource(
		mcp.NewResource("synapse://concepts", "Concepts",
			mcp.WithResourceDescription("Every concept label in the vault with the number of notes carrying it."),
			mcp.WithMIMEType("application/json"),
		),
		s.readConceptsResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type hit struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Snippet    string  `json:"snippet"`
	Summary    string  `json:"summary"`
}

func (s *Server) semanticSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.runSearch(ctx, req, search.ModeSemantic)
}

func (s *Server) hybridSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.runSearch(ctx, req, search.ModeHybrid)
}

func (s *Server) runSearch(ctx context.Context, req mcp.CallToolRequest, mode search.Mode) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := int(req.GetFloat("limit", defaultSearchLimit))
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	results, err := s.svc.Search(ctx, query, search.Options{Mode: mode, Limit: limit})
	if err != nil {
		return toolError(err), nil
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, hit{
			ID:         r.Note.ID,
			Title:      r.Note.Title,
			Score:      r.Score,
			Similarity: r.Similarity,
			Snippet:    r.Explanation.Snippet,
			Summary:    r.Explanation.Summary,
		})
	}
	out, _ := json.MarshalIndent(hits, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.svc.GetNote(ctx, id)
	if err != nil {
		return toolError(fmt.Errorf("%s: %w", id, err)), nil
	}
	return mcp.NewToolResultText(note.Content), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	links, err := s.svc.Backlinks(ctx, id)
	if err != nil {
		return toolError(fmt.Errorf("%s: %w", id, err)), nil
	}
	if len(links) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	return mcp.NewToolResultText(formatLinks(links, func(l models.Link) string { return l.Source })), nil
}

func (s *Server) getLinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	links, err := s.svc.Links(ctx, id)
	if err != nil {
		return toolError(fmt.Errorf("%s: %w", id, err)), nil
	}
	if len(links) == 0 {
		return mcp.NewToolResultText("no links found"), nil
	}
	return mcp.NewToolResultText(formatLinks(links, func(l models.Link) string { return l.Target })), nil
}

func (s *Server) getReferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var refs []models.Reference
	other := func(r models.Reference) string { return r.Target }
	switch dir := req.GetString("direction", "out"); dir {
	case "out":
		refs, err = s.svc.References(ctx, id)
	case "in":
		refs, err = s.svc.Referrers(ctx, id)
		other = func(r models.Reference) string { return r.Source }
	default:
		return mcp.NewToolResultError(fmt.Sprintf("direction must be \"out\" or \"in\", got %q", dir)), nil
	}
	if err != nil {
		return toolError(fmt.Errorf("%s: %w", id, err)), nil
	}
	if len(refs) == 0 {
		return mcp.NewToolResultText("no references found"), nil
	}
	lines := make([]string, 0, len(refs))
	for _, r := range refs {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", cmp.Or(other(r), "-"), r.Kind, r.Label))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) retrieveContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, search.Options{
		Mode:     search.ModeSemantic,
		Limit:    s.cfg.MaxDocs,
		MinScore: s.cfg.MinRelevance,
	})
	if err != nil {
		return toolError(err), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no relevant notes found"), nil
	}
	return mcp.NewToolResultText(s.buildContext(results)), nil
}

// buildContext concatenates the matched notes, most relevant first, and cuts
// the result at MaxChars runes.
func (s *Server) buildContext(results []search.Result) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s (%s)\n%s", r.Note.Title, r.Note.ID, strings.TrimSpace(r.Note.Text))
	}
	out := []rune(b.String())
	if len(out) > s.cfg.MaxChars {
		out = out[:s.cfg.MaxChars]
	}
	return string(out)
}

func (s *Server) readConceptsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	out, err := json.Marshal(s.svc.Concepts(ctx))
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "synapse://concepts",
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

func formatLinks(links []models.Link, other func(models.Link) string) string {
	lines := make([]string, 0, len(links))
	for _, l := range links {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%.3f", other(l), l.Reason, l.Score))
	}
	return strings.Join(lines, "\n")
}

func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %v", err))
	case errors.Is(err, apperr.ErrProviderFailure):
		return mcp.NewToolResultError(fmt.Sprintf("embedding provider unavailable, retry later: %v", err))
	default:
		return mcp.NewToolResultError(err.Error())
	}
}
