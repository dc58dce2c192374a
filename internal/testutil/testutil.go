// Package testutil provides shared test helpers: temporary vaults and
// databases, and scriptable collaborators for the registry.
package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/starford/synapse/internal/concepts"
	"github.com/starford/synapse/internal/embedding"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/storage"
	"github.com/starford/synapse/internal/store"
)

// TestStore creates a temporary SQLite store that is automatically cleaned up.
func TestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "synapse-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory with a storage.Provider.
func TestVault(t *testing.T) (string, storage.Provider) {
	t.Helper()
	vaultDir := t.TempDir()
	fs, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return vaultDir, fs
}

// WriteFile writes a file below dir, creating parent directories.
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ErrInjected is returned by collaborators told to fail.
var ErrInjected = errors.New("injected failure")

// Embedder returns scripted vectors for known titles and hashes everything
// else. The title is the first line of the text the registry embeds.
type Embedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback *embedding.Hashing
	err      error
	block    bool
	calls    int
}

// NewEmbedder returns an embedder whose fallback vectors have dims dimensions.
func NewEmbedder(dims int) *Embedder {
	return &Embedder{vectors: make(map[string][]float32), fallback: embedding.NewHashing(dims)}
}

// Set scripts the vector returned for notes titled title.
func (e *Embedder) Set(title string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[title] = slices.Clone(vec)
}

// Fail makes every following call return err; nil restores normal operation.
func (e *Embedder) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Block makes every following call wait for its context to end.
func (e *Embedder) Block(block bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = block
}

// Calls returns the number of Embed calls.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Embed implements registry.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	err, block := e.err, e.block
	vec, ok := e.vectors[firstLine(text)]
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if ok {
		return slices.Clone(vec), nil
	}
	return e.fallback.Embed(ctx, text)
}

// Extractor returns scripted concepts for known titles and runs the rule
// extractor on everything else.
type Extractor struct {
	mu       sync.Mutex
	concepts map[string][]string
	fallback *concepts.Extractor
	err      error
}

// NewExtractor returns an extractor falling back to the default rules.
func NewExtractor() *Extractor {
	return &Extractor{concepts: make(map[string][]string), fallback: concepts.New(concepts.DefaultConfig())}
}

// Set scripts the concepts returned for notes titled title.
func (x *Extractor) Set(title string, labels ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.concepts[title] = labels
}

// Fail makes every following call return err; nil restores normal operation.
func (x *Extractor) Fail(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.err = err
}

// Extract implements registry.Extractor.
func (x *Extractor) Extract(ctx context.Context, text string) ([]string, error) {
	x.mu.Lock()
	labels, ok := x.concepts[firstLine(text)]
	err := x.err
	x.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ok {
		return slices.Clone(labels), nil
	}
	return x.fallback.Extract(ctx, text)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// TestRegistry creates a registry over fresh fakes with dims-dimensional
// fallback vectors.
func TestRegistry(t *testing.T, dims int, opts ...registry.Option) (*registry.Registry, *Embedder, *Extractor) {
	t.Helper()
	emb := NewEmbedder(dims)
	ext := NewExtractor()
	return registry.New(ext, emb, registry.Config{}, opts...), emb, ext
}
