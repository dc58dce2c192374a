package search_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/testutil"
	"github.com/starford/synapse/internal/textindex"
)

var ctx = context.Background()

type fixture struct {
	reg *registry.Registry
	emb *testutil.Embedder
	co  *search.Coordinator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg, emb, ext := testutil.TestRegistry(t, 3)
	for _, title := range []string{"A", "B", "C", "north"} {
		ext.Set(title)
	}
	emb.Set("A", []float32{1, 0, 0})
	emb.Set("B", []float32{0.8, 0.6, 0})
	emb.Set("C", []float32{0, 1, 0})
	emb.Set("north", []float32{1, 0, 0})
	return fixture{reg: reg, emb: emb, co: search.New(reg, emb, search.DefaultConfig(), nil)}
}

func (f fixture) upsert(t *testing.T, id, title, body string) {
	t.Helper()
	_, err := f.reg.Upsert(ctx, id, title, body)
	require.NoError(t, err)
}

func ids(results []search.Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Note.ID)
	}
	return out
}

func TestSearch_EmptyCorpus(t *testing.T) {
	f := newFixture(t)
	for _, mode := range []search.Mode{search.ModeExact, search.ModeSemantic, search.ModeHybrid} {
		res, err := f.co.Search(ctx, "north", search.Options{Mode: mode})
		require.NoError(t, err, mode)
		assert.Empty(t, res, mode)
	}
	assert.Zero(t, f.emb.Calls())

	_, err := f.co.Search(ctx, "a(b", search.Options{Mode: search.ModeExact, Text: textindex.Options{Regex: true}})
	require.ErrorIs(t, err, apperr.ErrInvalidPattern)
}

func TestSearch_ExactAccentInsensitive(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "plain.md", "A", "Meet at the cafe, the cafe on the corner.")
	f.upsert(t, "accent.md", "B", "Um café por favor.")
	f.upsert(t, "other.md", "C", "Tea only.")

	res, err := f.co.Search(ctx, "café", search.Options{Mode: search.ModeExact})
	require.NoError(t, err)
	require.Equal(t, []string{"plain.md", "accent.md"}, ids(res))
	assert.Equal(t, 2.0, res[0].Score)
	assert.Equal(t, 2, res[0].Exact)
	assert.Equal(t, 1.0, res[1].Score)
	assert.Len(t, res[0].Explanation.Spans, 2)
	assert.Contains(t, res[1].Explanation.Snippet, "café")

	res, err = f.co.Search(ctx, "café", search.Options{Mode: search.ModeExact, Text: textindex.Options{AccentSensitive: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"accent.md"}, ids(res))
}

func TestSearch_Semantic(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "a.md", "A", "alpha")
	f.upsert(t, "b.md", "B", "beta")
	f.upsert(t, "c.md", "C", "gamma")

	res, err := f.co.Search(ctx, "north", search.Options{Mode: search.ModeSemantic})
	require.NoError(t, err)
	require.Equal(t, []string{"a.md", "b.md", "c.md"}, ids(res))
	assert.InDelta(t, 1.0, res[0].Score, 1e-5)
	assert.InDelta(t, 0.8, res[1].Similarity, 1e-5)
	assert.Zero(t, res[0].Exact)

	res, err = f.co.Search(ctx, "north", search.Options{Mode: search.ModeSemantic, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, ids(res))

	res, err = f.co.Search(ctx, "north", search.Options{Mode: search.ModeSemantic, MinScore: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, ids(res))
}

func TestSearch_HybridBlendsSignals(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "a.md", "A", "nothing textual here")
	f.upsert(t, "c.md", "C", "north north north")

	res, err := f.co.Search(ctx, "north", search.Options{Mode: search.ModeHybrid})
	require.NoError(t, err)
	require.Len(t, res, 2)
	// a: 0.5*0 + 0.5*1; c: 0.5*1 + 0.5*0.
	for _, r := range res {
		assert.InDelta(t, 0.5, r.Score, 1e-5)
	}
	c := res[0]
	if c.Note.ID != "c.md" {
		c = res[1]
	}
	assert.Equal(t, 3, c.Exact)
	assert.InDelta(t, 0.0, c.Similarity, 1e-6)
}

func TestSearch_HybridTieBreaksByExactCount(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "one.md", "A", "north once")
	f.upsert(t, "two.md", "A", "north and north")

	res, err := f.co.Search(ctx, "north", search.Options{Mode: search.ModeHybrid, SemanticWeight: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"two.md", "one.md"}, ids(res))
	assert.Equal(t, res[0].Score, res[1].Score)
}

func TestSearch_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "a.md", "A", "alpha")
	f.emb.Fail(testutil.ErrInjected)

	_, err := f.co.Search(ctx, "north", search.Options{Mode: search.ModeSemantic})
	require.ErrorIs(t, err, apperr.ErrProviderFailure)

	// Exact search never calls the provider.
	_, err = f.co.Search(ctx, "alpha", search.Options{Mode: search.ModeExact})
	require.NoError(t, err)
}

func TestSearch_RemovedNoteNeverReturned(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "a.md", "A", "north pole")
	f.upsert(t, "b.md", "B", "north star")
	_, err := f.reg.Remove(ctx, "a.md")
	require.NoError(t, err)

	for _, mode := range []search.Mode{search.ModeExact, search.ModeSemantic, search.ModeHybrid} {
		res, err := f.co.Search(ctx, "north", search.Options{Mode: mode})
		require.NoError(t, err)
		assert.NotContains(t, ids(res), "a.md", mode)
	}
}

func TestSearch_UnknownMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.co.Search(ctx, "x", search.Options{Mode: "fuzzy"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	m, err := search.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, search.ModeHybrid, m)
}

func TestSearch_ConcurrentWritesKeepSpansConsistent(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "a.md", "A", "north pole, then north again")
	f.upsert(t, "b.md", "B", "true north")

	done := make(chan struct{})
	go func() {
		defer close(done)
		bodies := []string{"south pole", "north pole, then north again", "far north of the northern line"}
		for i := range 200 {
			_, err := f.reg.Upsert(ctx, "a.md", "A", bodies[i%len(bodies)])
			assert.NoError(t, err)
		}
	}()

	for {
		select {
		case <-done:
			require.NoError(t, f.reg.Verify())
			return
		default:
		}
		res, err := f.co.Search(ctx, "north", search.Options{Mode: search.ModeExact})
		require.NoError(t, err)
		assert.Contains(t, ids(res), "b.md")
		for _, r := range res {
			require.Equal(t, r.Exact, len(r.Explanation.Spans))
			for _, sp := range r.Explanation.Spans {
				require.LessOrEqual(t, sp.End, len(r.Note.Text), r.Note.ID)
				assert.True(t, strings.EqualFold("north", r.Note.Text[sp.Start:sp.End]), "%s: %q", r.Note.ID, r.Note.Text)
			}
		}
	}
}

func TestSearch_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, "a.md", "A", "north pole")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := f.co.Search(cctx, "north", search.Options{Mode: search.ModeExact})
	require.ErrorIs(t, err, context.Canceled)
}
