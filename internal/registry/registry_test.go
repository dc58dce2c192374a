package registry_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/synapse/internal/apperr"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/testutil"
	"github.com/starford/synapse/internal/textindex"
)

var ctx = context.Background()

func targets(links []models.Link) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.Target)
	}
	return out
}

func sources(links []models.Link) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.Source)
	}
	return out
}

func textHits(t *testing.T, r *registry.Registry, pattern string) []string {
	t.Helper()
	var ids []string
	r.Read(func(v registry.View) {
		seq, err := v.Text().Search(pattern, textindex.Options{})
		require.NoError(t, err)
		for m := range seq {
			ids = append(ids, m.ID)
		}
	})
	return ids
}

// cafeScenario seeds two notes with cosine 0.86 and disjoint concepts.
func cafeScenario(t *testing.T) *registry.Registry {
	t.Helper()
	r, emb, ext := testutil.TestRegistry(t, 3)
	emb.Set("Café culture", []float32{1, 0, 0})
	emb.Set("Coffee houses", []float32{0.86, 0.5103, 0})
	ext.Set("Café culture", "cafe", "culture")
	ext.Set("Coffee houses", "coffee", "houses")

	_, err := r.Upsert(ctx, "cafe.md", "Café culture", "Viennese café culture.")
	require.NoError(t, err)
	_, err = r.Upsert(ctx, "coffee.md", "Coffee houses", "The first coffee houses in London.")
	require.NoError(t, err)
	return r
}

func TestUpsert_SnapshotMatchesIndices(t *testing.T) {
	r, _, _ := testutil.TestRegistry(t, 16)
	n, err := r.Upsert(ctx, "a.md", "Alpha", "# Alpha\n\nSome *alpha* text about graphs.")
	require.NoError(t, err)

	assert.Equal(t, "Alpha\nSome alpha text about graphs.", n.Text)
	assert.Len(t, n.Embedding, 16)
	assert.NotEmpty(t, n.Concepts)
	assert.True(t, slices.IsSorted(n.Concepts))

	got, err := r.Get("a.md")
	require.NoError(t, err)
	assert.Equal(t, n, got)

	r.Read(func(v registry.View) {
		text, ok := v.Text().Text("a.md")
		assert.True(t, ok)
		assert.Equal(t, n.Text, text)
		res, err := v.Nearest(n.Embedding, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "a.md", res[0].ID)
		assert.InDelta(t, 1.0, res[0].Similarity, 1e-5)
	})
	for _, c := range n.Concepts {
		assert.Equal(t, []string{"a.md"}, r.NotesWithConcept(c))
	}
	require.NoError(t, r.Verify())
}

func TestUpsert_EmptyID(t *testing.T) {
	r, _, _ := testutil.TestRegistry(t, 4)
	_, err := r.Upsert(ctx, " ", "t", "b")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestUpsert_EmptyBodyHasNoVector(t *testing.T) {
	r, emb, _ := testutil.TestRegistry(t, 4)
	n, err := r.Upsert(ctx, "empty.md", "Empty", "  \n")
	require.NoError(t, err)

	assert.False(t, n.HasVector())
	assert.Zero(t, emb.Calls())
	assert.Equal(t, 0, r.Stats().Vectors)
	assert.Equal(t, 0, r.Stats().Documents)
	links, err := r.Links("empty.md")
	require.NoError(t, err)
	assert.Empty(t, links)

	// Emptying a note drops its vector entry.
	_, err = r.Upsert(ctx, "x.md", "X", "content")
	require.NoError(t, err)
	_, err = r.Upsert(ctx, "x.md", "X", "")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Stats().Vectors)
	require.NoError(t, r.Verify())
}

func TestUpsert_Idempotent(t *testing.T) {
	r := cafeScenario(t)
	_, err := r.Upsert(ctx, "third.md", "Third", "Coffee and culture in Vienna.")
	require.NoError(t, err)

	before, err := r.Get("cafe.md")
	require.NoError(t, err)
	linksBefore := r.AllLinks()

	again, err := r.Upsert(ctx, "cafe.md", "Café culture", "Viennese café culture.")
	require.NoError(t, err)
	assert.Equal(t, before.Concepts, again.Concepts)
	assert.Equal(t, before.Embedding, again.Embedding)
	assert.Equal(t, before.Seq, again.Seq)
	assert.Equal(t, linksBefore, r.AllLinks())
}

func TestList_InsertionOrder(t *testing.T) {
	r, _, _ := testutil.TestRegistry(t, 8)
	for _, id := range []string{"c.md", "a.md", "b.md"} {
		_, err := r.Upsert(ctx, id, id, "body of "+id)
		require.NoError(t, err)
	}
	_, err := r.Upsert(ctx, "c.md", "c", "edited")
	require.NoError(t, err)

	var ids []string
	for _, n := range r.List() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"c.md", "a.md", "b.md"}, ids)
}

func TestGet_NotFound(t *testing.T) {
	r, _, _ := testutil.TestRegistry(t, 4)
	_, err := r.Get("missing.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = r.Backlinks("missing.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	removed, err := r.Remove(ctx, "missing.md")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestScenario_SimilarNotesLinkBySimilarity(t *testing.T) {
	r := cafeScenario(t)

	links, err := r.Links("cafe.md")
	require.NoError(t, err)
	require.Len(t, links, 1)
	l := links[0]
	assert.Equal(t, "coffee.md", l.Target)
	assert.Equal(t, models.ReasonSimilarity, l.Reason)
	assert.GreaterOrEqual(t, l.Score, 0.75)
	assert.GreaterOrEqual(t, l.Cosine, 0.85)

	back, err := r.Backlinks("coffee.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"cafe.md"}, sources(back))
}

func TestScenario_RemovedLinkStaysRemoved(t *testing.T) {
	r := cafeScenario(t)

	o, err := r.RemoveLink(ctx, "cafe.md", "coffee.md")
	require.NoError(t, err)
	assert.Equal(t, "cafe.md", o.Source)
	assert.NotEmpty(t, o.ContentHash)

	_, err = r.Upsert(ctx, "cafe.md", "Café culture", "Viennese café culture.")
	require.NoError(t, err)
	_, err = r.Upsert(ctx, "coffee.md", "Coffee houses", "The first coffee houses in London.")
	require.NoError(t, err)

	links, err := r.Links("cafe.md")
	require.NoError(t, err)
	assert.NotContains(t, targets(links), "coffee.md")
	assert.Len(t, r.Overrides(), 1)

	// The reverse direction was never removed.
	links, err = r.Links("coffee.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"cafe.md"}, targets(links))

	_, err = r.RemoveLink(ctx, "cafe.md", "coffee.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, r.RestoreLink(ctx, "cafe.md", "coffee.md"))
	links, err = r.Links("cafe.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"coffee.md"}, targets(links))
	require.ErrorIs(t, r.RestoreLink(ctx, "cafe.md", "coffee.md"), apperr.ErrNotFound)
}

func TestScenario_DeleteTargetOfThreeLinks(t *testing.T) {
	r, emb, ext := testutil.TestRegistry(t, 3)
	vectors := map[string][]float32{
		"T":  {1, 0, 0},
		"S1": {0.95, 0.31, 0},
		"S2": {0.95, 0, 0.31},
		"S3": {0.95, -0.31, 0},
	}
	for title, v := range vectors {
		emb.Set(title, v)
		ext.Set(title)
	}
	for _, title := range []string{"T", "S1", "S2", "S3"} {
		_, err := r.Upsert(ctx, title+".md", title, "note "+title)
		require.NoError(t, err)
	}
	back, err := r.Backlinks("T.md")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"S1.md", "S2.md", "S3.md"}, sources(back))

	removed, err := r.Remove(ctx, "T.md")
	require.NoError(t, err)
	require.True(t, removed)

	for _, s := range []string{"S1.md", "S2.md", "S3.md"} {
		links, err := r.Links(s)
		require.NoError(t, err)
		assert.NotContains(t, targets(links), "T.md")
		back, err := r.Backlinks(s)
		require.NoError(t, err)
		assert.NotContains(t, sources(back), "T.md")
	}
	for _, l := range r.AllLinks() {
		assert.NotEqual(t, "T.md", l.Source)
		assert.NotEqual(t, "T.md", l.Target)
	}
	require.NoError(t, r.Verify())
}

func TestRemove_LeavesNoTrace(t *testing.T) {
	r := cafeScenario(t)
	n, err := r.Get("cafe.md")
	require.NoError(t, err)

	removed, err := r.Remove(ctx, "cafe.md")
	require.NoError(t, err)
	require.True(t, removed)

	_, err = r.Get("cafe.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, textHits(t, r, "viennese"))
	r.Read(func(v registry.View) {
		res, err := v.Nearest(n.Embedding, 10)
		require.NoError(t, err)
		for _, hit := range res {
			assert.NotEqual(t, "cafe.md", hit.ID)
		}
	})
	assert.Empty(t, r.NotesWithConcept("culture"))
	assert.NotContains(t, r.Concepts(), "culture")
	back, err := r.Backlinks("coffee.md")
	require.NoError(t, err)
	assert.Empty(t, back)
	require.NoError(t, r.Verify())
}

func TestConcepts_MembershipFollowsEdits(t *testing.T) {
	r, _, ext := testutil.TestRegistry(t, 8)
	ext.Set("A", "graph", "vector")
	_, err := r.Upsert(ctx, "a.md", "A", "first version")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, r.NotesWithConcept("Graph"))

	ext.Set("A", "vector", "index")
	_, err = r.Upsert(ctx, "a.md", "A", "second version")
	require.NoError(t, err)
	assert.Empty(t, r.NotesWithConcept("graph"))
	assert.Equal(t, map[string]int{"index": 1, "vector": 1}, r.Concepts())
}

func TestReferences_FollowEdits(t *testing.T) {
	r, _, _ := testutil.TestRegistry(t, 8)
	_, err := r.Upsert(ctx, "journal.md", "Journal", "Brewed [[Pour Over]] after reading about Espresso.")
	require.NoError(t, err)

	refs, err := r.References("journal.md")
	require.NoError(t, err)
	assert.Equal(t, []models.Reference{
		{Source: "journal.md", Label: "Pour Over", Kind: models.RefWikilink},
	}, refs)

	_, err = r.Upsert(ctx, "pour.md", "Pour Over", "Slow coffee.")
	require.NoError(t, err)
	_, err = r.Upsert(ctx, "espresso.md", "Espresso", "Fast coffee.")
	require.NoError(t, err)

	refs, err = r.References("journal.md")
	require.NoError(t, err)
	assert.Equal(t, []models.Reference{
		{Source: "journal.md", Target: "pour.md", Label: "Pour Over", Kind: models.RefWikilink},
		{Source: "journal.md", Target: "espresso.md", Label: "Espresso", Kind: models.RefMention},
	}, refs)
	back, err := r.Referrers("espresso.md")
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "journal.md", back[0].Source)
	assert.Equal(t, 2, r.Stats().References)
	require.NoError(t, r.Verify())

	_, err = r.Remove(ctx, "espresso.md")
	require.NoError(t, err)
	refs, err = r.References("journal.md")
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	_, err = r.Referrers("espresso.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, r.Verify())

	// Rebuilt and restored registries derive the same references.
	before := r.AllReferences()
	require.NoError(t, r.Rebuild(ctx, false))
	assert.Equal(t, before, r.AllReferences())
	restored, _, _ := testutil.TestRegistry(t, 8)
	require.NoError(t, restored.Restore(ctx, r.State()))
	assert.Equal(t, before, restored.AllReferences())
}

func TestUpsert_ProviderFailureRollsBack(t *testing.T) {
	r, emb, ext := testutil.TestRegistry(t, 8)
	before, err := r.Upsert(ctx, "a.md", "A", "original text")
	require.NoError(t, err)

	emb.Fail(testutil.ErrInjected)
	_, err = r.Upsert(ctx, "a.md", "A", "changed text")
	require.ErrorIs(t, err, apperr.ErrProviderFailure)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.True(t, apperr.Retryable(err))

	_, err = r.Upsert(ctx, "b.md", "B", "new note")
	require.ErrorIs(t, err, apperr.ErrProviderFailure)
	emb.Fail(nil)

	ext.Fail(testutil.ErrInjected)
	_, err = r.Upsert(ctx, "a.md", "A", "changed text")
	require.ErrorIs(t, err, apperr.ErrProviderFailure)
	ext.Fail(nil)

	got, err := r.Get("a.md")
	require.NoError(t, err)
	assert.Equal(t, before, got)
	assert.False(t, r.Has("b.md"))
	assert.Empty(t, textHits(t, r, "changed"))
	require.NoError(t, r.Verify())
}

func TestUpsert_CancelledLeavesRegistryUnchanged(t *testing.T) {
	r, emb, _ := testutil.TestRegistry(t, 8)
	_, err := r.Upsert(ctx, "a.md", "A", "original")
	require.NoError(t, err)

	emb.Block(true)
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := r.Upsert(cctx, "a.md", "A", "edited")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, errors.Is(err, apperr.ErrProviderFailure))
	case <-time.After(5 * time.Second):
		t.Fatal("upsert did not observe cancellation")
	}
	emb.Block(false)

	n, err := r.Get("a.md")
	require.NoError(t, err)
	assert.Equal(t, "original", n.Text)
}

func TestUpsert_QueuedMutationHonorsDeadline(t *testing.T) {
	r, emb, _ := testutil.TestRegistry(t, 8)
	emb.Block(true)
	defer emb.Block(false)

	slow, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := r.Upsert(slow, "a.md", "A", "first")
		first <- err
	}()
	require.Eventually(t, func() bool { return emb.Calls() >= 1 }, time.Second, 5*time.Millisecond)

	queued, cancelQueued := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelQueued()
	start := time.Now()
	_, err := r.Upsert(queued, "b.md", "B", "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, emb.Calls())

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)
	assert.Zero(t, r.Len())

	// Every other mutation waits the same way.
	emb.Block(false)
	_, err = r.Upsert(ctx, "c.md", "C", "third")
	require.NoError(t, err)
}

func TestMutations_CancelledWhileQueued(t *testing.T) {
	r, emb, _ := testutil.TestRegistry(t, 8)
	_, err := r.Upsert(ctx, "a.md", "A", "alpha")
	require.NoError(t, err)

	emb.Block(true)
	slow, cancel := context.WithCancel(ctx)
	first := make(chan error, 1)
	go func() {
		_, err := r.Upsert(slow, "b.md", "B", "beta")
		first <- err
	}()
	require.Eventually(t, func() bool { return emb.Calls() >= 2 }, time.Second, 5*time.Millisecond)

	short := func() context.Context {
		c, done := context.WithTimeout(ctx, 50*time.Millisecond)
		t.Cleanup(done)
		return c
	}
	_, err = r.Remove(short(), "a.md")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = r.RemoveLink(short(), "a.md", "b.md")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, r.RestoreLink(short(), "a.md", "b.md"), context.DeadlineExceeded)
	assert.ErrorIs(t, r.Rebuild(short(), false), context.DeadlineExceeded)
	assert.ErrorIs(t, r.Restore(short(), r.State()), context.DeadlineExceeded)

	cancel()
	<-first
	emb.Block(false)
	assert.True(t, r.Has("a.md"))
}

func TestUpsert_ProviderTimeout(t *testing.T) {
	emb := testutil.NewEmbedder(4)
	r := registry.New(testutil.NewExtractor(), emb, registry.Config{ProviderTimeout: 10 * time.Millisecond})
	emb.Block(true)

	_, err := r.Upsert(ctx, "slow.md", "Slow", "slow text")
	require.ErrorIs(t, err, apperr.ErrProviderFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, r.Len())
}

func TestDimensionMismatch_HaltsUntilReembed(t *testing.T) {
	r, emb, _ := testutil.TestRegistry(t, 3)
	emb.Set("A", []float32{1, 0, 0})
	emb.Set("B", []float32{1, 0, 0, 0})

	_, err := r.Upsert(ctx, "a.md", "A", "alpha")
	require.NoError(t, err)
	_, err = r.Upsert(ctx, "b.md", "B", "beta")
	require.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	assert.False(t, r.Has("b.md"))

	// Halted: even a well-formed upsert is refused.
	_, err = r.Upsert(ctx, "a.md", "A", "alpha")
	require.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	require.Error(t, r.Halted())
	require.NoError(t, r.Rebuild(ctx, false))
	require.Error(t, r.Halted())

	// Provider now consistently returns 4 dimensions.
	emb.Set("A", []float32{0, 1, 0, 0})
	require.NoError(t, r.Rebuild(ctx, true))
	require.NoError(t, r.Halted())
	assert.Equal(t, 4, r.Stats().Dimensions)

	_, err = r.Upsert(ctx, "b.md", "B", "beta")
	require.NoError(t, err)
	require.NoError(t, r.Verify())
}

func TestRebuild_KeepsLinksAndOverrides(t *testing.T) {
	r := cafeScenario(t)
	_, err := r.RemoveLink(ctx, "coffee.md", "cafe.md")
	require.NoError(t, err)
	before := r.AllLinks()

	require.NoError(t, r.Rebuild(ctx, false))
	assert.Equal(t, before, r.AllLinks())
	assert.Len(t, r.Overrides(), 1)
	require.NoError(t, r.Verify())
}

func TestStateRestore_RoundTrip(t *testing.T) {
	r := cafeScenario(t)
	_, err := r.Upsert(ctx, "third.md", "Third", "Espresso bars and coffee culture.")
	require.NoError(t, err)
	_, err = r.RemoveLink(ctx, "coffee.md", "cafe.md")
	require.NoError(t, err)

	st := r.State()
	restored, _, _ := testutil.TestRegistry(t, 3)
	require.NoError(t, restored.Restore(ctx, st))

	assert.Equal(t, r.List(), restored.List())
	assert.Equal(t, r.AllLinks(), restored.AllLinks())
	assert.Equal(t, r.Overrides(), restored.Overrides())
	assert.Equal(t, r.Concepts(), restored.Concepts())
	want, err := r.Similar("cafe.md", 5)
	require.NoError(t, err)
	got, err := restored.Similar("cafe.md", 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, restored.Verify())

	// Without a graph the vector index is rebuilt from embeddings.
	st.Graph = nil
	again, _, _ := testutil.TestRegistry(t, 3)
	require.NoError(t, again.Restore(ctx, st))
	require.NoError(t, again.Verify())
	assert.Equal(t, r.AllLinks(), again.AllLinks())
}

func TestRestore_RejectsDuplicateIDs(t *testing.T) {
	r, _, _ := testutil.TestRegistry(t, 3)
	err := r.Restore(ctx, registry.State{Notes: []models.Note{{ID: "a", Seq: 1}, {ID: "a", Seq: 2}}})
	require.ErrorIs(t, err, apperr.ErrIndexCorruption)
}

func TestObserver_ReceivesLinkDiffBeforeReturn(t *testing.T) {
	var mu sync.Mutex
	var events []registry.Event
	r, emb, ext := testutil.TestRegistry(t, 3, registry.WithObserver(func(ev registry.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))
	emb.Set("A", []float32{1, 0, 0})
	emb.Set("B", []float32{0.9, 0.43, 0})
	ext.Set("A")
	ext.Set("B")

	_, err := r.Upsert(ctx, "a.md", "A", "a")
	require.NoError(t, err)
	_, err = r.Upsert(ctx, "b.md", "B", "b")
	require.NoError(t, err)
	_, err = r.Remove(ctx, "a.md")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, registry.EventNoteUpserted, events[0].Kind)
	assert.True(t, events[0].Created)
	assert.Len(t, events[1].Links.Added, 2)
	assert.Equal(t, registry.EventNoteRemoved, events[2].Kind)
	assert.Len(t, events[2].Links.Removed, 2)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	r, _, _ := testutil.TestRegistry(t, 16)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r.Read(func(v registry.View) {
					seq, err := v.Text().Search("note", textindex.Options{})
					if err != nil {
						return
					}
					for m := range seq {
						// Every text hit is a live note in the same view.
						if _, ok := v.Note(m.ID); !ok {
							t.Errorf("text index returned unknown note %s", m.ID)
						}
					}
				})
				for _, l := range r.AllLinks() {
					_ = l.Score
				}
			}
		}()
	}
	for i := range 50 {
		id := string(rune('a'+i%10)) + ".md"
		_, err := r.Upsert(ctx, id, id, "note number "+id)
		require.NoError(t, err)
		if i%7 == 0 {
			_, err = r.Remove(ctx, id)
			require.NoError(t, err)
		}
	}
	close(stop)
	wg.Wait()
	require.NoError(t, r.Verify())
}
