package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"testing"

	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/store"
	"github.com/starford/synapse/internal/testutil"
)

var ctx = context.Background()

func seed(t *testing.T) *registry.Registry {
	t.Helper()
	reg, emb, ext := testutil.TestRegistry(t, 3)
	ext.Set("Cafe", "cafe", "coffee")
	ext.Set("Espresso", "coffee")
	ext.Set("Tea", "tea")
	emb.Set("Cafe", []float32{1, 0, 0})
	emb.Set("Espresso", []float32{0.86, 0.5103, 0})
	emb.Set("Tea", []float32{0, 0, 1})

	for _, n := range []struct{ id, title, body string }{
		{"cafe.md", "Cafe", "Café culture and coffee."},
		{"espresso.md", "Espresso", "Coffee pulled short."},
		{"tea.md", "Tea", "Green tea."},
		{"empty.md", "Empty", ""},
	} {
		if _, err := reg.Upsert(ctx, n.id, n.title, n.body); err != nil {
			t.Fatalf("upsert %s: %v", n.id, err)
		}
	}
	if _, err := reg.RemoveLink(ctx, "espresso.md", "cafe.md"); err != nil {
		t.Fatalf("remove link: %v", err)
	}
	return reg
}

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	st, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(st.Notes) != 0 || len(st.Links) != 0 || st.Graph != nil {
		t.Errorf("expected empty state, got %+v", st)
	}
	at, err := db.SavedAt(ctx)
	if err != nil || !at.IsZero() {
		t.Errorf("SavedAt = %v, %v; want zero", at, err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	db := testutil.TestStore(t)
	reg := seed(t)
	want := reg.State()

	if err := db.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(got.Notes) != len(want.Notes) {
		t.Fatalf("notes: got %d, want %d", len(got.Notes), len(want.Notes))
	}
	for i, n := range got.Notes {
		w := want.Notes[i]
		if n.ID != w.ID || n.Seq != w.Seq || n.Title != w.Title || n.Body != w.Body || n.Text != w.Text {
			t.Errorf("note %d: got %+v, want %+v", i, n, w)
		}
		if !slices.Equal(n.Concepts, w.Concepts) || !slices.Equal(n.Embedding, w.Embedding) {
			t.Errorf("note %s: concepts/embedding differ", n.ID)
		}
		if n.ContentHash != w.ContentHash || !n.UpdatedAt.Equal(w.UpdatedAt) {
			t.Errorf("note %s: hash or time differ", n.ID)
		}
	}
	if !slices.Equal(got.Links, want.Links) {
		t.Errorf("links: got %+v, want %+v", got.Links, want.Links)
	}
	if len(got.Overrides) != 1 || got.Overrides[0].Source != "espresso.md" || got.Overrides[0].Target != "cafe.md" {
		t.Fatalf("overrides: got %+v", got.Overrides)
	}
	if !slices.Equal(got.Overrides[0].SourceVector, want.Overrides[0].SourceVector) {
		t.Errorf("override vector lost")
	}
	if got.Graph == nil {
		t.Fatal("graph not persisted")
	}

	restored, _, _ := testutil.TestRegistry(t, 3)
	if err := restored.Restore(ctx, got); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := restored.Verify(); err != nil {
		t.Fatalf("verify after restore: %v", err)
	}
	links, err := restored.Links("espresso.md")
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range links {
		if l.Target == "cafe.md" {
			t.Errorf("removed link came back after reload")
		}
	}

	at, err := db.SavedAt(ctx)
	if err != nil || at.IsZero() {
		t.Errorf("SavedAt = %v, %v; want set", at, err)
	}
}

func TestSave_ReplacesPreviousState(t *testing.T) {
	db := testutil.TestStore(t)
	reg := seed(t)
	if err := db.Save(ctx, reg.State()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := reg.Remove(ctx, "tea.md"); err != nil {
		t.Fatal(err)
	}
	if err := db.Save(ctx, reg.State()); err != nil {
		t.Fatalf("second save: %v", err)
	}

	st, err := db.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range st.Notes {
		if n.ID == "tea.md" {
			t.Error("deleted note still persisted")
		}
	}
	if len(st.Notes) != 3 {
		t.Errorf("expected 3 notes, got %d", len(st.Notes))
	}
}

func TestReload_IdenticalRanking(t *testing.T) {
	db := testutil.TestStore(t)
	reg := seed(t)
	before := ranking(t, reg, "coffee")

	if err := db.Save(ctx, reg.State()); err != nil {
		t.Fatal(err)
	}
	st, err := db.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	restored, _, _ := testutil.TestRegistry(t, 3)
	if err := restored.Restore(ctx, st); err != nil {
		t.Fatal(err)
	}
	after := ranking(t, restored, "coffee")

	if !slices.Equal(before, after) {
		t.Errorf("ranking changed across reload: before %v, after %v", before, after)
	}
}

func TestLoad_CorruptGraphIsRebuilt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	reg := seed(t)
	if err := db.Save(ctx, reg.State()); err != nil {
		t.Fatal(err)
	}

	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`UPDATE blobs SET data = x'deadbeef' WHERE name = 'vector_graph'`); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	st, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("load with corrupt graph: %v", err)
	}
	if st.Graph != nil {
		t.Fatal("corrupt graph should be discarded")
	}
	if len(st.Notes) != 4 {
		t.Fatalf("notes lost: %d", len(st.Notes))
	}

	restored, _, _ := testutil.TestRegistry(t, 3)
	if err := restored.Restore(ctx, st); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := restored.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got := restored.Stats().Vectors; got != 3 {
		t.Errorf("vectors = %d, want 3", got)
	}
}

func TestLoad_GraphVersionSkew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skew.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Save(ctx, seed(t).State()); err != nil {
		t.Fatal(err)
	}

	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`UPDATE meta SET value = '0' WHERE key = 'graph_version'`); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	st, err := db.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Graph != nil {
		t.Error("graph from an older format should be ignored")
	}
}

func ranking(t *testing.T, reg *registry.Registry, query string) []string {
	t.Helper()
	co := search.New(reg, testutil.NewEmbedder(3), search.DefaultConfig(), nil)
	res, err := co.Search(ctx, query, search.Options{Mode: search.ModeHybrid})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	out := make([]string, 0, len(res))
	for _, r := range res {
		out = append(out, r.Note.ID)
	}
	return out
}
