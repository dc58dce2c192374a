package references

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/synapse/internal/fold"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/parser"
)

// corpus maps note ids to their normalized text.
type corpus map[string]string

func (c corpus) Mentioning(phrase string) []string {
	p := fold.Label(phrase)
	var ids []string
	for id, text := range c {
		if strings.Contains(fold.Label(text), p) {
			ids = append(ids, id)
		}
	}
	return ids
}

func set(x *Index, c corpus, id, title, body string) {
	text := parser.Normalize(body)
	c[id] = text
	x.Set(c, Note{ID: id, Title: title, Body: body, Text: text})
}

func remove(x *Index, c corpus, id string) {
	delete(c, id)
	x.Remove(id)
}

func wikilinkRef(source, target, label string) models.Reference {
	return models.Reference{Source: source, Target: target, Label: label, Kind: models.RefWikilink}
}

func mention(source, target, label string) models.Reference {
	return models.Reference{Source: source, Target: target, Label: label, Kind: models.RefMention}
}

func TestWikilinks_ResolveByTitleAndPath(t *testing.T) {
	x, c := New(DefaultConfig()), corpus{}
	set(x, c, "tea.md", "Green Tea", "Leaves.")
	set(x, c, "notes/cafe.md", "Cafe", "See [[Green Tea#Brewing]], [[cafe]], [[Missing Note]] and [[notes/cafe|self]].")
	set(x, c, "log.md", "Log", "[[tea.md]] first")

	assert.Equal(t, []models.Reference{
		wikilinkRef("notes/cafe.md", "tea.md", "Green Tea#Brewing"),
		wikilinkRef("notes/cafe.md", "", "Missing Note"),
	}, x.Outgoing("notes/cafe.md"))
	assert.Equal(t, []models.Reference{wikilinkRef("log.md", "tea.md", "tea.md")}, x.Outgoing("log.md"))
	assert.Equal(t, []models.Reference{
		wikilinkRef("log.md", "tea.md", "tea.md"),
		wikilinkRef("notes/cafe.md", "tea.md", "Green Tea#Brewing"),
	}, x.Incoming("tea.md"))

	// The dangling wikilink resolves once a note carries its title.
	set(x, c, "missing.md", "Missing Note", "Now here.")
	assert.Equal(t, []models.Reference{
		wikilinkRef("notes/cafe.md", "tea.md", "Green Tea#Brewing"),
		wikilinkRef("notes/cafe.md", "missing.md", "Missing Note"),
	}, x.Outgoing("notes/cafe.md"))

	// And dangles again once it is gone.
	remove(x, c, "missing.md")
	assert.Equal(t, wikilinkRef("notes/cafe.md", "", "Missing Note"), x.Outgoing("notes/cafe.md")[1])
	assert.Empty(t, x.Incoming("missing.md"))
}

func TestMentions_LongestTitleFirstOccurrenceAndCap(t *testing.T) {
	x, c := New(Config{MaxPerParagraph: 2}), corpus{}
	set(x, c, "tea.md", "Tea", "Leaves.")
	set(x, c, "green.md", "Green Tea", "Steamed leaves.")
	set(x, c, "coffee.md", "Coffee", "Beans.")
	set(x, c, "milk.md", "Milk", "Dairy.")
	set(x, c, "sugar.md", "Sugar", "Sweet.")
	set(x, c, "go.md", "Go", "Too short to match.")
	set(x, c, "essay.md", "Essay", "Green tea and coffee.\n\nTea, milk, sugar and coffee with Go.\n\nMore tea.")

	assert.Equal(t, []models.Reference{
		mention("essay.md", "green.md", "Green tea"),
		mention("essay.md", "coffee.md", "coffee"),
		mention("essay.md", "tea.md", "Tea"),
		mention("essay.md", "milk.md", "milk"),
	}, x.Outgoing("essay.md"))
	assert.Empty(t, x.Incoming("sugar.md"), "third mention of a paragraph is over the cap")
	assert.Empty(t, x.Incoming("go.md"))
}

func TestMentions_AccentAndCaseInsensitive(t *testing.T) {
	x, c := New(DefaultConfig()), corpus{}
	set(x, c, "cafe.md", "Café Culture", "Tables.")
	set(x, c, "trip.md", "Trip", "We studied CAFE culture in Lisbon.")

	assert.Equal(t, []models.Reference{mention("trip.md", "cafe.md", "CAFE culture")}, x.Outgoing("trip.md"))
}

func TestSet_RetitleUpdatesReferrers(t *testing.T) {
	x, c := New(DefaultConfig()), corpus{}
	set(x, c, "coffee.md", "Coffee", "Beans.")
	set(x, c, "essay.md", "Essay", "Morning coffee.")
	require.Equal(t, []models.Reference{mention("essay.md", "coffee.md", "coffee")}, x.Outgoing("essay.md"))

	set(x, c, "coffee.md", "Espresso", "Beans.")
	assert.Empty(t, x.Outgoing("essay.md"))

	set(x, c, "brew.md", "Coffee", "Brewing.")
	assert.Equal(t, []models.Reference{mention("essay.md", "brew.md", "coffee")}, x.Outgoing("essay.md"))

	remove(x, c, "brew.md")
	assert.Empty(t, x.Outgoing("essay.md"))
	assert.Zero(t, x.Len())
}

func TestSet_WikilinkWinsOverMention(t *testing.T) {
	x, c := New(DefaultConfig()), corpus{}
	set(x, c, "coffee.md", "Coffee", "Beans.")
	set(x, c, "essay.md", "Essay", "Coffee first, then [[Coffee|more coffee]].")

	assert.Equal(t, []models.Reference{wikilinkRef("essay.md", "coffee.md", "Coffee")}, x.Outgoing("essay.md"))
}

func TestLoad_MatchesIncrementalUpdates(t *testing.T) {
	x, c := New(DefaultConfig()), corpus{}
	set(x, c, "essay.md", "Essay", "Tea and [[Coffee]] and [[Nowhere]].")
	set(x, c, "coffee.md", "Coffee", "Beans, unlike tea.")
	set(x, c, "tea.md", "Tea", "Leaves, see [[essay]].")
	set(x, c, "coffee.md", "Coffee", "Beans, like Essay says.")
	remove(x, c, "nothing.md")

	fresh := New(DefaultConfig())
	fresh.Load([]Note{
		{ID: "coffee.md", Title: "Coffee", Body: "Beans, like Essay says.", Text: c["coffee.md"]},
		{ID: "essay.md", Title: "Essay", Body: "Tea and [[Coffee]] and [[Nowhere]].", Text: c["essay.md"]},
		{ID: "tea.md", Title: "Tea", Body: "Leaves, see [[essay]].", Text: c["tea.md"]},
	})
	assert.Equal(t, fresh.All(), x.All())
	assert.Equal(t, 5, x.Len())
}

func TestDisableMentions(t *testing.T) {
	x, c := New(Config{DisableMentions: true}), corpus{}
	set(x, c, "coffee.md", "Coffee", "Beans.")
	set(x, c, "essay.md", "Essay", "Coffee and [[Coffee]].")

	assert.Equal(t, []models.Reference{wikilinkRef("essay.md", "coffee.md", "Coffee")}, x.Outgoing("essay.md"))
}

func TestRender(t *testing.T) {
	titles := map[string]string{"green.md": "Green Tea", "coffee.md": "Coffee"}
	title := func(id string) (string, bool) {
		s, ok := titles[id]
		return s, ok
	}
	body := "---\ntags: [coffee]\n---\nGreen tea and [[Other|coffee]] or coffee.\n"
	refs := []models.Reference{
		mention("essay.md", "green.md", "Green tea"),
		mention("essay.md", "coffee.md", "coffee"),
		mention("essay.md", "gone.md", "gone"),
		wikilinkRef("essay.md", "other.md", "Other"),
	}

	got := Render(body, refs, title)
	assert.Equal(t, "---\ntags: [coffee]\n---\n[[Green Tea|Green tea]] and [[Other|coffee]] or [[Coffee|coffee]].\n", got)
}

func TestRender_ExactTitleAndWholeWords(t *testing.T) {
	title := func(string) (string, bool) { return "Tea", true }
	got := Render("Steady Tea time.", []models.Reference{mention("a.md", "tea.md", "Tea")}, title)
	assert.Equal(t, "Steady [[Tea]] time.", got)
}
