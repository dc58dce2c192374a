package fold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts Options
		want string
	}{
		{"identity", "Café", Options{}, "Café"},
		{"accents only", "Café São", Options{Accents: true}, "Cafe Sao"},
		{"case only", "Café", Options{Case: true}, "café"},
		{"both", "CAFÉ Ação", Options{Case: true, Accents: true}, "cafe acao"},
		{"decomposed input", "cafe\u0301", Options{Accents: true}, "cafe"},
		{"sharp s folds to ss", "Straße", Options{Case: true}, "strasse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.in, tt.opts))
		})
	}
}

func TestMapOrigin(t *testing.T) {
	src := "O Café é bom"
	folded, offs := New(Options{Case: true, Accents: true}).Map(src)
	require.Equal(t, "o cafe e bom", folded)
	require.Len(t, offs, len(folded)+1)

	start, end := Origin(offs, 2, 6)
	assert.Equal(t, "Café", src[start:end])

	start, end = Origin(offs, 7, 8)
	assert.Equal(t, "é", src[start:end])
}

func TestOriginWidensSplitRune(t *testing.T) {
	src := "aßb"
	folded, offs := New(Options{Case: true}).Map(src)
	require.Equal(t, "assb", folded)

	// "s" covers half of the expansion of ß.
	start, end := Origin(offs, 1, 2)
	assert.Equal(t, "ß", src[start:end])
}

func TestOriginIdentity(t *testing.T) {
	start, end := Origin(nil, 3, 5)
	assert.Equal(t, 3, start)
	assert.Equal(t, 5, end)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "inteligencia artificial", Label("  Inteligência Artificial "))
}
