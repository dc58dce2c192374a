package concepts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_NormalizesLabels(t *testing.T) {
	e := New(DefaultConfig())
	got, err := e.Extract(context.Background(), "Inteligência artificial e INTELIGENCIA Artificial")
	require.NoError(t, err)
	assert.Equal(t, []string{"artificial", "inteligencia"}, got)
}

func TestExtract_AcronymsAndCompoundTerms(t *testing.T) {
	e := New(DefaultConfig())
	got, err := e.Extract(context.Background(), "The NLP pipeline uses machine-learning models via an API.")
	require.NoError(t, err)
	assert.Contains(t, got, "nlp")
	assert.Contains(t, got, "api")
	assert.Contains(t, got, "machine-learning")
	assert.Contains(t, got, "pipeline")
	assert.NotContains(t, got, "the")
}

func TestExtract_DropsNoise(t *testing.T) {
	e := New(DefaultConfig())
	got, err := e.Extract(context.Background(), "2024 is a year; 12345 go ok coisa tempo!!!")
	require.NoError(t, err)
	assert.Equal(t, []string{"year"}, got)
}

func TestExtract_CustomStopwords(t *testing.T) {
	e := New(Config{Stopwords: []string{"Project"}})
	got, err := e.Extract(context.Background(), "project roadmap")
	require.NoError(t, err)
	assert.Equal(t, []string{"roadmap"}, got)
}

func TestExtract_CapKeepsMostFrequent(t *testing.T) {
	e := New(Config{MaxConcepts: 2})
	got, err := e.Extract(context.Background(), "alpha beta gamma beta gamma gamma")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "gamma"}, got)
}

func TestExtract_EmptyText(t *testing.T) {
	e := New(DefaultConfig())
	got, err := e.Extract(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(DefaultConfig()).Extract(ctx, "text")
	require.ErrorIs(t, err, context.Canceled)
}

func TestExtract_Deterministic(t *testing.T) {
	e := New(DefaultConfig())
	text := "Coffee houses served as meeting places for merchants, writers and scientists."
	a, err := e.Extract(context.Background(), text)
	require.NoError(t, err)
	b, err := e.Extract(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
