package embedding

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/starford/synapse/internal/fold"
)

// DefaultDimensions matches all-MiniLM-L6-v2, the model notes were first embedded with.
const DefaultDimensions = 384

// Hashing is a local embedder using signed feature hashing of folded words
// and character trigrams. It needs no model files, is deterministic and
// gives texts sharing vocabulary a high cosine similarity.
type Hashing struct {
	dims int
}

// NewHashing returns a hashing embedder producing dims-length vectors.
func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Hashing{dims: dims}
}

// Embed returns the L2-normalized feature vector of text. Blank text yields the zero vector.
func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, h.dims)
	words := strings.FieldsFunc(fold.String(text, fold.Options{Case: true, Accents: true}), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h.add(vec, "w:"+w, 1)
		padded := []rune("^" + w + "$")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(vec, "g:"+string(padded[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, h.dims)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *Hashing) add(vec []float64, feature string, weight float64) {
	sum := xxhash.Sum64String(feature)
	idx := sum % uint64(h.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// Dimension returns the vector length.
func (h *Hashing) Dimension() int { return h.dims }

// Close is a no-op.
func (h *Hashing) Close() error { return nil }
