package vectorindex

import (
	"math"
	"slices"
)

// Normalize returns a unit-length copy of vec. The zero vector is returned as a copy unchanged.
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return slices.Clone(vec)
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Dot returns the dot product of a and b, which equals cosine similarity for unit vectors.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine returns the cosine similarity of a and b in [-1, 1]; zero when
// either vector is empty, zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Drift returns the cosine distance between two embeddings of the same note.
// Vectors of different length are maximally drifted.
func Drift(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	if slices.Equal(a, b) {
		return 0
	}
	return 1 - Cosine(a, b)
}

// BruteForce ranks every vector by exact cosine similarity to q. It is the
// ground truth the HNSW graph is measured against.
func BruteForce(q []float32, vectors map[string][]float32, k int, exclude ...string) []Result {
	out := make([]Result, 0, len(vectors))
	for id, v := range vectors {
		if slices.Contains(exclude, id) {
			continue
		}
		out = append(out, Result{ID: id, Similarity: Cosine(q, v)})
	}
	sortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}
