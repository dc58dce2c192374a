package linking

import "github.com/starford/synapse/internal/models"

// Config tunes link acceptance.
type Config struct {
	// Threshold is the minimum combined score for a link.
	Threshold float64 `yaml:"threshold"`
	// TopK bounds the neighbours considered per note.
	TopK             int     `yaml:"top_k"`
	SimilarityWeight float64 `yaml:"similarity_weight"`
	ConceptWeight    float64 `yaml:"concept_weight"`
	// SimilarityThreshold and ConceptThreshold are the sub-thresholds each
	// term must pass on its own to name the link reason.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	ConceptThreshold    float64 `yaml:"concept_threshold"`
	// SuppressionTolerance is the cosine distance an embedding must move
	// before a user-removed link may come back.
	SuppressionTolerance float64 `yaml:"suppression_tolerance"`
}

// DefaultConfig returns the default link policy.
func DefaultConfig() Config {
	return Config{
		Threshold:            0.75,
		TopK:                 10,
		SimilarityWeight:     0.9,
		ConceptWeight:        0.6,
		SimilarityThreshold:  0.8,
		ConceptThreshold:     0.3,
		SuppressionTolerance: 0.001,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.Threshold == 0 && c.SimilarityWeight == 0 && c.ConceptWeight == 0 {
		c.Threshold, c.SimilarityWeight, c.ConceptWeight = d.Threshold, d.SimilarityWeight, d.ConceptWeight
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.ConceptThreshold == 0 {
		c.ConceptThreshold = d.ConceptThreshold
	}
	if c.SuppressionTolerance == 0 {
		c.SuppressionTolerance = d.SuppressionTolerance
	}
	return c
}

// reason names the signal that carried a link. When neither term passes its
// sub-threshold alone, the one closer to its sub-threshold wins.
func (c Config) reason(cos, overlap float64) models.Reason {
	simOK := cos >= c.SimilarityThreshold
	conceptOK := overlap >= c.ConceptThreshold
	switch {
	case simOK && conceptOK:
		return models.ReasonBoth
	case simOK:
		return models.ReasonSimilarity
	case conceptOK:
		return models.ReasonSharedConcept
	}
	if overlap/c.ConceptThreshold > cos/c.SimilarityThreshold {
		return models.ReasonSharedConcept
	}
	return models.ReasonSimilarity
}
