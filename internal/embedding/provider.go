// Package embedding provides the embedding providers the registry consumes.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidConfig indicates an unusable provider configuration.
var ErrInvalidConfig = errors.New("invalid embedding configuration")

// Provider turns text into a fixed-length vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the length of the vectors Embed produces.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// Provider names accepted by NewProvider.
const (
	ProviderHashing = "hashing"
	ProviderOpenAI  = "openai"
)

// Config holds configuration for creating an embedding provider.
type Config struct {
	// Provider is "hashing" (local, deterministic) or "openai" (any
	// OpenAI-compatible endpoint: OpenAI, TEI, Ollama).
	Provider string
	// Model is the remote embedding model name.
	Model string
	// BaseURL is the remote endpoint, e.g. http://localhost:8080/v1.
	BaseURL string
	// APIKey is optional for local servers.
	APIKey string
	// Dimensions is the vector length.
	Dimensions int
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderHashing, "":
		return NewHashing(cfg.Dimensions), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
