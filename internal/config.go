package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/synapse/internal/concepts"
	"github.com/starford/synapse/internal/embedding"
	"github.com/starford/synapse/internal/linking"
	"github.com/starford/synapse/internal/mcpserver"
	"github.com/starford/synapse/internal/references"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/vectorindex"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Vault      VaultConfig       `yaml:"vault"`
	SQLite     SQLiteConfig      `yaml:"sqlite"`
	Auth       AuthConfig        `yaml:"auth"`
	Linking    LinkingConfig     `yaml:"linking"`
	References ReferencesConfig  `yaml:"references"`
	Vector     VectorConfig      `yaml:"vector"`
	Search     search.Config     `yaml:"search"`
	Embedding  EmbeddingConfig   `yaml:"embedding"`
	Concepts   ConceptsConfig    `yaml:"concepts"`
	Engine     EngineConfig      `yaml:"engine"`
	Assistant  mcpserver.Config  `yaml:"assistant"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"vault", &c.Vault},
		{"sqlite", &c.SQLite},
		{"auth", &c.Auth},
		{"linking", &c.Linking},
		{"references", &c.References},
		{"vector", &c.Vector},
		{"search", c.Search},
		{"embedding", &c.Embedding},
		{"concepts", &c.Concepts},
		{"engine", &c.Engine},
		{"assistant", c.Assistant},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// RegistryConfig assembles the registry settings from the engine sections.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		Linking:         linking.Config(c.Linking),
		References:      references.Config(c.References),
		Vector:          vectorindex.Config(c.Vector),
		Dimensions:      c.Embedding.Dimensions,
		ProviderTimeout: c.Engine.ProviderTimeout,
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig holds the path to the Markdown vault directory.
type VaultConfig struct {
	Path string `yaml:"path"`
	// Watch keeps the registry in step with edits made outside the API.
	Watch bool `yaml:"watch"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// LinkingConfig mirrors linking.Config for YAML decoding and validation.
type LinkingConfig linking.Config

// Validate validates the link policy.
func (c *LinkingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Threshold, validation.Min(0.0), validation.Max(1.5)),
		validation.Field(&c.TopK, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&c.SimilarityWeight, validation.Min(0.0)),
		validation.Field(&c.ConceptWeight, validation.Min(0.0)),
		validation.Field(&c.SimilarityThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.ConceptThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.SuppressionTolerance, validation.Min(0.0), validation.Max(2.0)),
	)
}

// ReferencesConfig mirrors references.Config for validation.
type ReferencesConfig references.Config

// Validate validates the mention rules.
func (c *ReferencesConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxPerParagraph, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.MinTitleLength, validation.Required, validation.Min(1)),
	)
}

// VectorConfig mirrors vectorindex.Config for validation.
type VectorConfig vectorindex.Config

// Validate validates the graph parameters.
func (c *VectorConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.M, validation.Required, validation.Min(2), validation.Max(128)),
		validation.Field(&c.EfConstruction, validation.Required, validation.Min(c.M)),
		validation.Field(&c.EfSearch, validation.Required, validation.Min(1)),
	)
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

// ProviderConfig converts the section to the embedding provider configuration.
func (c *EmbeddingConfig) ProviderConfig() embedding.Config {
	return embedding.Config{
		Provider:   c.Provider,
		Model:      c.Model,
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		Dimensions: c.Dimensions,
	}
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(embedding.ProviderHashing, embedding.ProviderOpenAI)),
		validation.Field(&c.Model, validation.When(c.Provider == embedding.ProviderOpenAI, validation.Required)),
		validation.Field(&c.BaseURL, validation.When(c.Provider == embedding.ProviderOpenAI, validation.Required)),
		validation.Field(&c.Dimensions, validation.When(c.Provider == embedding.ProviderHashing, validation.Required), validation.Min(0)),
	)
}

// EngineConfig holds runtime limits of the indexing engine.
type EngineConfig struct {
	// ProviderTimeout bounds each extractor and embedder call.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	// CheckpointInterval is how often the registry is saved to SQLite.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// GraphEventThrottle spaces graph.updated events on the SSE stream.
	GraphEventThrottle time.Duration `yaml:"graph_event_throttle"`
}

// Validate validates the engine configuration.
func (c *EngineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ProviderTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.CheckpointInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.GraphEventThrottle, validation.Min(time.Duration(0))),
	)
}

// ConceptsConfig mirrors concepts.Config for validation.
type ConceptsConfig concepts.Config

// Validate validates the extractor limits.
func (c *ConceptsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxConcepts, validation.Required, validation.Min(1)),
		validation.Field(&c.MinLength, validation.Required, validation.Min(1)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path:  "./vault",
			Watch: true,
		},
		SQLite: SQLiteConfig{
			Path: "./synapse.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Linking:    LinkingConfig(linking.DefaultConfig()),
		References: ReferencesConfig(references.DefaultConfig()),
		Vector:     VectorConfig(vectorindex.DefaultConfig()),
		Search:     search.DefaultConfig(),
		Embedding: EmbeddingConfig{
			Provider:   embedding.ProviderHashing,
			Dimensions: embedding.DefaultDimensions,
		},
		Concepts: ConceptsConfig(concepts.DefaultConfig()),
		Engine: EngineConfig{
			ProviderTimeout:    30 * time.Second,
			CheckpointInterval: 5 * time.Minute,
			GraphEventThrottle: 2 * time.Second,
		},
		Assistant: mcpserver.DefaultConfig(),
	}
}
