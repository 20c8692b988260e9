// Package config resolves the knowledge service configuration from the
// environment. Settings are parsed into a single struct built once at
// startup and passed everywhere by value; inconsistent combinations are
// rejected at resolution time with enumerated errors.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Recognized provider names.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGoogle     = "google"
	ProviderOpenRouter = "openrouter"
)

// Provider-imposed ceilings the rate-limit knobs are clamped to.
const (
	openAIEmbeddingMaxRPM = 3000
	openAIEmbeddingMaxTPM = 150000
	googleMaxRPM          = 60
	googleMaxTPM          = 100000
)

// ConfigError reports an invalid or inconsistent configuration.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Option, e.Reason)
}

// Config holds every knob the ingestion pipeline reads.
type Config struct {
	// Embedding backend selection.
	EmbeddingProvider  string `env:"EMBEDDING_PROVIDER" envDefault:"openai"`
	TextEmbeddingModel string `env:"TEXT_EMBEDDING_MODEL"`
	EmbeddingDimension int    `env:"EMBEDDING_DIMENSION" envDefault:"1536"`

	// OpenAI embedding fallbacks consumed when EMBEDDING_PROVIDER is
	// unset or "openai" and the primary options are empty.
	OpenAIEmbeddingModel      string `env:"OPENAI_EMBEDDING_MODEL"`
	OpenAIEmbeddingDimensions int    `env:"OPENAI_EMBEDDING_DIMENSIONS"`

	// Text backend selection; required only with contextual RAG on.
	TextProvider string `env:"TEXT_PROVIDER"`
	TextModel    string `env:"TEXT_MODEL"`

	// Per-provider credentials and endpoint overrides.
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey   string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL  string `env:"ANTHROPIC_BASE_URL"`
	GoogleAPIKey      string `env:"GOOGLE_API_KEY"`
	GoogleBaseURL     string `env:"GOOGLE_BASE_URL"`
	OpenRouterAPIKey  string `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL"`

	// Generation caps.
	MaxInputTokens  int `env:"MAX_INPUT_TOKENS" envDefault:"4000"`
	MaxOutputTokens int `env:"MAX_OUTPUT_TOKENS" envDefault:"4096"`

	// CtxRAGEnabled turns contextual enrichment on.
	CtxRAGEnabled bool `env:"CTX_RAG_ENABLED" envDefault:"false"`

	// Rate-limit knobs, clamped by provider ceilings in Validate.
	MaxConcurrentRequests int `env:"MAX_CONCURRENT_REQUESTS" envDefault:"30"`
	RequestsPerMinute     int `env:"REQUESTS_PER_MINUTE" envDefault:"60"`
	TokensPerMinute       int `env:"TOKENS_PER_MINUTE" envDefault:"150000"`

	// LogLevel is OFF, ERROR, WARN, INFO, or DEBUG.
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`
}

// Load reads an optional .env file, parses the environment, applies the
// OpenAI embedding fallbacks, and validates the result.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.EmbeddingProvider == "" {
		c.EmbeddingProvider = ProviderOpenAI
	}
	if c.EmbeddingProvider == ProviderOpenAI {
		if c.TextEmbeddingModel == "" {
			c.TextEmbeddingModel = c.OpenAIEmbeddingModel
		}
		if c.OpenAIEmbeddingDimensions > 0 {
			c.EmbeddingDimension = c.OpenAIEmbeddingDimensions
		}
	}
}

// Validate rejects inconsistent combinations and clamps rate-limit knobs to
// the selected provider's ceilings.
func (c *Config) Validate() error {
	switch c.EmbeddingProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return &ConfigError{Option: "OPENAI_API_KEY", Reason: "required when EMBEDDING_PROVIDER is openai"}
		}
		c.clampRates(openAIEmbeddingMaxRPM, openAIEmbeddingMaxTPM)
	case ProviderGoogle:
		if c.GoogleAPIKey == "" {
			return &ConfigError{Option: "GOOGLE_API_KEY", Reason: "required when EMBEDDING_PROVIDER is google"}
		}
		c.clampRates(googleMaxRPM, googleMaxTPM)
	default:
		return &ConfigError{Option: "EMBEDDING_PROVIDER", Reason: fmt.Sprintf("must be openai or google, got %q", c.EmbeddingProvider)}
	}

	if c.EmbeddingDimension <= 0 {
		return &ConfigError{Option: "EMBEDDING_DIMENSION", Reason: "must be positive"}
	}
	if c.MaxConcurrentRequests <= 0 {
		return &ConfigError{Option: "MAX_CONCURRENT_REQUESTS", Reason: "must be positive"}
	}

	if c.CtxRAGEnabled {
		if c.TextProvider == "" {
			return &ConfigError{Option: "TEXT_PROVIDER", Reason: "required when CTX_RAG_ENABLED is true"}
		}
		if c.TextModel == "" {
			return &ConfigError{Option: "TEXT_MODEL", Reason: "required when CTX_RAG_ENABLED is true"}
		}
		if _, err := c.TextAPIKey(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) clampRates(maxRPM, maxTPM int) {
	if c.RequestsPerMinute <= 0 || c.RequestsPerMinute > maxRPM {
		c.RequestsPerMinute = maxRPM
	}
	if c.TokensPerMinute <= 0 || c.TokensPerMinute > maxTPM {
		c.TokensPerMinute = maxTPM
	}
}

// EmbeddingAPIKey returns the credential for the selected embedding backend.
func (c *Config) EmbeddingAPIKey() string {
	if c.EmbeddingProvider == ProviderGoogle {
		return c.GoogleAPIKey
	}
	return c.OpenAIAPIKey
}

// EmbeddingBaseURL returns the endpoint override for the embedding backend.
func (c *Config) EmbeddingBaseURL() string {
	if c.EmbeddingProvider == ProviderGoogle {
		return c.GoogleBaseURL
	}
	return c.OpenAIBaseURL
}

// TextAPIKey returns the credential for the selected text backend, or an
// enumerated error when the provider is unknown or the key is missing.
func (c *Config) TextAPIKey() (string, error) {
	switch c.TextProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return "", &ConfigError{Option: "OPENAI_API_KEY", Reason: "required when TEXT_PROVIDER is openai"}
		}
		return c.OpenAIAPIKey, nil
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return "", &ConfigError{Option: "ANTHROPIC_API_KEY", Reason: "required when TEXT_PROVIDER is anthropic"}
		}
		return c.AnthropicAPIKey, nil
	case ProviderGoogle:
		if c.GoogleAPIKey == "" {
			return "", &ConfigError{Option: "GOOGLE_API_KEY", Reason: "required when TEXT_PROVIDER is google"}
		}
		return c.GoogleAPIKey, nil
	case ProviderOpenRouter:
		if c.OpenRouterAPIKey == "" {
			return "", &ConfigError{Option: "OPENROUTER_API_KEY", Reason: "required when TEXT_PROVIDER is openrouter"}
		}
		return c.OpenRouterAPIKey, nil
	default:
		return "", &ConfigError{Option: "TEXT_PROVIDER", Reason: fmt.Sprintf("must be openai, anthropic, openrouter, or google, got %q", c.TextProvider)}
	}
}

// TextBaseURL returns the endpoint override for the text backend.
func (c *Config) TextBaseURL() string {
	switch c.TextProvider {
	case ProviderAnthropic:
		return c.AnthropicBaseURL
	case ProviderGoogle:
		return c.GoogleBaseURL
	case ProviderOpenRouter:
		return c.OpenRouterBaseURL
	default:
		return c.OpenAIBaseURL
	}
}
