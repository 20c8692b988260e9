// Package providers implements the model-provider backends used by the
// ingestion pipeline: OpenAI, Anthropic, Google, and OpenRouter. Each backend
// speaks the vendor's public HTTP/JSON API directly. The registration system
// allows new providers to be added while keeping a consistent interface for
// the rest of the system.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Config holds the settings shared by all provider backends. Different
// providers use different subsets; unknown fields are ignored.
type Config struct {
	// APIKey authenticates against the provider's service.
	APIKey string

	// Model is the provider-specific model identifier.
	Model string

	// BaseURL overrides the provider's default endpoint.
	BaseURL string

	// Dimensions requests a specific embedding width. Only honored by
	// OpenAI text-embedding-3-* models; other models ignore it.
	Dimensions int

	// MaxOutputTokens caps generation length.
	MaxOutputTokens int

	// HTTPClient lets callers inject a client (tests use httptest).
	HTTPClient *http.Client
}

func (c *Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 120 * time.Second}
}

// EmbedResult is the projection of a provider embedding response that the
// pipeline actually consumes.
type EmbedResult struct {
	Vector       []float32
	PromptTokens int
}

// GenerateOptions carries the optional parts of a generation request.
type GenerateOptions struct {
	// System is the system prompt, empty for none.
	System string

	// Temperature defaults to 0.3 when zero-valued is fine for callers;
	// the gateway always sets it explicitly.
	Temperature float64

	// MaxTokens caps the completion; 0 means the provider's configured cap.
	MaxTokens int

	// CacheDocument is a document to pin in the provider's prompt cache.
	// Only cache-capable OpenRouter models act on it.
	CacheDocument string

	// DisableAutoCache turns off document auto-detection from the prompt.
	DisableAutoCache bool
}

// GenerateResult is the discriminated provider response projected down to
// what the pipeline consumes.
type GenerateResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	CacheTokens      int
	CacheDiscount    float64
}

// Embedder converts text into a dense vector representation.
type Embedder interface {
	Embed(ctx context.Context, text string) (*EmbedResult, error)
}

// Generator produces text completions for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts *GenerateOptions) (*GenerateResult, error)
}

// EmbedderFactory creates a new Embedder from a Config.
type EmbedderFactory func(cfg *Config) (Embedder, error)

// GeneratorFactory creates a new Generator from a Config.
type GeneratorFactory func(cfg *Config) (Generator, error)

var (
	mu                 sync.RWMutex
	embedderFactories  = make(map[string]EmbedderFactory)
	generatorFactories = make(map[string]GeneratorFactory)
)

// RegisterEmbedder registers a new embedder factory under the given name.
func RegisterEmbedder(name string, factory EmbedderFactory) {
	mu.Lock()
	defer mu.Unlock()
	embedderFactories[name] = factory
}

// RegisterGenerator registers a new generator factory under the given name.
func RegisterGenerator(name string, factory GeneratorFactory) {
	mu.Lock()
	defer mu.Unlock()
	generatorFactories[name] = factory
}

// GetEmbedder creates an Embedder for the named provider.
func GetEmbedder(name string, cfg *Config) (Embedder, error) {
	mu.RLock()
	factory, ok := embedderFactories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embedding provider not found: %s", name)
	}
	return factory(cfg)
}

// GetGenerator creates a Generator for the named provider.
func GetGenerator(name string, cfg *Config) (Generator, error) {
	mu.RLock()
	factory, ok := generatorFactories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("text provider not found: %s", name)
	}
	return factory(cfg)
}

// List returns the names of all registered generator providers.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(generatorFactories))
	for name := range generatorFactories {
		names = append(names, name)
	}
	return names
}
