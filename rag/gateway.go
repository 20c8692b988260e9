package rag

import (
	"context"
	"fmt"
	"net/http"

	"github.com/zpark/knowledge/rag/providers"
)

// generationTemperature is used for all enrichment calls; contextualization
// wants determinism more than creativity.
const generationTemperature = 0.3

// GatewayConfig selects and configures the embedding and text backends.
type GatewayConfig struct {
	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string
	// EmbeddingDimension is forwarded to providers that honor it.
	EmbeddingDimension int

	// TextProvider may be empty when contextual enrichment is disabled;
	// the gateway then has no generator and Generate returns an error.
	TextProvider string
	TextModel    string
	TextAPIKey   string
	TextBaseURL  string

	MaxOutputTokens int

	// HTTPClient is shared by all backends when set (tests inject one).
	HTTPClient *http.Client
}

// Gateway provides unified Embed and Generate operations across the
// registered providers.
type Gateway struct {
	embedder     providers.Embedder
	generator    providers.Generator
	textProvider string
	textModel    string
}

// NewGateway builds a gateway from the given configuration. The embedding
// backend is required; the text backend is built only when TextProvider is
// set.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	embedder, err := providers.GetEmbedder(cfg.EmbeddingProvider, &providers.Config{
		APIKey:     cfg.EmbeddingAPIKey,
		Model:      cfg.EmbeddingModel,
		BaseURL:    cfg.EmbeddingBaseURL,
		Dimensions: cfg.EmbeddingDimension,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedder: %w", cfg.EmbeddingProvider, err)
	}

	gw := &Gateway{embedder: embedder, textProvider: cfg.TextProvider, textModel: cfg.TextModel}
	if cfg.TextProvider != "" {
		generator, err := providers.GetGenerator(cfg.TextProvider, &providers.Config{
			APIKey:          cfg.TextAPIKey,
			Model:           cfg.TextModel,
			BaseURL:         cfg.TextBaseURL,
			MaxOutputTokens: cfg.MaxOutputTokens,
			HTTPClient:      cfg.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s generator: %w", cfg.TextProvider, err)
		}
		gw.generator = generator
	}
	return gw, nil
}

// Embed converts text into a vector using the configured embedding backend.
func (g *Gateway) Embed(ctx context.Context, text string) (*providers.EmbedResult, error) {
	result, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	return result, nil
}

// Generate produces text with the configured text backend at the pipeline's
// fixed temperature.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (*providers.GenerateResult, error) {
	if g.generator == nil {
		return nil, fmt.Errorf("no text provider configured")
	}
	if opts == nil {
		opts = &providers.GenerateOptions{}
	}
	if opts.Temperature == 0 {
		opts.Temperature = generationTemperature
	}
	result, err := g.generator.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("generation failed (%s): %w", g.textProvider, err)
	}
	if result.CacheTokens > 0 {
		GlobalLogger.Debug("prompt cache hit",
			"model", g.textModel, "cache_tokens", result.CacheTokens,
			"cache_discount", result.CacheDiscount)
	}
	return result, nil
}

// SupportsDocumentCaching reports whether the active text model benefits
// from receiving the document separately from the chunk prompt.
func (g *Gateway) SupportsDocumentCaching() bool {
	return g.textProvider == "openrouter" && providers.SupportsDocumentCaching(g.textModel)
}
