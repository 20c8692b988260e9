package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

func init() {
	RegisterEmbedder("google", NewGoogleEmbedder)
	RegisterGenerator("google", NewGoogleGenerator)
}

const (
	defaultGoogleBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultGoogleEmbeddingModel = "text-embedding-004"
	defaultGoogleTextModel      = "gemini-2.0-flash"
)

// GoogleEmbedder implements the Embedder interface over the Generative
// Language API embedContent endpoint. The API key travels on the request
// rather than through the process environment.
type GoogleEmbedder struct {
	apiKey    string
	baseURL   string
	modelName string
	client    *http.Client
}

// NewGoogleEmbedder creates a Google embedding provider.
func NewGoogleEmbedder(cfg *Config) (Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Google embedder")
	}
	e := &GoogleEmbedder{
		apiKey:    cfg.APIKey,
		baseURL:   defaultGoogleBaseURL,
		modelName: defaultGoogleEmbeddingModel,
		client:    cfg.client(),
	}
	if cfg.Model != "" {
		e.modelName = cfg.Model
	}
	if cfg.BaseURL != "" {
		e.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return e, nil
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleEmbedRequest struct {
	Model   string        `json:"model"`
	Content googleContent `json:"content"`
}

type googleEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Embed converts the input text into a vector using the configured model.
func (e *GoogleEmbedder) Embed(ctx context.Context, text string) (*EmbedResult, error) {
	model := e.modelName
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	reqBody := googleEmbedRequest{
		Model:   model,
		Content: googleContent{Parts: []googlePart{{Text: text}}},
	}

	var resp googleEmbedResponse
	url := fmt.Sprintf("%s/%s:embedContent?key=%s", e.baseURL, model, e.apiKey)
	if err := postJSON(ctx, e.client, url, nil, reqBody, &resp, "google"); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("google: no embedding values in response")
	}
	return &EmbedResult{Vector: resp.Embedding.Values}, nil
}

// GoogleGenerator implements the Generator interface over the Generative
// Language API generateContent endpoint.
type GoogleGenerator struct {
	apiKey    string
	baseURL   string
	modelName string
	maxTokens int
	client    *http.Client
}

// NewGoogleGenerator creates a Google text generation provider.
func NewGoogleGenerator(cfg *Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Google generator")
	}
	g := &GoogleGenerator{
		apiKey:    cfg.APIKey,
		baseURL:   defaultGoogleBaseURL,
		modelName: defaultGoogleTextModel,
		maxTokens: cfg.MaxOutputTokens,
		client:    cfg.client(),
	}
	if cfg.Model != "" {
		g.modelName = cfg.Model
	}
	if cfg.BaseURL != "" {
		g.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return g, nil
}

type googleGenerateRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type googleGenerateResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Generate produces a completion for prompt with an optional system prompt.
func (g *GoogleGenerator) Generate(ctx context.Context, prompt string, opts *GenerateOptions) (*GenerateResult, error) {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	reqBody := googleGenerateRequest{
		Contents: []googleContent{
			{Role: "user", Parts: []googlePart{{Text: prompt}}},
		},
	}
	if opts.System != "" {
		reqBody.SystemInstruction = &googleContent{Parts: []googlePart{{Text: opts.System}}}
	}
	reqBody.GenerationConfig.Temperature = opts.Temperature
	reqBody.GenerationConfig.MaxOutputTokens = g.maxTokens
	if opts.MaxTokens > 0 {
		reqBody.GenerationConfig.MaxOutputTokens = opts.MaxTokens
	}

	model := g.modelName
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	var resp googleGenerateResponse
	url := fmt.Sprintf("%s/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	if err := postJSON(ctx, g.client, url, nil, reqBody, &resp, "google"); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("google: no candidates in response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return &GenerateResult{
		Text:             text.String(),
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}
