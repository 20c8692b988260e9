package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

func init() {
	RegisterEmbedder("openai", NewOpenAIEmbedder)
	RegisterGenerator("openai", NewOpenAIGenerator)
}

const (
	defaultOpenAIBaseURL        = "https://api.openai.com/v1"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultOpenAITextModel      = "gpt-4o-mini"
)

// OpenAIEmbedder implements the Embedder interface over OpenAI's
// /v1/embeddings endpoint. It is safe for concurrent use.
type OpenAIEmbedder struct {
	apiKey     string
	baseURL    string
	modelName  string
	dimensions int
	client     *http.Client
}

// NewOpenAIEmbedder creates an OpenAI embedding provider. The configured
// dimension is only forwarded for text-embedding-3-* models; other models
// have a fixed output width and reject the parameter.
func NewOpenAIEmbedder(cfg *Config) (Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI embedder")
	}
	e := &OpenAIEmbedder{
		apiKey:     cfg.APIKey,
		baseURL:    defaultOpenAIBaseURL,
		modelName:  defaultOpenAIEmbeddingModel,
		dimensions: cfg.Dimensions,
		client:     cfg.client(),
	}
	if cfg.Model != "" {
		e.modelName = cfg.Model
	}
	if cfg.BaseURL != "" {
		e.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return e, nil
}

// supportsDimensions reports whether the model accepts a dimensions override.
func supportsDimensions(model string) bool {
	return model == "text-embedding-3-small" || model == "text-embedding-3-large"
}

type openAIEmbeddingRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed converts the input text into a vector representation using the
// configured OpenAI model.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (*EmbedResult, error) {
	reqBody := openAIEmbeddingRequest{Input: text, Model: e.modelName}
	if supportsDimensions(e.modelName) && e.dimensions > 0 {
		reqBody.Dimensions = e.dimensions
	}

	var resp openAIEmbeddingResponse
	err := postJSON(ctx, e.client, e.baseURL+"/embeddings",
		map[string]string{"Authorization": "Bearer " + e.apiKey},
		reqBody, &resp, "openai")
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: no embedding data in response")
	}
	return &EmbedResult{
		Vector:       resp.Data[0].Embedding,
		PromptTokens: resp.Usage.PromptTokens,
	}, nil
}

// OpenAIGenerator implements the Generator interface over OpenAI's
// /v1/chat/completions endpoint.
type OpenAIGenerator struct {
	apiKey    string
	baseURL   string
	modelName string
	maxTokens int
	client    *http.Client
}

// NewOpenAIGenerator creates an OpenAI text generation provider.
func NewOpenAIGenerator(cfg *Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI generator")
	}
	g := &OpenAIGenerator{
		apiKey:    cfg.APIKey,
		baseURL:   defaultOpenAIBaseURL,
		modelName: defaultOpenAITextModel,
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

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Usage       interface{}   `json:"usage,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int     `json:"prompt_tokens"`
		CompletionTokens    int     `json:"completion_tokens"`
		CacheDiscount       float64 `json:"cache_discount"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// Generate produces a completion for prompt with an optional system prompt.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, opts *GenerateOptions) (*GenerateResult, error) {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	var messages []chatMessage
	if opts.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatCompletionRequest{
		Model:       g.modelName,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   g.effectiveMaxTokens(opts),
	}

	var resp chatCompletionResponse
	err := postJSON(ctx, g.client, g.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + g.apiKey},
		reqBody, &resp, "openai")
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices in response")
	}
	return &GenerateResult{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CacheTokens:      resp.Usage.PromptTokensDetails.CachedTokens,
	}, nil
}

func (g *OpenAIGenerator) effectiveMaxTokens(opts *GenerateOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return g.maxTokens
}
