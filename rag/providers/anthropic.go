package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

func init() {
	RegisterGenerator("anthropic", NewAnthropicGenerator)
}

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
)

// AnthropicGenerator implements the Generator interface over Anthropic's
// /v1/messages endpoint.
type AnthropicGenerator struct {
	apiKey    string
	baseURL   string
	modelName string
	maxTokens int
	client    *http.Client
}

// NewAnthropicGenerator creates an Anthropic text generation provider.
func NewAnthropicGenerator(cfg *Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic generator")
	}
	g := &AnthropicGenerator{
		apiKey:    cfg.APIKey,
		baseURL:   defaultAnthropicBaseURL,
		modelName: defaultAnthropicModel,
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

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate produces a completion for prompt with an optional system prompt.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string, opts *GenerateOptions) (*GenerateResult, error) {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	maxTokens := g.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	reqBody := anthropicRequest{
		Model:       g.modelName,
		MaxTokens:   maxTokens,
		System:      opts.System,
		Temperature: opts.Temperature,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}

	var resp anthropicResponse
	err := postJSON(ctx, g.client, g.baseURL+"/v1/messages",
		map[string]string{
			"x-api-key":         g.apiKey,
			"anthropic-version": anthropicAPIVersion,
		},
		reqBody, &resp, "anthropic")
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: no text content in response")
	}
	return &GenerateResult{
		Text:             text.String(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}
