package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

func init() {
	RegisterGenerator("openrouter", NewOpenRouterGenerator)
}

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterGenerator implements the Generator interface over OpenRouter's
// OpenAI-compatible chat completions endpoint, adding provider-aware prompt
// caching. Claude models receive an explicit cache_control breakpoint on the
// document segment; Gemini 2.5 models receive a deterministic single-string
// prompt so the provider's implicit prefix cache can engage.
type OpenRouterGenerator struct {
	apiKey    string
	baseURL   string
	modelName string
	maxTokens int
	client    *http.Client
}

// NewOpenRouterGenerator creates an OpenRouter text generation provider.
func NewOpenRouterGenerator(cfg *Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenRouter generator")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for OpenRouter generator")
	}
	g := &OpenRouterGenerator{
		apiKey:    cfg.APIKey,
		baseURL:   defaultOpenRouterBaseURL,
		modelName: cfg.Model,
		maxTokens: cfg.MaxOutputTokens,
		client:    cfg.client(),
	}
	if cfg.BaseURL != "" {
		g.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return g, nil
}

// IsClaudeModel reports whether an OpenRouter model identifier names an
// Anthropic Claude model.
func IsClaudeModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "claude") || strings.HasPrefix(m, "anthropic/")
}

// IsGeminiModel reports whether an OpenRouter model identifier names a
// Google Gemini model.
func IsGeminiModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "gemini")
}

// SupportsDocumentCaching reports whether the model benefits from passing
// the document separately from the chunk prompt.
func SupportsDocumentCaching(model string) bool {
	return IsClaudeModel(model) || IsGeminiModel(model)
}

// contentPart is one segment of a structured multi-part message.
type contentPart struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type usageInclude struct {
	Include bool `json:"include"`
}

// ExtractDocumentTag pulls a <document>...</document> block out of a prompt,
// returning the document text and the prompt with the block removed. ok is
// false when no complete tag pair is present.
func ExtractDocumentTag(prompt string) (document, remainder string, ok bool) {
	const open, close = "<document>", "</document>"
	start := strings.Index(prompt, open)
	if start < 0 {
		return "", prompt, false
	}
	end := strings.Index(prompt[start:], close)
	if end < 0 {
		return "", prompt, false
	}
	end += start
	document = strings.TrimSpace(prompt[start+len(open) : end])
	remainder = strings.TrimSpace(prompt[:start] + prompt[end+len(close):])
	return document, remainder, document != ""
}

// Generate produces a completion, routing through the caching path matching
// the underlying model family. All calls request usage accounting so cache
// hits are observable.
func (g *OpenRouterGenerator) Generate(ctx context.Context, prompt string, opts *GenerateOptions) (*GenerateResult, error) {
	if opts == nil {
		opts = &GenerateOptions{}
	}

	document := opts.CacheDocument
	question := prompt
	if document == "" && !opts.DisableAutoCache && SupportsDocumentCaching(g.modelName) {
		if doc, rest, ok := ExtractDocumentTag(prompt); ok {
			document, question = doc, rest
		}
	}

	var messages []chatMessage
	switch {
	case IsClaudeModel(g.modelName) && document != "":
		messages = g.claudeCachedMessages(opts.System, document, question)
	case IsGeminiModel(g.modelName) && document != "":
		messages = []chatMessage{{Role: "user", Content: geminiPrompt(opts.System, document, question)}}
	default:
		if opts.System != "" {
			messages = append(messages, chatMessage{Role: "system", Content: opts.System})
		}
		messages = append(messages, chatMessage{Role: "user", Content: prompt})
	}

	reqBody := chatCompletionRequest{
		Model:       g.modelName,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   g.maxTokens,
		Usage:       usageInclude{Include: true},
	}
	if opts.MaxTokens > 0 {
		reqBody.MaxTokens = opts.MaxTokens
	}

	var resp chatCompletionResponse
	err := postJSON(ctx, g.client, g.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + g.apiKey},
		reqBody, &resp, "openrouter")
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter: no choices in response")
	}
	return &GenerateResult{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CacheTokens:      resp.Usage.PromptTokensDetails.CachedTokens,
		CacheDiscount:    resp.Usage.CacheDiscount,
	}, nil
}

// claudeCachedMessages builds the structured message list with an ephemeral
// cache_control breakpoint on the document segment. With a system prompt the
// document is pinned inside the system turn; otherwise it leads the user
// turn, followed by the chunk-specific question.
func (g *OpenRouterGenerator) claudeCachedMessages(system, document, question string) []chatMessage {
	docPart := contentPart{
		Type:         "text",
		Text:         "<document>\n" + document + "\n</document>",
		CacheControl: &cacheControl{Type: "ephemeral"},
	}

	if system != "" {
		return []chatMessage{
			{Role: "system", Content: []contentPart{
				{Type: "text", Text: system},
				docPart,
			}},
			{Role: "user", Content: question},
		}
	}
	return []chatMessage{
		{Role: "user", Content: []contentPart{
			docPart,
			{Type: "text", Text: question},
		}},
	}
}

// geminiPrompt composes the deterministic single-string prompt Gemini's
// implicit prefix cache keys on: system, then document, then question. The
// cache only registers above the provider's minimum prefix (about 2048
// tokens on 2.5 Pro, 1028 on 2.5 Flash); smaller documents get the same
// prompt and simply miss.
func geminiPrompt(system, document, question string) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("<document>\n")
	b.WriteString(document)
	b.WriteString("\n</document>")
	b.WriteString("\n\n")
	b.WriteString(question)
	return b.String()
}
