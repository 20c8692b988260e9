package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContextPromptEmptyInputs(t *testing.T) {
	p := BuildContextPrompt("", "text/plain", "doc", nil, false)
	assert.True(t, p.IsError())

	p = BuildContextPrompt("chunk", "text/plain", "   ", nil, false)
	assert.True(t, p.IsError())
}

func TestBuildContextPromptInline(t *testing.T) {
	p := BuildContextPrompt("the chunk text", "text/plain", "the full document", nil, false)
	require.False(t, p.IsError())

	assert.Empty(t, p.System)
	assert.Empty(t, p.CacheDocument)
	assert.Contains(t, p.Prompt, "<document>\nthe full document\n</document>")
	assert.Contains(t, p.Prompt, "<chunk>\nthe chunk text\n</chunk>")
	assert.Contains(t, p.Prompt, "verbatim")
}

func TestBuildContextPromptCacheFriendly(t *testing.T) {
	p := BuildContextPrompt("the chunk text", "text/plain", "the full document", nil, true)
	require.False(t, p.IsError())

	assert.Equal(t, "the full document", p.CacheDocument)
	assert.NotEmpty(t, p.System)
	assert.NotContains(t, p.Prompt, "<document>")
	assert.Contains(t, p.Prompt, "<chunk>\nthe chunk text\n</chunk>")
}

func TestSelectTemplate(t *testing.T) {
	tests := []struct {
		name        string
		chunk       string
		contentType string
		want        PromptTemplate
	}{
		{
			name:        "plain prose",
			chunk:       "Once upon a time there was a story about nothing in particular.",
			contentType: "text/plain",
			want:        TemplateDefault,
		},
		{
			name:        "code content type",
			chunk:       "func main() {}",
			contentType: "application/typescript",
			want:        TemplateCode,
		},
		{
			name:        "pdf prose",
			chunk:       "The committee met on Tuesday to discuss the annual budget.",
			contentType: "application/pdf",
			want:        TemplatePDF,
		},
		{
			name:        "pdf with latex",
			chunk:       `We define the loss as $$L = \sum_i (y_i - f(x_i))^2$$ and minimize it.`,
			contentType: "application/pdf",
			want:        TemplateMathPDF,
		},
		{
			name:        "pdf with math keywords",
			chunk:       "By the theorem above, the proof follows from the convergence of the series.",
			contentType: "application/pdf",
			want:        TemplateMathPDF,
		},
		{
			name:        "markdown is technical",
			chunk:       "Install the package and run it.",
			contentType: "text/markdown",
			want:        TemplateTechnical,
		},
		{
			name:        "technical signals in plain text",
			chunk:       "Use the http endpoint with a GET request against v2.1 of the service.",
			contentType: "text/plain",
			want:        TemplateTechnical,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectTemplate(tt.chunk, tt.contentType))
		})
	}
}

func TestAdjustTargetLargeChunk(t *testing.T) {
	target := tokenTarget{Min: 60, Max: 120}

	// Small chunks keep the template range.
	assert.Equal(t, target, adjustTarget(target, 50))

	// A chunk at 70 % of the max widens the range so the model never has to
	// shrink the chunk.
	adjusted := adjustTarget(target, 100)
	assert.Equal(t, 100, adjusted.Min)
	assert.Equal(t, 130, adjusted.Max)
}

func TestBuildContextPromptTargetsInPrompt(t *testing.T) {
	chunk := strings.Repeat("word ", 200) // ~286 approx tokens
	p := BuildContextPrompt(chunk, "text/plain", "document body", nil, false)
	require.False(t, p.IsError())

	// The widened target must appear in the instructions.
	counter := &ApproxTokenCounter{}
	chunkTokens := counter.Count(chunk)
	assert.Contains(t, p.Prompt, "between")
	assert.Regexp(t, "between [0-9]+ and [0-9]+ tokens", p.Prompt)
	assert.GreaterOrEqual(t, chunkTokens, 100)
}

func TestSystemPromptVariants(t *testing.T) {
	assert.Contains(t, systemPrompt(TemplateCode), "source code")
	assert.Contains(t, systemPrompt(TemplateMathPDF), "mathematical")
	assert.Contains(t, systemPrompt(TemplateDefault), "verbatim")
}
