package rag

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// PromptTemplate identifies the enrichment template family chosen for a
// chunk's content type.
type PromptTemplate string

const (
	TemplateDefault   PromptTemplate = "default"
	TemplatePDF       PromptTemplate = "pdf"
	TemplateMathPDF   PromptTemplate = "math-pdf"
	TemplateCode      PromptTemplate = "code"
	TemplateTechnical PromptTemplate = "technical"
)

// tokenTarget is the requested enrichment size range for a template.
type tokenTarget struct {
	Min int
	Max int
}

var templateTargets = map[PromptTemplate]tokenTarget{
	TemplateDefault:   {Min: 60, Max: 120},
	TemplatePDF:       {Min: 80, Max: 150},
	TemplateMathPDF:   {Min: 100, Max: 180},
	TemplateCode:      {Min: 100, Max: 200},
	TemplateTechnical: {Min: 80, Max: 160},
}

// ContextPrompt is the output of the prompt builder. When CacheDocument is
// set the document is not embedded in Prompt; the caller passes it to the
// gateway so the provider can cache it across chunks. Otherwise the document
// is inlined in Prompt inside <document> tags.
type ContextPrompt struct {
	Template      PromptTemplate
	System        string
	Prompt        string
	CacheDocument string
}

// IsError reports whether the builder refused to produce a usable prompt;
// the enricher skips such chunks and keeps the raw text.
func (p ContextPrompt) IsError() bool {
	return strings.HasPrefix(p.Prompt, "Error:")
}

// BuildContextPrompt selects a template for the chunk's content type and
// yields either an inline prompt or, when cacheFriendly is set, a
// system/prompt pair with the document carried separately for provider-side
// caching. counter may be nil, in which case a character approximation is
// used for the token targets.
func BuildContextPrompt(chunkText, contentType, documentText string, counter TokenCounter, cacheFriendly bool) ContextPrompt {
	if strings.TrimSpace(chunkText) == "" {
		return ContextPrompt{Prompt: "Error: chunk text is empty"}
	}
	if strings.TrimSpace(documentText) == "" {
		return ContextPrompt{Prompt: "Error: document text is empty"}
	}
	if counter == nil {
		counter = &ApproxTokenCounter{}
	}

	template := selectTemplate(chunkText, contentType)
	target := adjustTarget(templateTargets[template], counter.Count(chunkText))
	instructions := templateInstructions(template, target)

	question := fmt.Sprintf(`Here is the chunk we want to situate within the whole document:
<chunk>
%s
</chunk>

%s

CRITICAL REQUIREMENT: your response MUST contain the original chunk text verbatim and unmodified; add the surrounding context around it, never rewrite or truncate it. Provide only the contextualized chunk, without any introductory phrases or explanations.`, chunkText, instructions)

	if cacheFriendly {
		return ContextPrompt{
			Template:      template,
			System:        systemPrompt(template),
			Prompt:        question,
			CacheDocument: documentText,
		}
	}
	return ContextPrompt{
		Template: template,
		Prompt:   fmt.Sprintf("<document>\n%s\n</document>\n\n%s", documentText, question),
	}
}

// adjustTarget widens the requested range when the chunk is already large:
// a chunk at or beyond 70 % of the template maximum would otherwise force
// the model to shrink it, breaking the verbatim requirement.
func adjustTarget(target tokenTarget, chunkTokens int) tokenTarget {
	if float64(chunkTokens) >= 0.7*float64(target.Max) {
		target.Max = int(math.Ceil(float64(chunkTokens) * 1.3))
		target.Min = chunkTokens
	}
	return target
}

func templateInstructions(template PromptTemplate, target tokenTarget) string {
	base := fmt.Sprintf("Produce a contextualized version of the chunk between %d and %d tokens long that situates it within the overall document for the purposes of improving search retrieval.", target.Min, target.Max)
	switch template {
	case TemplateCode:
		return base + " Preserve the code exactly: keep syntax, imports, type signatures, and identifiers intact. Describe what the code does and how it relates to the rest of the codebase."
	case TemplateMathPDF:
		return base + " Preserve all mathematical notation, equations, and symbols exactly as written. State which theorem, proof, or derivation the chunk belongs to and how it connects to the document's results."
	case TemplatePDF:
		return base + " Note the document section the chunk appears in and the surrounding discussion, so the chunk can be found from questions about the document."
	case TemplateTechnical:
		return base + " Keep API names, versions, commands, and configuration keys exact. Relate the chunk to the feature or workflow the documentation describes."
	default:
		return base + " Reflect the unique content of the chunk and relate it to the broader themes of the document, using varied natural language."
	}
}

func systemPrompt(template PromptTemplate) string {
	base := "You are an expert at situating document excerpts in context for semantic search. The full document is provided below; every request asks about one chunk of it. Always reproduce the given chunk verbatim inside your answer."
	switch template {
	case TemplateCode:
		return base + " The document is source code; never alter code fragments."
	case TemplateMathPDF:
		return base + " The document is mathematical; never alter notation."
	default:
		return base
	}
}

// Template selection heuristics.

var codeContentTypes = []string{"typescript", "javascript", "python", "java", "c++", "golang", "rust", "code"}

var mathKeywords = []string{
	"theorem", "lemma", "proof", "corollary", "equation", "derivative",
	"integral", "matrix", "vector", "algorithm", "convergence", "polynomial",
	"probability", "variance", "coefficient",
}

var latexMarkers = []string{`$$`, `\begin{equation}`, `\frac`, `\sum`, `\int`, `\alpha`, `\beta`, `\gamma`, `\lambda`, `\sigma`, `\theta`}

var (
	versionPattern  = regexp.MustCompile(`\bv?\d+\.\d+(\.\d+)?\b`)
	httpVerbPattern = regexp.MustCompile(`\b(GET|POST|PUT|PATCH|DELETE)\b`)
	headingPattern  = regexp.MustCompile(`(?mi)^#{0,6}\s*(introduction|overview|getting started|api reference|installation|configuration|usage)\b`)
	listPattern     = regexp.MustCompile(`(?m)^\s*([-*+]|\d+\.)\s+\S`)
	htmlTagPattern  = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

func selectTemplate(chunkText, contentType string) PromptTemplate {
	ct := normalizeContentType(contentType)

	for _, marker := range codeContentTypes {
		if strings.Contains(ct, marker) {
			return TemplateCode
		}
	}

	if ct == ContentTypePDF {
		if hasMathSignals(chunkText) {
			return TemplateMathPDF
		}
		return TemplatePDF
	}

	if ct == "text/markdown" || ct == "text/html" || hasTechnicalSignals(chunkText) {
		return TemplateTechnical
	}
	return TemplateDefault
}

func hasMathSignals(text string) bool {
	for _, marker := range latexMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range mathKeywords {
		if strings.Contains(lower, kw) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}

func hasTechnicalSignals(text string) bool {
	signals := 0
	if versionPattern.MatchString(text) {
		signals++
	}
	lower := strings.ToLower(text)
	for _, kw := range []string{" api ", " sdk ", " cli ", "endpoint", "http"} {
		if strings.Contains(lower, kw) {
			signals++
			break
		}
	}
	if httpVerbPattern.MatchString(text) {
		signals++
	}
	if htmlTagPattern.MatchString(text) {
		signals++
	}
	if headingPattern.MatchString(text) {
		signals++
	}
	if listPattern.MatchString(text) {
		signals++
	}
	return signals >= 2
}
