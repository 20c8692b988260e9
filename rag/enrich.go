package rag

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zpark/knowledge/rag/providers"
)

// EnrichedChunk is the result of contextualizing a single chunk. Position is
// the chunk's original index so callers can reassemble order regardless of
// completion order. On failure Text falls back to the raw chunk.
type EnrichedChunk struct {
	Position int
	Text     string
	Success  bool
}

// Enricher drives the prompt builder and gateway across a batch of chunks,
// under the shared rate limiter and the single-retry 429 policy. It
// guarantees that every returned text contains the original chunk verbatim.
type Enricher struct {
	gateway     *Gateway
	limiter     *ProviderLimiter
	counter     TokenCounter
	enabled     bool
	concurrency int
	logger      Logger
}

// NewEnricher creates an enricher. When enabled is false every batch
// short-circuits to the raw chunks with success=true.
func NewEnricher(gateway *Gateway, limiter *ProviderLimiter, counter TokenCounter, enabled bool, concurrency int) *Enricher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if counter == nil {
		counter = &ApproxTokenCounter{}
	}
	return &Enricher{
		gateway:     gateway,
		limiter:     limiter,
		counter:     counter,
		enabled:     enabled,
		concurrency: concurrency,
		logger:      GlobalLogger,
	}
}

// Enabled reports whether contextual enrichment is active.
func (e *Enricher) Enabled() bool {
	return e.enabled
}

// EnrichBatch contextualizes a batch of chunks against their source
// document. Chunks are dispatched concurrently with bounded parallelism;
// the result slice is index-aligned with the input and every entry carries
// the chunk's original position. Failures are absorbed: the affected entry
// falls back to the raw chunk with Success=false.
func (e *Enricher) EnrichBatch(ctx context.Context, chunks []Chunk, documentText, contentType string) []EnrichedChunk {
	results := make([]EnrichedChunk, len(chunks))

	if !e.enabled || e.gateway == nil {
		for i, chunk := range chunks {
			results[i] = EnrichedChunk{Position: chunk.Position, Text: chunk.Text, Success: true}
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range chunks {
		i := i
		g.Go(func() error {
			results[i] = e.enrichOne(ctx, chunks[i], documentText, contentType)
			return nil
		})
	}
	g.Wait()
	return results
}

func (e *Enricher) enrichOne(ctx context.Context, chunk Chunk, documentText, contentType string) EnrichedChunk {
	fallback := EnrichedChunk{Position: chunk.Position, Text: chunk.Text, Success: false}

	cacheFriendly := e.gateway.SupportsDocumentCaching()
	prompt := BuildContextPrompt(chunk.Text, contentType, documentText, e.counter, cacheFriendly)
	if prompt.IsError() {
		e.logger.Warn("skipping enrichment", "position", chunk.Position, "reason", prompt.Prompt)
		return fallback
	}

	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx, e.counter.Count(prompt.Prompt)); err != nil {
			e.logger.Warn("rate limiter wait failed", "position", chunk.Position, "error", err)
			return fallback
		}
	}

	var result *providers.GenerateResult
	err := WithRateLimitRetry(ctx, "enrich", func() error {
		var genErr error
		result, genErr = e.gateway.Generate(ctx, prompt.Prompt, &providers.GenerateOptions{
			System:        prompt.System,
			CacheDocument: prompt.CacheDocument,
		})
		return genErr
	})
	if err != nil {
		e.logger.Warn("enrichment failed, keeping raw chunk", "position", chunk.Position, "error", err)
		return fallback
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return fallback
	}
	if !strings.Contains(text, chunk.Text) {
		// The model dropped or rewrote the chunk; repair by appending the
		// original so the verbatim invariant holds.
		text = text + "\n\n" + chunk.Text
	}
	return EnrichedChunk{Position: chunk.Position, Text: text, Success: true}
}
