package knowledge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zpark/knowledge/rag"
	"github.com/zpark/knowledge/store"
)

// ErrNoTextExtracted is returned when a document decodes successfully but
// yields no text to index.
var ErrNoTextExtracted = errors.New("no text could be extracted from document")

// interBatchDelay spaces out enrichment batches so a long document does not
// burn the whole rate budget at once.
const interBatchDelay = 500 * time.Millisecond

// DefaultScope is used when a request does not name one.
const DefaultScope = "default"

// AddKnowledgeRequest describes one document to ingest.
type AddKnowledgeRequest struct {
	// Scope partitions memories, usually per agent. Empty means DefaultScope.
	Scope string
	// WorldID, RoomID, and EntityID narrow the scope; each defaults to the
	// resolved Scope when empty.
	WorldID  string
	RoomID   string
	EntityID string
	// DocumentID keys idempotency. Empty means a fresh random ID.
	DocumentID  string
	Filename    string
	ContentType string
	// Content is the document body: plain text, or base64 when the content
	// type or filename marks it as binary.
	Content string
	// Source records where the document came from.
	Source string

	// OnDocumentStored, when set, fires after the document memory is
	// persisted and before fragment processing starts.
	OnDocumentStored func(documentID string)
}

// AddKnowledgeResult reports what a single ingestion did.
type AddKnowledgeResult struct {
	DocumentID string
	// StoredDocumentMemoryID is the ID of the persisted document memory,
	// equal to DocumentID.
	StoredDocumentMemoryID string
	Fragments              int
	EnrichedChunks         int
	// FailedChunks counts chunks dropped by embed, zero-vector, or store
	// failures.
	FailedChunks int
	// Skipped is set when the document was already fully ingested.
	Skipped bool
}

// AddKnowledge runs the full ingestion pipeline for one document: decode,
// extract, store the document memory, then chunk, enrich, embed, and persist
// fragments in rate-limited batches. Re-ingesting a document ID that already
// has fragments is a no-op.
func (s *Service) AddKnowledge(ctx context.Context, req AddKnowledgeRequest) (*AddKnowledgeResult, error) {
	scope := req.Scope
	if scope == "" {
		scope = DefaultScope
	}
	if req.WorldID == "" {
		req.WorldID = scope
	}
	if req.RoomID == "" {
		req.RoomID = scope
	}
	if req.EntityID == "" {
		req.EntityID = scope
	}
	documentID := req.DocumentID
	if documentID == "" {
		documentID = uuid.NewString()
	}

	if existing, err := s.store.GetMemoryByID(ctx, documentID); err == nil && existing != nil {
		count, err := s.store.CountFragments(ctx, scope, documentID)
		if err != nil {
			return nil, fmt.Errorf("failed to check fragments of %s: %w", documentID, err)
		}
		if count > 0 {
			s.logger.Info("document already ingested, skipping",
				"documentId", documentID, "fragments", count)
			return &AddKnowledgeResult{
				DocumentID:             documentID,
				StoredDocumentMemoryID: documentID,
				Fragments:              count,
				Skipped:                true,
			}, nil
		}
		// Document memory exists but fragments are missing; an earlier run
		// died mid-way. Fall through and rebuild the fragments.
		s.logger.Warn("document memory exists without fragments, resuming",
			"documentId", documentID)
	}

	data, err := decodeContent(req)
	if err != nil {
		return nil, err
	}

	text, err := rag.Extract(data, req.ContentType, req.Filename)
	if err != nil {
		return nil, fmt.Errorf("extraction failed for %s: %w", req.Filename, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoTextExtracted, req.Filename)
	}

	if err := s.storeDocumentMemory(ctx, scope, documentID, req, text); err != nil {
		return nil, err
	}
	if req.OnDocumentStored != nil {
		req.OnDocumentStored(documentID)
	}

	chunks := s.chunker.Chunk(text)
	s.logger.Info("document chunked",
		"documentId", documentID, "chunks", len(chunks), "contentType", req.ContentType)

	fragments, enriched, failed, err := s.processChunks(ctx, scope, documentID, req, chunks, text)
	if err != nil {
		return nil, err
	}
	if failed > 0 {
		s.logger.Warn("some chunks failed during ingestion",
			"documentId", documentID, "failed", failed, "fragments", fragments)
	}

	s.logger.Info("document ingested",
		"documentId", documentID, "fragments", fragments, "enriched", enriched)
	return &AddKnowledgeResult{
		DocumentID:             documentID,
		StoredDocumentMemoryID: documentID,
		Fragments:              fragments,
		EnrichedChunks:         enriched,
		FailedChunks:           failed,
	}, nil
}

// decodeContent returns the raw document bytes, base64-decoding binary
// payloads.
func decodeContent(req AddKnowledgeRequest) ([]byte, error) {
	if !rag.IsBinaryContent(req.ContentType, req.Filename) {
		return []byte(req.Content), nil
	}
	cleaned := strings.TrimSpace(req.Content)
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(cleaned)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 content of %s: %w", req.Filename, err)
	}
	return data, nil
}

// storeDocumentMemory persists the whole-document record. Binary documents
// keep their base64 body so the original bytes stay retrievable; the
// extracted text lives in the fragments.
func (s *Service) storeDocumentMemory(ctx context.Context, scope, documentID string, req AddKnowledgeRequest, text string) error {
	content := text
	if rag.IsBinaryContent(req.ContentType, req.Filename) {
		content = req.Content
	}

	embedding, err := s.embedText(ctx, truncateForEmbedding(text, s.config.MaxInputTokens, s.counter))
	if err != nil {
		return fmt.Errorf("failed to embed document %s: %w", documentID, err)
	}

	memory := store.Memory{
		ID:        documentID,
		Scope:     scope,
		WorldID:   req.WorldID,
		RoomID:    req.RoomID,
		EntityID:  req.EntityID,
		Content:   content,
		Embedding: embedding,
		Metadata: map[string]string{
			store.MetaDocumentID:  documentID,
			store.MetaSource:      req.Source,
			store.MetaContentType: req.ContentType,
			store.MetaIsChunk:     "false",
		},
	}
	if err := s.store.CreateMemory(ctx, memory); err != nil {
		return fmt.Errorf("failed to store document %s: %w", documentID, err)
	}
	return nil
}

// processChunks enriches, embeds, and persists chunks in batches sized to
// the concurrency budget, pausing between batches. Per-chunk failures are
// absorbed into the failed count; ingestion continues.
func (s *Service) processChunks(ctx context.Context, scope, documentID string, req AddKnowledgeRequest, chunks []rag.Chunk, documentText string) (fragments, enriched, failed int, err error) {
	batchSize := s.batchSize()

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if start > 0 {
			select {
			case <-ctx.Done():
				return fragments, enriched, failed, ctx.Err()
			case <-time.After(interBatchDelay):
			}
		}

		batch := s.enricher.EnrichBatch(ctx, chunks[start:end], documentText, req.ContentType)
		for _, chunk := range batch {
			if chunk.Success && s.enricher.Enabled() {
				enriched++
			}
			embedding, err := s.embedText(ctx, chunk.Text)
			if err != nil {
				s.logger.Warn("failed to embed fragment, dropping",
					"documentId", documentID, "position", chunk.Position, "error", err)
				failed++
				continue
			}
			if isZeroVector(embedding) {
				s.logger.Warn("embedding came back all zeros, dropping fragment",
					"documentId", documentID, "position", chunk.Position)
				failed++
				continue
			}

			memory := store.Memory{
				ID:        uuid.NewString(),
				Scope:     scope,
				WorldID:   req.WorldID,
				RoomID:    req.RoomID,
				EntityID:  req.EntityID,
				Content:   chunk.Text,
				Embedding: embedding,
				Metadata: map[string]string{
					store.MetaDocumentID:  documentID,
					store.MetaSource:      req.Source,
					store.MetaContentType: req.ContentType,
					store.MetaPosition:    strconv.Itoa(chunk.Position),
					store.MetaIsChunk:     "true",
					store.MetaEnriched:    strconv.FormatBool(chunk.Success && s.enricher.Enabled()),
				},
			}
			if err := s.store.CreateMemory(ctx, memory); err != nil {
				s.logger.Warn("failed to store fragment, dropping",
					"documentId", documentID, "position", chunk.Position, "error", err)
				failed++
				continue
			}
			fragments++
		}
	}
	return fragments, enriched, failed, nil
}

// embedText runs one embedding call under the rate limiter and the 429 retry
// policy.
func (s *Service) embedText(ctx context.Context, text string) ([]float32, error) {
	if err := s.limiter.Acquire(ctx, s.counter.Count(text)); err != nil {
		return nil, err
	}
	var embedding []float32
	err := rag.WithRateLimitRetry(ctx, "embed", func() error {
		result, err := s.gateway.Embed(ctx, text)
		if err != nil {
			return err
		}
		embedding = result.Vector
		return nil
	})
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

// truncateForEmbedding caps text at the input token budget using the
// character approximation for the cut point.
func truncateForEmbedding(text string, maxTokens int, counter rag.TokenCounter) string {
	if maxTokens <= 0 || counter.Count(text) <= maxTokens {
		return text
	}
	budget := int(float64(maxTokens) * rag.CharsPerToken)
	runes := []rune(text)
	if budget >= len(runes) {
		return text
	}
	return string(runes[:budget])
}

func isZeroVector(v []float32) bool {
	if len(v) == 0 {
		return true
	}
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// SearchKnowledge embeds the query and returns the topK nearest memories in
// the scope, most similar first.
func (s *Service) SearchKnowledge(ctx context.Context, scope, query string, topK int) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	if scope == "" {
		scope = DefaultScope
	}
	if topK <= 0 {
		topK = 5
	}
	embedding, err := s.embedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return s.store.SearchMemories(ctx, scope, embedding, topK)
}
