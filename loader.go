package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zpark/knowledge/rag"
	"github.com/zpark/knowledge/store"
)

// Character knowledge chunking targets; items tend to be long prose blocks
// so chunks are larger than for uploaded documents.
const (
	characterChunkTokens   = 1500
	characterOverlapTokens = 200
)

// loaderPermits bounds how many knowledge items are processed at once.
const loaderPermits = 10

// knowledgeNamespace seeds the deterministic item IDs so reloading the same
// character definition never duplicates memories.
var knowledgeNamespace = uuid.MustParse("b1d0b8a4-6c3e-4a6b-9a0e-2f6c1e7d5a43")

// characterItemID derives the stable memory ID for one knowledge item.
func characterItemID(agentID, item string) string {
	return uuid.NewSHA1(knowledgeNamespace, []byte(agentID+"\x00"+item)).String()
}

// splitPathHeader strips a leading "Path: <filepath>" line, returning the
// path and the remaining body. Items without the header come back unchanged.
func splitPathHeader(item string) (path, body string) {
	const prefix = "Path: "
	if !strings.HasPrefix(item, prefix) {
		return "", item
	}
	rest := item[len(prefix):]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		return strings.TrimSpace(rest[:i]), strings.TrimLeft(rest[i+1:], "\n")
	}
	return strings.TrimSpace(rest), ""
}

// LoadCharacterKnowledge ingests an agent's static knowledge items. Items
// are processed concurrently under a permit cap; each item gets a
// deterministic ID so items already present are skipped. Returns the number
// of items newly stored.
func (s *Service) LoadCharacterKnowledge(ctx context.Context, agentID string, items []string) (int, error) {
	if agentID == "" {
		return 0, fmt.Errorf("agentID is required")
	}

	chunker, err := rag.NewTextChunker(
		rag.ChunkSize(characterChunkTokens),
		rag.ChunkOverlap(characterOverlapTokens),
		rag.WithTokenCounter(s.counter),
	)
	if err != nil {
		return 0, err
	}

	sem := semaphore.NewWeighted(loaderPermits)
	results := make(chan error, len(items))
	stored := make(chan int, len(items))

	for _, item := range items {
		item := item
		if strings.TrimSpace(item) == "" {
			results <- nil
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- err
			continue
		}
		go func() {
			defer sem.Release(1)
			n, err := s.loadCharacterItem(ctx, agentID, item, chunker)
			stored <- n
			results <- err
		}()
	}

	var firstErr error
	total := 0
	for range items {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(stored)
	for n := range stored {
		total += n
	}
	if firstErr != nil {
		return total, firstErr
	}
	return total, nil
}

// LoadCharacterKnowledgeAsync runs LoadCharacterKnowledge in the background,
// reporting the outcome on the returned channel.
func (s *Service) LoadCharacterKnowledgeAsync(ctx context.Context, agentID string, items []string) <-chan error {
	done := make(chan error, 1)
	go func() {
		stored, err := s.LoadCharacterKnowledge(ctx, agentID, items)
		if err != nil {
			s.logger.Error("character knowledge load failed",
				"agentId", agentID, "stored", stored, "error", err)
		} else {
			s.logger.Info("character knowledge loaded",
				"agentId", agentID, "items", len(items), "stored", stored)
		}
		done <- err
	}()
	return done
}

// loadCharacterItem stores one knowledge item, chunking it when it exceeds
// the character chunk budget. Returns how many memories were written.
func (s *Service) loadCharacterItem(ctx context.Context, agentID, item string, chunker *rag.TextChunker) (int, error) {
	itemID := characterItemID(agentID, item)
	if existing, err := s.store.GetMemoryByID(ctx, itemID); err == nil && existing != nil {
		s.logger.Debug("knowledge item already stored, skipping", "agentId", agentID, "id", itemID)
		return 0, nil
	}

	path, body := splitPathHeader(item)
	if strings.TrimSpace(body) == "" {
		return 0, nil
	}
	base := characterItemMetadata(path, body)

	if s.counter.Count(body) <= characterChunkTokens {
		return s.storeCharacterMemory(ctx, agentID, itemID, itemID, base, body, -1)
	}

	stored := 0
	for _, chunk := range chunker.Chunk(body) {
		fragmentID := uuid.NewSHA1(knowledgeNamespace, []byte(itemID+"\x00"+strconv.Itoa(chunk.Position))).String()
		n, err := s.storeCharacterMemory(ctx, agentID, fragmentID, itemID, base, chunk.Text, chunk.Position)
		stored += n
		if err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// characterItemMetadata derives the file-shaped metadata of an item from its
// path header and body. Items without a header keep only size and type.
func characterItemMetadata(path, body string) map[string]string {
	metadata := map[string]string{
		store.MetaContentType: "text/plain",
		store.MetaFileSize:    strconv.Itoa(len(body)),
	}
	if path == "" {
		return metadata
	}
	filename := filepath.Base(path)
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	metadata[store.MetaPath] = path
	metadata[store.MetaSource] = path
	metadata[store.MetaFilename] = filename
	metadata[store.MetaTitle] = strings.TrimSuffix(filename, filepath.Ext(filename))
	if ext != "" {
		metadata[store.MetaFileExt] = ext
		metadata[store.MetaContentType] = "text/" + ext
	}
	return metadata
}

func (s *Service) storeCharacterMemory(ctx context.Context, agentID, id, documentID string, base map[string]string, text string, position int) (int, error) {
	if existing, err := s.store.GetMemoryByID(ctx, id); err == nil && existing != nil {
		return 0, nil
	}

	embedding, err := s.embedText(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("failed to embed knowledge item %s: %w", id, err)
	}
	if isZeroVector(embedding) {
		s.logger.Warn("knowledge item embedding came back all zeros, dropping", "id", id)
		return 0, nil
	}

	metadata := make(map[string]string, len(base)+3)
	for k, v := range base {
		metadata[k] = v
	}
	metadata[store.MetaDocumentID] = documentID
	metadata[store.MetaIsChunk] = strconv.FormatBool(position >= 0)
	if position >= 0 {
		metadata[store.MetaPosition] = strconv.Itoa(position)
	}

	err = s.store.CreateMemory(ctx, store.Memory{
		ID:        id,
		Scope:     agentID,
		WorldID:   agentID,
		RoomID:    agentID,
		EntityID:  agentID,
		Content:   text,
		Embedding: embedding,
		Metadata:  metadata,
	})
	if err != nil {
		// Another load of the same item may have raced us; an existing
		// record is the desired end state.
		if existing, getErr := s.store.GetMemoryByID(ctx, id); getErr == nil && existing != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to store knowledge item %s: %w", id, err)
	}
	return 1, nil
}
