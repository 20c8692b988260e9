// Package store persists knowledge memories and their embeddings. Two
// backends are provided: an embedded chromem database for local and test
// use, and Milvus for deployments with an external vector database.
package store

import (
	"context"
	"fmt"
	"time"
)

// Metadata keys written by the ingestion pipeline.
const (
	MetaDocumentID  = "documentId"
	MetaSource      = "source"
	MetaContentType = "contentType"
	MetaPosition    = "position"
	MetaIsChunk     = "isChunk"
	MetaEnriched    = "enriched"
	MetaPath        = "path"
	MetaFilename    = "filename"
	MetaFileExt     = "fileExt"
	MetaTitle       = "title"
	MetaFileSize    = "fileSize"
)

// Memory is one stored record: either a full document or a fragment of one.
// Scope is the agent partition the stores key on; WorldID, RoomID, and
// EntityID narrow it further and default to the agent ID.
type Memory struct {
	ID        string
	Scope     string
	WorldID   string
	RoomID    string
	EntityID  string
	Content   string
	Embedding []float32
	Metadata  map[string]string
	CreatedAt time.Time
}

// SearchResult pairs a memory with its similarity to the query vector.
type SearchResult struct {
	Memory     Memory
	Similarity float64
}

// NotFoundError reports a missing memory ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory %s not found", e.ID)
}

// MemoryStore is the persistence contract the ingestion pipeline writes to.
// Implementations must be safe for concurrent use.
type MemoryStore interface {
	// EnsureEmbeddingDimension prepares the backend for vectors of the
	// given width. Called once at worker startup, before any writes.
	EnsureEmbeddingDimension(ctx context.Context, dimension int) error

	// CreateMemory persists a memory. Writing an existing ID is an error.
	CreateMemory(ctx context.Context, memory Memory) error

	// GetMemoryByID returns a memory or *NotFoundError.
	GetMemoryByID(ctx context.Context, id string) (*Memory, error)

	// GetMemories lists all memories within a scope.
	GetMemories(ctx context.Context, scope string) ([]Memory, error)

	// CountFragments returns the number of chunk fragments that reference
	// the given document memory.
	CountFragments(ctx context.Context, scope, documentID string) (int, error)

	// SearchMemories returns the topK memories in a scope nearest to the
	// query embedding, most similar first.
	SearchMemories(ctx context.Context, scope string, embedding []float32, topK int) ([]SearchResult, error)

	Close() error
}
