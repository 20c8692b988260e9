package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// mirrorFilename holds the JSON snapshot of the memories map in persistent
// mode. chromem persists its own documents but exposes no way to enumerate
// them on reopen, so the mirror is persisted alongside.
const mirrorFilename = "memories.json"

// ChromemStore is an embedded MemoryStore backed by chromem. One chromem
// collection is kept per scope; a mirror map serves ID lookups and listing,
// which chromem does not index.
type ChromemStore struct {
	db          *chromem.DB
	path        string
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	memories    map[string]Memory
	dimension   int
}

// NewChromemStore opens an embedded store. With an empty path the database
// lives in memory; otherwise it is persisted under the given directory and
// the mirror is rehydrated so ID lookups and duplicate checks survive a
// restart.
func NewChromemStore(path string) (*ChromemStore, error) {
	var db *chromem.DB
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem database at %s: %w", path, err)
		}
	} else {
		db = chromem.NewDB()
	}
	s := &ChromemStore{
		db:          db,
		path:        path,
		collections: make(map[string]*chromem.Collection),
		memories:    make(map[string]Memory),
	}
	if path != "" {
		if err := s.loadMirror(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ChromemStore) mirrorPath() string {
	return filepath.Join(s.path, mirrorFilename)
}

func (s *ChromemStore) loadMirror() error {
	data, err := os.ReadFile(s.mirrorPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read memory mirror: %w", err)
	}
	if err := json.Unmarshal(data, &s.memories); err != nil {
		return fmt.Errorf("failed to decode memory mirror: %w", err)
	}
	for _, memory := range s.memories {
		if len(memory.Embedding) > 0 {
			s.dimension = len(memory.Embedding)
			break
		}
	}
	return nil
}

// saveMirrorLocked snapshots the memories map to disk. Caller must hold the
// write lock.
func (s *ChromemStore) saveMirrorLocked() error {
	data, err := json.Marshal(s.memories)
	if err != nil {
		return fmt.Errorf("failed to encode memory mirror: %w", err)
	}
	tmp := s.mirrorPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write memory mirror: %w", err)
	}
	if err := os.Rename(tmp, s.mirrorPath()); err != nil {
		return fmt.Errorf("failed to replace memory mirror: %w", err)
	}
	return nil
}

// Embeddings are always computed upstream and passed in; chromem must never
// call out on its own.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding function invoked; embeddings must be precomputed")
}

func (s *ChromemStore) EnsureEmbeddingDimension(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension != 0 && s.dimension != dimension {
		return fmt.Errorf("embedding dimension mismatch: store has %d, requested %d", s.dimension, dimension)
	}
	s.dimension = dimension
	return nil
}

// collection returns the chromem collection for a scope, creating it on
// first use. Caller must hold the write lock.
func (s *ChromemStore) collection(scope string) (*chromem.Collection, error) {
	name := collectionName(scope)
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, map[string]string{"scope": scope}, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection for scope %s: %w", scope, err)
	}
	s.collections[name] = col
	return col, nil
}

// collectionName sanitizes a scope into a valid chromem collection name.
func collectionName(scope string) string {
	var b strings.Builder
	for _, r := range scope {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := "scope-" + b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func (s *ChromemStore) CreateMemory(ctx context.Context, memory Memory) error {
	if memory.ID == "" {
		return fmt.Errorf("memory ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.memories[memory.ID]; exists {
		return fmt.Errorf("memory %s already exists", memory.ID)
	}
	if s.dimension != 0 && len(memory.Embedding) != s.dimension {
		return fmt.Errorf("embedding dimension mismatch: store has %d, memory %s has %d", s.dimension, memory.ID, len(memory.Embedding))
	}

	col, err := s.collection(memory.Scope)
	if err != nil {
		return err
	}
	meta := make(map[string]string, len(memory.Metadata))
	for k, v := range memory.Metadata {
		meta[k] = v
	}
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        memory.ID,
		Content:   memory.Content,
		Metadata:  meta,
		Embedding: memory.Embedding,
	}); err != nil {
		return fmt.Errorf("failed to add document %s: %w", memory.ID, err)
	}

	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = time.Now()
	}
	s.memories[memory.ID] = memory
	if s.path != "" {
		if err := s.saveMirrorLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChromemStore) GetMemoryByID(ctx context.Context, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	memory, ok := s.memories[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return &memory, nil
}

func (s *ChromemStore) GetMemories(ctx context.Context, scope string) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Memory
	for _, memory := range s.memories {
		if memory.Scope == scope {
			out = append(out, memory)
		}
	}
	return out, nil
}

func (s *ChromemStore) CountFragments(ctx context.Context, scope, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, memory := range s.memories {
		if memory.Scope != scope {
			continue
		}
		if memory.Metadata[MetaIsChunk] == "true" && memory.Metadata[MetaDocumentID] == documentID {
			count++
		}
	}
	return count, nil
}

func (s *ChromemStore) SearchMemories(ctx context.Context, scope string, embedding []float32, topK int) ([]SearchResult, error) {
	s.mu.Lock()
	col, err := s.collection(scope)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults greater than the collection size.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query scope %s: %w", scope, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		memory, ok := s.memories[r.ID]
		if !ok {
			memory = Memory{ID: r.ID, Scope: scope, Content: r.Content}
		}
		out = append(out, SearchResult{Memory: memory, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

func (s *ChromemStore) Close() error {
	return nil
}
