package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	milvusCollection = "knowledge_memories"

	fieldID         = "id"
	fieldScope      = "scope"
	fieldWorldID    = "world_id"
	fieldRoomID     = "room_id"
	fieldEntityID   = "entity_id"
	fieldDocumentID = "document_id"
	fieldIsChunk    = "is_chunk"
	fieldContent    = "content"
	fieldMetadata   = "metadata"
	fieldCreatedAt  = "created_at"
	fieldEmbedding  = "embedding"

	hnswM              = 16
	hnswEfConstruction = 256
	hnswEf             = 64
)

var milvusOutputFields = []string{
	fieldID, fieldScope, fieldWorldID, fieldRoomID, fieldEntityID,
	fieldDocumentID, fieldIsChunk, fieldContent, fieldMetadata, fieldCreatedAt,
}

// MilvusStore is a MemoryStore backed by a Milvus deployment. Document ID
// and chunk flag are kept as dedicated columns so idempotency checks can be
// expressed as filter expressions; the rest of the metadata travels as JSON.
type MilvusStore struct {
	client    client.Client
	dimension int
}

// NewMilvusStore connects to Milvus at the given address.
func NewMilvusStore(ctx context.Context, address string) (*MilvusStore, error) {
	c, err := client.NewClient(ctx, client.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", address, err)
	}
	return &MilvusStore{client: c}, nil
}

// EnsureEmbeddingDimension creates the collection, index, and load state on
// first use. An existing collection is reused as-is.
func (s *MilvusStore) EnsureEmbeddingDimension(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	s.dimension = dimension

	has, err := s.client.HasCollection(ctx, milvusCollection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		schema := entity.NewSchema().
			WithName(milvusCollection).
			WithDescription("knowledge memories and fragments").
			WithField(entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName(fieldScope).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
			WithField(entity.NewField().WithName(fieldWorldID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
			WithField(entity.NewField().WithName(fieldRoomID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
			WithField(entity.NewField().WithName(fieldEntityID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
			WithField(entity.NewField().WithName(fieldDocumentID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
			WithField(entity.NewField().WithName(fieldIsChunk).WithDataType(entity.FieldTypeBool)).
			WithField(entity.NewField().WithName(fieldContent).WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)).
			WithField(entity.NewField().WithName(fieldMetadata).WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)).
			WithField(entity.NewField().WithName(fieldCreatedAt).WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dimension)))

		if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, hnswM, hnswEfConstruction)
		if err != nil {
			return fmt.Errorf("failed to build index definition: %w", err)
		}
		if err := s.client.CreateIndex(ctx, milvusCollection, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := s.client.LoadCollection(ctx, milvusCollection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) CreateMemory(ctx context.Context, memory Memory) error {
	if memory.ID == "" {
		return fmt.Errorf("memory ID is required")
	}
	if s.dimension != 0 && len(memory.Embedding) != s.dimension {
		return fmt.Errorf("embedding dimension mismatch: store has %d, memory %s has %d", s.dimension, memory.ID, len(memory.Embedding))
	}
	if existing, err := s.GetMemoryByID(ctx, memory.ID); err == nil && existing != nil {
		return fmt.Errorf("memory %s already exists", memory.ID)
	}

	metaJSON, err := json.Marshal(memory.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	createdAt := memory.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.client.Insert(ctx, milvusCollection, "",
		entity.NewColumnVarChar(fieldID, []string{memory.ID}),
		entity.NewColumnVarChar(fieldScope, []string{memory.Scope}),
		entity.NewColumnVarChar(fieldWorldID, []string{memory.WorldID}),
		entity.NewColumnVarChar(fieldRoomID, []string{memory.RoomID}),
		entity.NewColumnVarChar(fieldEntityID, []string{memory.EntityID}),
		entity.NewColumnVarChar(fieldDocumentID, []string{memory.Metadata[MetaDocumentID]}),
		entity.NewColumnBool(fieldIsChunk, []bool{memory.Metadata[MetaIsChunk] == "true"}),
		entity.NewColumnVarChar(fieldContent, []string{memory.Content}),
		entity.NewColumnVarChar(fieldMetadata, []string{string(metaJSON)}),
		entity.NewColumnInt64(fieldCreatedAt, []int64{createdAt.Unix()}),
		entity.NewColumnFloatVector(fieldEmbedding, s.dimensionOf(memory.Embedding), [][]float32{memory.Embedding}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory %s: %w", memory.ID, err)
	}
	return nil
}

func (s *MilvusStore) dimensionOf(embedding []float32) int {
	if s.dimension != 0 {
		return s.dimension
	}
	return len(embedding)
}

func (s *MilvusStore) GetMemoryByID(ctx context.Context, id string) (*Memory, error) {
	rs, err := s.client.Query(ctx, milvusCollection, nil,
		fmt.Sprintf("%s == %s", fieldID, quoteExpr(id)), milvusOutputFields)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory %s: %w", id, err)
	}
	memories, err := memoriesFromColumns(rs)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, &NotFoundError{ID: id}
	}
	return &memories[0], nil
}

func (s *MilvusStore) GetMemories(ctx context.Context, scope string) ([]Memory, error) {
	rs, err := s.client.Query(ctx, milvusCollection, nil,
		fmt.Sprintf("%s == %s", fieldScope, quoteExpr(scope)), milvusOutputFields)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope %s: %w", scope, err)
	}
	return memoriesFromColumns(rs)
}

func (s *MilvusStore) CountFragments(ctx context.Context, scope, documentID string) (int, error) {
	rs, err := s.client.Query(ctx, milvusCollection, nil,
		fmt.Sprintf("%s == %s && %s == %s && %s == true",
			fieldScope, quoteExpr(scope), fieldDocumentID, quoteExpr(documentID), fieldIsChunk),
		[]string{fieldID})
	if err != nil {
		return 0, fmt.Errorf("failed to count fragments of %s: %w", documentID, err)
	}
	if col := rs.GetColumn(fieldID); col != nil {
		return col.Len(), nil
	}
	return 0, nil
}

func (s *MilvusStore) SearchMemories(ctx context.Context, scope string, embedding []float32, topK int) ([]SearchResult, error) {
	sp, err := entity.NewIndexHNSWSearchParam(hnswEf)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := s.client.Search(ctx, milvusCollection, nil,
		fmt.Sprintf("%s == %s", fieldScope, quoteExpr(scope)),
		milvusOutputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		fieldEmbedding, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("failed to search scope %s: %w", scope, err)
	}

	var out []SearchResult
	for _, rs := range results {
		memories, err := memoriesFromColumns(rs.Fields)
		if err != nil {
			return nil, err
		}
		for i, memory := range memories {
			out = append(out, SearchResult{Memory: memory, Similarity: float64(rs.Scores[i])})
		}
	}
	return out, nil
}

func (s *MilvusStore) Close() error {
	return s.client.Close()
}

// quoteExpr quotes a string literal for a Milvus filter expression.
func quoteExpr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func memoriesFromColumns(columns []entity.Column) ([]Memory, error) {
	byName := make(map[string]entity.Column, len(columns))
	rows := 0
	for _, col := range columns {
		byName[col.Name()] = col
		if col.Len() > rows {
			rows = col.Len()
		}
	}

	getString := func(name string, i int) string {
		col, ok := byName[name]
		if !ok || i >= col.Len() {
			return ""
		}
		v, err := col.GetAsString(i)
		if err != nil {
			return ""
		}
		return v
	}

	memories := make([]Memory, 0, rows)
	for i := 0; i < rows; i++ {
		memory := Memory{
			ID:       getString(fieldID, i),
			Scope:    getString(fieldScope, i),
			WorldID:  getString(fieldWorldID, i),
			RoomID:   getString(fieldRoomID, i),
			EntityID: getString(fieldEntityID, i),
			Content:  getString(fieldContent, i),
		}
		if metaJSON := getString(fieldMetadata, i); metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &memory.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", memory.ID, err)
			}
		}
		if col, ok := byName[fieldCreatedAt]; ok && i < col.Len() {
			if ts, err := col.GetAsInt64(i); err == nil {
				memory.CreatedAt = time.Unix(ts, 0)
			}
		}
		memories = append(memories, memory)
	}
	return memories, nil
}
