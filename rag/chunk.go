package rag

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Default chunking targets for document ingestion, in tokens.
const (
	DefaultChunkTokens   = 500
	DefaultOverlapTokens = 100
)

// CharsPerToken approximates how many characters make up one token when the
// exact tokenizer is unavailable.
const CharsPerToken = 3.5

// Chunk is a piece of text with its position within the source document.
// Chunks are transient; only the fragments built from them are persisted.
type Chunk struct {
	// Text contains the actual content of the chunk
	Text string
	// Position is the chunk's index within the source document, from 0
	Position int
	// TokenSize is the approximate number of tokens in this chunk
	TokenSize int
}

// Chunker defines the interface for text chunking implementations.
type Chunker interface {
	// Chunk splits the input text into a slice of Chunks according to the
	// implementation's strategy.
	Chunk(text string) []Chunk
}

// TokenCounter defines the interface for counting tokens in a string.
type TokenCounter interface {
	// Count returns the number of tokens in the given text according to
	// the implementation's tokenization strategy.
	Count(text string) int
}

// TextChunker splits text into approximately token-sized chunks with overlap
// between neighbors. Splitting is recursive over structural boundaries
// (paragraph, then sentence, then word) so chunk lengths cluster around the
// target without exceeding it.
type TextChunker struct {
	// ChunkSize is the target size of each chunk in tokens
	ChunkSize int
	// ChunkOverlap is the number of tokens shared between adjacent chunks
	ChunkOverlap int
	// TokenCounter is used to count tokens in text segments
	TokenCounter TokenCounter
}

// TextChunkerOption configures a TextChunker.
type TextChunkerOption func(*TextChunker)

// ChunkSize sets the target size of each chunk in tokens.
func ChunkSize(size int) TextChunkerOption {
	return func(tc *TextChunker) {
		tc.ChunkSize = size
	}
}

// ChunkOverlap sets the number of tokens that overlap between adjacent chunks.
func ChunkOverlap(overlap int) TextChunkerOption {
	return func(tc *TextChunker) {
		tc.ChunkOverlap = overlap
	}
}

// WithTokenCounter sets a custom token counter implementation.
func WithTokenCounter(counter TokenCounter) TextChunkerOption {
	return func(tc *TextChunker) {
		tc.TokenCounter = counter
	}
}

// NewTextChunker creates a TextChunker with the given options. Defaults:
// 500-token chunks, 100-token overlap, character-approximation counting.
func NewTextChunker(options ...TextChunkerOption) (*TextChunker, error) {
	tc := &TextChunker{
		ChunkSize:    DefaultChunkTokens,
		ChunkOverlap: DefaultOverlapTokens,
		TokenCounter: &ApproxTokenCounter{},
	}
	for _, option := range options {
		option(tc)
	}
	if tc.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", tc.ChunkSize)
	}
	if tc.ChunkOverlap < 0 || tc.ChunkOverlap >= tc.ChunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, chunk size), got %d", tc.ChunkOverlap)
	}
	return tc, nil
}

// separators, from coarsest to finest. Input with no separator at all falls
// through to width splitting, guaranteeing progress on pathological input.
var splitSeparators = []string{"\n\n", "\n", ". ", " "}

// Chunk splits text into chunks of at most ChunkSize tokens, carrying
// roughly ChunkOverlap tokens over between neighbors. Empty and
// whitespace-only input produces zero chunks. Chunk order mirrors source
// order and Position is the index from 0.
func (tc *TextChunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	units := tc.splitRecursive(text, 0)
	var chunks []Chunk
	var current []string
	currentTokens := 0
	freshUnits := 0

	flush := func() {
		if currentTokens == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(current, ""))
		if joined == "" {
			current = nil
			currentTokens = 0
			return
		}
		chunks = append(chunks, Chunk{
			Text:      joined,
			Position:  len(chunks),
			TokenSize: currentTokens,
		})

		// Seed the next chunk with the trailing units that make up the
		// overlap, keeping context across the boundary.
		var carry []string
		carried := 0
		for i := len(current) - 1; i >= 0 && carried < tc.ChunkOverlap; i-- {
			carry = append([]string{current[i]}, carry...)
			carried += tc.TokenCounter.Count(current[i])
		}
		current = carry
		currentTokens = carried
		freshUnits = 0
	}

	for _, unit := range units {
		unitTokens := tc.TokenCounter.Count(unit)
		if currentTokens > 0 && currentTokens+unitTokens > tc.ChunkSize {
			flush()
			// The overlap carry plus this unit must still fit the budget;
			// shed the oldest carry units until it does.
			for len(current) > 0 && currentTokens+unitTokens > tc.ChunkSize {
				currentTokens -= tc.TokenCounter.Count(current[0])
				current = current[1:]
			}
		}
		current = append(current, unit)
		currentTokens += unitTokens
		freshUnits++
	}
	// A trailing buffer holding only overlap carry-over is not a chunk.
	if freshUnits > 0 {
		tail := strings.TrimSpace(strings.Join(current, ""))
		if tail != "" {
			chunks = append(chunks, Chunk{
				Text:      tail,
				Position:  len(chunks),
				TokenSize: currentTokens,
			})
		}
	}
	return chunks
}

// splitRecursive breaks text into units no larger than ChunkSize tokens,
// descending through separator levels only for pieces that are still too
// big. Separators stay attached to the preceding piece so joining units
// reconstructs the source.
func (tc *TextChunker) splitRecursive(text string, level int) []string {
	if tc.TokenCounter.Count(text) <= tc.ChunkSize {
		return []string{text}
	}
	if level >= len(splitSeparators) {
		return tc.splitByWidth(text)
	}

	sep := splitSeparators[level]
	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		return tc.splitRecursive(text, level+1)
	}

	var units []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		units = append(units, tc.splitRecursive(part, level+1)...)
	}
	return units
}

// splitByWidth hard-splits text that contains no separator at all, cutting
// on rune boundaries at the chunk-size character budget.
func (tc *TextChunker) splitByWidth(text string) []string {
	budget := int(float64(tc.ChunkSize) * CharsPerToken)
	if budget < 1 {
		budget = 1
	}
	var units []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := budget
		if n > len(runes) {
			n = len(runes)
		}
		units = append(units, string(runes[:n]))
		runes = runes[n:]
	}
	return units
}

// ApproxTokenCounter estimates token counts from character length using the
// CharsPerToken ratio. Suitable when the exact model tokenizer is not
// available or too slow for the hot path.
type ApproxTokenCounter struct{}

// Count returns ceil(len(text) / CharsPerToken).
func (c *ApproxTokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / CharsPerToken))
}

// TikTokenCounter provides exact token counting using the tiktoken library,
// which implements the tokenization schemes used by OpenAI models.
type TikTokenCounter struct {
	tke *tiktoken.Tiktoken
}

// NewTikTokenCounter creates a TikTokenCounter for the given encoding,
// e.g. "cl100k_base".
func NewTikTokenCounter(encoding string) (*TikTokenCounter, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding: %w", err)
	}
	return &TikTokenCounter{tke: tke}, nil
}

// Count returns the exact number of tokens in the text.
func (c *TikTokenCounter) Count(text string) int {
	return len(c.tke.Encode(text, nil, nil))
}
