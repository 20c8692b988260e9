package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextChunker(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		tc, err := NewTextChunker()
		require.NoError(t, err)
		assert.Equal(t, DefaultChunkTokens, tc.ChunkSize)
		assert.Equal(t, DefaultOverlapTokens, tc.ChunkOverlap)
	})

	t.Run("rejects non-positive chunk size", func(t *testing.T) {
		_, err := NewTextChunker(ChunkSize(0))
		assert.Error(t, err)
	})

	t.Run("rejects overlap at or above chunk size", func(t *testing.T) {
		_, err := NewTextChunker(ChunkSize(100), ChunkOverlap(100))
		assert.Error(t, err)
	})
}

func TestChunkEmptyInput(t *testing.T) {
	tc, err := NewTextChunker()
	require.NoError(t, err)

	assert.Empty(t, tc.Chunk(""))
	assert.Empty(t, tc.Chunk("   \n\n\t  "))
}

func TestChunkSmallInputSingleChunk(t *testing.T) {
	tc, err := NewTextChunker()
	require.NoError(t, err)

	chunks := tc.Chunk("A short paragraph that fits in one chunk.")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Position)
	assert.Equal(t, "A short paragraph that fits in one chunk.", chunks[0].Text)
	assert.Greater(t, chunks[0].TokenSize, 0)
}

func TestChunkPositionsAreSequential(t *testing.T) {
	tc, err := NewTextChunker(ChunkSize(50), ChunkOverlap(10))
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Sentence number with several words in it. ")
	}
	chunks := tc.Chunk(b.String())
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Position)
		assert.NotEmpty(t, chunk.Text)
	}
}

func TestChunkRespectsSizeBudget(t *testing.T) {
	tc, err := NewTextChunker(ChunkSize(50), ChunkOverlap(10))
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ")
	}
	for _, chunk := range tc.Chunk(b.String()) {
		assert.LessOrEqual(t, chunk.TokenSize, 50)
	}
}

func TestChunkOverlapCarryRespectsBudget(t *testing.T) {
	tc, err := NewTextChunker(ChunkSize(10), ChunkOverlap(5), WithTokenCounter(wordCounter{}))
	require.NoError(t, err)

	// Two 8-token sentences: the carry from the first cannot fit next to the
	// second, so it is shed rather than blowing the budget.
	text := "a1 a2 a3 a4 a5 a6 a7 a8. b1 b2 b3 b4 b5 b6 b7 b8."
	chunks := tc.Chunk(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a1 a2 a3 a4 a5 a6 a7 a8.", chunks[0].Text)
	assert.Equal(t, "b1 b2 b3 b4 b5 b6 b7 b8.", chunks[1].Text)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenSize, 10)
	}
}

func TestChunkOverlapCarriesContext(t *testing.T) {
	tc, err := NewTextChunker(ChunkSize(30), ChunkOverlap(15))
	require.NoError(t, err)

	text := "First sentence here. Second sentence here. Third sentence here. " +
		"Fourth sentence here. Fifth sentence here. Sixth sentence here."
	chunks := tc.Chunk(text)
	require.Greater(t, len(chunks), 1)

	// Each chunk after the first should start with text from its predecessor.
	for i := 1; i < len(chunks); i++ {
		firstWords := strings.Fields(chunks[i].Text)
		require.NotEmpty(t, firstWords)
		assert.Contains(t, chunks[i-1].Text, firstWords[0])
	}
}

func TestChunkPreservesParagraphBoundaries(t *testing.T) {
	tc, err := NewTextChunker(ChunkSize(20), ChunkOverlap(0))
	require.NoError(t, err)

	text := "Paragraph one is right here.\n\nParagraph two is right here.\n\nParagraph three is right here."
	chunks := tc.Chunk(text)
	require.Greater(t, len(chunks), 1)
	assert.Contains(t, chunks[0].Text, "Paragraph one")
}

func TestChunkNoSeparatorInput(t *testing.T) {
	tc, err := NewTextChunker(ChunkSize(10), ChunkOverlap(0))
	require.NoError(t, err)

	// One giant token-less blob still chunks by width.
	blob := strings.Repeat("x", 500)
	chunks := tc.Chunk(blob)
	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		total += len(c.Text)
	}
	assert.Equal(t, len(blob), total)
}

func TestApproxTokenCounter(t *testing.T) {
	c := &ApproxTokenCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcdefg")) // ceil(7 / 3.5)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func TestChunkCustomTokenCounter(t *testing.T) {
	tc, err := NewTextChunker(ChunkSize(2), ChunkOverlap(0), WithTokenCounter(wordCounter{}))
	require.NoError(t, err)

	chunks := tc.Chunk("one. two. three. four.")
	require.Len(t, chunks, 2)
	assert.Equal(t, "one. two.", chunks[0].Text)
	assert.Equal(t, "three. four.", chunks[1].Text)
}
