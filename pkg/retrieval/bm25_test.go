package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexChunk(id, text string) *Chunk {
	return &Chunk{ID: id, Text: text, Tokens: Tokenize(text)}
}

func TestBM25RanksByRelevance(t *testing.T) {
	corpus := []*Chunk{
		lexChunk("a", "the cat sat on the mat"),
		lexChunk("b", "quantum entanglement in photonic circuits"),
		lexChunk("c", "entanglement entropy scaling in quantum systems"),
	}

	idx := newBM25Index()
	hits := idx.TopK(corpus, Tokenize("quantum entanglement"), 3)
	require.NotEmpty(t, hits)

	// Both query terms hit b and c; a never scores.
	for _, h := range hits {
		assert.NotEqual(t, "a", h.chunk.ID)
		assert.Greater(t, h.score, 0.0)
	}
	assert.Len(t, hits, 2)
}

func TestBM25RewardsTermFrequency(t *testing.T) {
	corpus := []*Chunk{
		lexChunk("once", "entropy appears here with other words padding the sentence out"),
		lexChunk("twice", "entropy and again entropy with other words padding the sentence"),
	}

	idx := newBM25Index()
	hits := idx.TopK(corpus, []string{"entropy"}, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "twice", hits[0].chunk.ID)
}

func TestBM25InvalidateRebuilds(t *testing.T) {
	idx := newBM25Index()

	first := []*Chunk{lexChunk("a", "alpha beta gamma")}
	hits := idx.TopK(first, []string{"alpha"}, 5)
	require.Len(t, hits, 1)

	// Without invalidation the index keeps the captured corpus.
	second := []*Chunk{lexChunk("b", "alpha delta")}
	hits = idx.TopK(second, []string{"alpha"}, 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].chunk.ID)

	idx.Invalidate()
	hits = idx.TopK(second, []string{"alpha"}, 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].chunk.ID)
}

func TestBM25EmptyInputs(t *testing.T) {
	idx := newBM25Index()
	assert.Nil(t, idx.TopK(nil, []string{"x"}, 5))
	idx.Invalidate()
	assert.Nil(t, idx.TopK([]*Chunk{lexChunk("a", "text")}, nil, 5))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, cosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestMMRPrefersDiversity(t *testing.T) {
	// Two near-identical top candidates and one distinct lower-scored
	// one. With lambda favoring diversity the distinct chunk displaces
	// the redundant twin.
	pool := []scored{
		{chunk: &Chunk{ID: "top", Embedding: []float32{1, 0}}, score: 1.0},
		{chunk: &Chunk{ID: "twin", Embedding: []float32{1, 0.01}}, score: 0.95},
		{chunk: &Chunk{ID: "distinct", Embedding: []float32{0, 1}}, score: 0.5},
	}

	selected := mmrSelect(pool, 0.3, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, "top", selected[0].chunk.ID)
	assert.Equal(t, "distinct", selected[1].chunk.ID)
}

func TestMMRPureRelevance(t *testing.T) {
	pool := []scored{
		{chunk: &Chunk{ID: "top", Embedding: []float32{1, 0}}, score: 1.0},
		{chunk: &Chunk{ID: "twin", Embedding: []float32{1, 0.01}}, score: 0.95},
		{chunk: &Chunk{ID: "distinct", Embedding: []float32{0, 1}}, score: 0.5},
	}

	// lambda=1 ignores diversity entirely.
	selected := mmrSelect(pool, 1.0, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, "top", selected[0].chunk.ID)
	assert.Equal(t, "twin", selected[1].chunk.ID)
}

func TestDropNearDuplicates(t *testing.T) {
	selected := []scored{
		{chunk: &Chunk{ID: "a", Embedding: []float32{1, 0}}, score: 1.0},
		{chunk: &Chunk{ID: "a-copy", Embedding: []float32{1, 0.001}}, score: 0.9},
		{chunk: &Chunk{ID: "b", Embedding: []float32{0, 1}}, score: 0.8},
	}

	kept := dropNearDuplicates(selected, 0.95)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].chunk.ID)
	assert.Equal(t, "b", kept[1].chunk.ID)

	// Threshold 0 disables the filter.
	assert.Len(t, dropNearDuplicates(selected, 0), 3)
}