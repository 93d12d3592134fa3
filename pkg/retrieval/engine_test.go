package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrafere/moto/pkg/config"
)

// hashEmbedder maps text to a normalized bag-of-words vector so that
// lexically similar texts get high cosine similarity without a backend.
type hashEmbedder struct{}

func (hashEmbedder) Embeddings(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		vec := make([]float32, 64)
		for _, tok := range Tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			vec[h.Sum32()%64]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			norm = 1
		}
		scale := float32(1 / math.Sqrt(norm))
		for j := range vec {
			vec[j] *= scale
		}
		out[i] = vec
	}
	return out, nil
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		SubmitterChunkIntervals: []int{64},
		ValidatorChunkSize:      64,
		ChunkOverlapPercentage:  0.2,
		MaxDocuments:            10,
		TopK:                    5,
		MMRLambda:               0.7,
		SimilarityThreshold:     0.95,
		CoverageThreshold:       0.4,
		VectorWeight:            0.7,
		BM25Weight:              0.3,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(testRetrievalConfig(), hashEmbedder{}, nil)
}

func physicsDoc() string {
	var sb strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&sb, "Quantum entanglement in photonic circuits enables measurement number %d across separated nodes. ", i)
	}
	return sb.String()
}

func cookingDoc() string {
	var sb strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&sb, "Slow braising of root vegetables deepens flavor in winter stew recipe number %d. ", i)
	}
	return sb.String()
}

func TestRetrieveRespectsTokenBudget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.IngestDocument(ctx, "physics.txt", physicsDoc(), false))
	require.NoError(t, e.IngestDocument(ctx, "cooking.txt", cookingDoc(), false))

	// A budget that fits some but not all candidate chunks.
	const budget = 150
	pack, err := e.Retrieve(ctx, "quantum entanglement in photonic circuits", 64, budget)
	require.NoError(t, err)

	require.NotEmpty(t, pack.Evidence)
	assert.LessOrEqual(t, pack.Metadata.TokenCount, budget)
	assert.Equal(t, len(pack.Evidence), pack.Metadata.ChunkCount)
	assert.Positive(t, pack.Metadata.TokenCount)

	for source, ids := range pack.SourceMap {
		assert.NotEmpty(t, ids)
		for _, id := range ids {
			assert.True(t, strings.HasPrefix(id, source+":"))
		}
	}
}

func TestRetrieveRanksRelevantSourceFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.IngestDocument(ctx, "physics.txt", physicsDoc(), false))
	require.NoError(t, e.IngestDocument(ctx, "cooking.txt", cookingDoc(), false))

	pack, err := e.Retrieve(ctx, "quantum entanglement in photonic circuits", 64, 4000)
	require.NoError(t, err)

	require.NotEmpty(t, pack.Evidence)
	assert.Equal(t, "physics.txt", pack.Evidence[0].Source)
	assert.Greater(t, pack.Coverage, 0.0)
	assert.False(t, pack.NeedsMore)
	assert.Greater(t, pack.Answerability, 0.0)
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	e := newTestEngine(t)

	pack, err := e.Retrieve(context.Background(), "anything at all", 64, 1000)
	require.NoError(t, err)
	assert.Empty(t, pack.Evidence)
	assert.True(t, pack.NeedsMore)
	assert.Zero(t, pack.Metadata.TokenCount)
}

func TestRetrieveBlankQuery(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.IngestDocument(context.Background(), "physics.txt", physicsDoc(), false))

	pack, err := e.Retrieve(context.Background(), "   ", 64, 1000)
	require.NoError(t, err)
	assert.Empty(t, pack.Evidence)
	assert.True(t, pack.NeedsMore)
}

func TestRemoveDocumentDropsItsEvidence(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.IngestDocument(ctx, "physics.txt", physicsDoc(), false))
	require.True(t, e.HasDocument("physics.txt"))

	require.NoError(t, e.RemoveDocument(ctx, "physics.txt"))
	assert.False(t, e.HasDocument("physics.txt"))

	pack, err := e.Retrieve(ctx, "quantum entanglement in photonic circuits", 64, 1000)
	require.NoError(t, err)
	assert.Empty(t, pack.Evidence)
}

func TestIngestEmptyContentRemoves(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.IngestDocument(ctx, "physics.txt", physicsDoc(), false))
	require.NoError(t, e.IngestDocument(ctx, "physics.txt", "", false))
	assert.False(t, e.HasDocument("physics.txt"))
	assert.Zero(t, e.DocumentCount())
}
