package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// vectorStore wraps chromem-go with one collection per chunk size
// class. Embeddings are pre-computed by the gateway; the embedding
// function is an identity guard that must never fire.
type vectorStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[int]*chromem.Collection
}

// newVectorStore builds the store. A non-empty persistPath turns on
// chromem's gob persistence under that directory; a persistence failure
// degrades to in-memory rather than blocking startup.
func newVectorStore(persistPath string) *vectorStore {
	db := chromem.NewDB()
	if persistPath != "" {
		persistent, err := chromem.NewPersistentDB(persistPath, true)
		if err != nil {
			slog.Warn("Vector persistence unavailable; using in-memory store", "path", persistPath, "error", err)
		} else {
			db = persistent
		}
	}
	return &vectorStore{
		db:          db,
		collections: make(map[int]*chromem.Collection),
	}
}

func collectionName(sizeClass int) string {
	return fmt.Sprintf("chunks_%d", sizeClass)
}

func (vs *vectorStore) collection(sizeClass int) (*chromem.Collection, error) {
	vs.mu.RLock()
	if col, ok := vs.collections[sizeClass]; ok {
		vs.mu.RUnlock()
		return col, nil
	}
	vs.mu.RUnlock()

	vs.mu.Lock()
	defer vs.mu.Unlock()
	if col, ok := vs.collections[sizeClass]; ok {
		return col, nil
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}
	col, err := vs.db.GetOrCreateCollection(collectionName(sizeClass), nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", collectionName(sizeClass), err)
	}
	vs.collections[sizeClass] = col
	return col, nil
}

// upsertChunks adds pre-embedded chunks to the size-class collection.
func (vs *vectorStore) upsertChunks(ctx context.Context, sizeClass int, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	col, err := vs.collection(sizeClass)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for _, ch := range chunks {
		docs = append(docs, chromem.Document{
			ID:      ch.ID,
			Content: ch.Text,
			Metadata: map[string]string{
				"source":   ch.Source,
				"position": fmt.Sprint(ch.Position),
			},
			Embedding: ch.Embedding,
		})
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return nil
}

// deleteSource removes every chunk of a source from the size-class
// collection.
func (vs *vectorStore) deleteSource(ctx context.Context, sizeClass int, source string) error {
	col, err := vs.collection(sizeClass)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, map[string]string{"source": source}, nil); err != nil {
		return fmt.Errorf("failed to delete source %q: %w", source, err)
	}
	return nil
}

// denseResult is one dense search hit.
type denseResult struct {
	id         string
	similarity float64
}

// transientIndexSignatures are the known index-race error shapes seen
// when a read overlaps a rebuild.
var transientIndexSignatures = []string{
	"hnsw",
	"nothing found on disk",
	"segment reader",
}

func isTransientIndexError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientIndexSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// query runs a dense top-k search, retrying with exponential backoff on
// the known index-race signatures (3 attempts: 500ms, 1s, 2s).
func (vs *vectorStore) query(ctx context.Context, sizeClass int, vector []float32, topK int) ([]denseResult, error) {
	col, err := vs.collection(sizeClass)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	delay := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
		if err == nil {
			out := make([]denseResult, 0, len(results))
			for _, r := range results {
				out = append(out, denseResult{id: r.ID, similarity: float64(r.Similarity)})
			}
			return out, nil
		}
		if !isTransientIndexError(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("Dense query hit transient index race, retrying",
			"size_class", sizeClass,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, &RetrievalError{Operation: "dense_query", Err: lastErr}
}
