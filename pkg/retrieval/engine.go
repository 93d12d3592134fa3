package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/metrics"
	"github.com/intrafere/moto/pkg/observability"
)

// Embedder generates embeddings for a batch of texts. The gateway
// satisfies this.
type Embedder interface {
	Embeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// document tracks one indexed source.
type document struct {
	content    string
	permanent  bool
	lastAccess time.Time
}

// Engine owns the chunk corpus and both index families. All writes run
// under the global retrieval lock so a re-chunk regenerates every size
// class together; reads take the read side and tolerate transient
// index races via the dense-query retry.
type Engine struct {
	cfg         config.RetrievalConfig
	embedder    Embedder
	chunker     *Chunker
	counter     interface{ Count(string) int }
	persistPath string

	rewrites *rewriteCache

	mu      sync.RWMutex
	docs    map[string]*document
	chunks  map[int]map[string][]*Chunk // size class -> source -> chunks
	byID    map[string]*Chunk
	bm25    map[int]*bm25Index
	vectors *vectorStore
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithVectorPersistence persists the vector store under path.
func WithVectorPersistence(path string) EngineOption {
	return func(e *Engine) {
		e.persistPath = path
	}
}

// NewEngine builds an engine. counter may be nil (estimate-based
// packing).
func NewEngine(cfg config.RetrievalConfig, embedder Embedder, counter interface{ Count(string) int }, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:      cfg,
		embedder: embedder,
		chunker:  NewChunker(cfg.ChunkOverlapPercentage, counter),
		counter:  counter,
		rewrites: newRewriteCache(128),
		docs:     make(map[string]*document),
		chunks:   make(map[int]map[string][]*Chunk),
		byID:     make(map[string]*Chunk),
		bm25:     make(map[int]*bm25Index),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.vectors = newVectorStore(e.persistPath)
	for _, size := range e.sizeClasses() {
		e.chunks[size] = make(map[string][]*Chunk)
		e.bm25[size] = newBM25Index()
	}
	return e
}

// sizeClasses is the union of submitter intervals and the validator
// size.
func (e *Engine) sizeClasses() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, s := range e.cfg.SubmitterChunkIntervals {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	if _, ok := seen[e.cfg.ValidatorChunkSize]; !ok && e.cfg.ValidatorChunkSize > 0 {
		out = append(out, e.cfg.ValidatorChunkSize)
	}
	sort.Ints(out)
	return out
}

func (e *Engine) countTokens(text string) int {
	if e.counter != nil {
		return e.counter.Count(text)
	}
	return len(text) / 4
}

// IngestDocument (re-)indexes a source at every size class atomically.
// Empty content removes the source. Embedding calls run while the lock
// is held; the embedding semaphore is orthogonal, so concurrent agents
// still make progress on completions.
func (e *Engine) IngestDocument(ctx context.Context, source, content string, permanent bool) error {
	if content == "" {
		return e.RemoveDocument(ctx, source)
	}

	tracer := observability.GetTracer("moto.retrieval")
	ctx, span := tracer.Start(ctx, observability.SpanIngest,
		trace.WithAttributes(attribute.String("source", source)),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, size := range e.sizeClasses() {
		chunks := e.chunker.Chunk(source, content, size, permanent)

		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Text
		}
		vectors, err := e.embedder.Embeddings(ctx, texts)
		if err != nil {
			return &RetrievalError{Operation: "ingest", Err: fmt.Errorf("embedding source %q at size %d: %w", source, size, err)}
		}
		if len(vectors) != len(chunks) {
			return &RetrievalError{Operation: "ingest", Err: fmt.Errorf("embedding count mismatch for %q", source)}
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}

		if err := e.replaceSourceLocked(ctx, size, source, chunks); err != nil {
			return err
		}
	}

	e.docs[source] = &document{content: content, permanent: permanent, lastAccess: time.Now()}
	e.evictLocked(ctx)

	slog.Debug("Indexed document", "source", source, "permanent", permanent)
	return nil
}

// replaceSourceLocked swaps the chunk set for one source and size class
// and invalidates the lexical index. Caller holds the write lock.
func (e *Engine) replaceSourceLocked(ctx context.Context, sizeClass int, source string, chunks []*Chunk) error {
	for _, old := range e.chunks[sizeClass][source] {
		delete(e.byID, old.ID)
	}
	if err := e.vectors.deleteSource(ctx, sizeClass, source); err != nil {
		slog.Warn("Failed to delete stale vectors", "source", source, "size_class", sizeClass, "error", err)
	}

	if len(chunks) == 0 {
		delete(e.chunks[sizeClass], source)
	} else {
		e.chunks[sizeClass][source] = chunks
		for _, ch := range chunks {
			e.byID[ch.ID] = ch
		}
		if err := e.vectors.upsertChunks(ctx, sizeClass, chunks); err != nil {
			return &RetrievalError{Operation: "ingest", Err: err}
		}
	}

	e.bm25[sizeClass].Invalidate()
	return nil
}

// RemoveDocument drops a source from every index.
func (e *Engine) RemoveDocument(ctx context.Context, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(ctx, source)
}

func (e *Engine) removeLocked(ctx context.Context, source string) error {
	for _, size := range e.sizeClasses() {
		if err := e.replaceSourceLocked(ctx, size, source, nil); err != nil {
			return err
		}
	}
	delete(e.docs, source)
	return nil
}

// evictLocked enforces the LRU document cap: when the count exceeds
// max_documents, the oldest non-permanent source is removed. Permanent
// (user-uploaded) sources are never evicted.
func (e *Engine) evictLocked(ctx context.Context) {
	if e.cfg.MaxDocuments <= 0 || len(e.docs) <= e.cfg.MaxDocuments {
		return
	}

	var oldestSource string
	var oldestTime time.Time
	for source, doc := range e.docs {
		if doc.permanent {
			continue
		}
		if oldestSource == "" || doc.lastAccess.Before(oldestTime) {
			oldestSource = source
			oldestTime = doc.lastAccess
		}
	}
	if oldestSource == "" {
		slog.Warn("Document cap exceeded but all sources are permanent", "count", len(e.docs))
		return
	}

	if err := e.removeLocked(ctx, oldestSource); err != nil {
		slog.Warn("LRU eviction failed", "source", oldestSource, "error", err)
		return
	}
	slog.Info("Evicted least recently used source", "source", oldestSource)
}

// DocumentCount reports the number of indexed sources.
func (e *Engine) DocumentCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// HasDocument reports whether a source is indexed.
func (e *Engine) HasDocument(source string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.docs[source]
	return ok
}

// Retrieve runs the four-stage pipeline for one size class under a
// token budget.
func (e *Engine) Retrieve(ctx context.Context, query string, sizeClass, maxTokens int) (*ContextPack, error) {
	tracer := observability.GetTracer("moto.retrieval")
	ctx, span := tracer.Start(ctx, observability.SpanRetrieve,
		trace.WithAttributes(attribute.Int(observability.AttrChunkSize, sizeClass)),
	)
	defer span.End()

	metrics.RetrievalQueries.WithLabelValues(fmt.Sprint(sizeClass)).Inc()

	// Stage 1: rewrite.
	variants := rewriteQuery(query, e.rewrites)
	if len(variants) == 0 {
		return emptyPack(), nil
	}

	// Snapshot the corpus for this size class.
	e.mu.RLock()
	var corpus []*Chunk
	for _, chunks := range e.chunks[sizeClass] {
		corpus = append(corpus, chunks...)
	}
	byID := make(map[string]*Chunk, len(corpus))
	for _, ch := range corpus {
		byID[ch.ID] = ch
	}
	bmIndex := e.bm25[sizeClass]
	e.mu.RUnlock()

	if len(corpus) == 0 {
		return emptyPack(), nil
	}

	vectors, err := e.embedder.Embeddings(ctx, variants)
	if err != nil {
		return nil, &RetrievalError{Operation: "retrieve", Query: query, Err: err}
	}

	// Stage 2: hybrid recall. Dense keeps the best similarity per
	// chunk; BM25 scores sum across variants (deliberate, see notes).
	topK := e.cfg.TopK
	denseScores := make(map[string]float64)
	bm25Scores := make(map[string]float64)

	for i, variant := range variants {
		dense, err := e.vectors.query(ctx, sizeClass, vectors[i], topK)
		if err != nil {
			return nil, &RetrievalError{Operation: "retrieve", Query: query, Err: err}
		}
		for _, r := range dense {
			if r.similarity > denseScores[r.id] {
				denseScores[r.id] = r.similarity
			}
		}

		for _, hit := range bmIndex.TopK(corpus, Tokenize(variant), topK) {
			bm25Scores[hit.chunk.ID] += hit.score
		}
	}

	var maxBM25 float64
	for _, s := range bm25Scores {
		if s > maxBM25 {
			maxBM25 = s
		}
	}

	fused := make(map[string]float64)
	for id, sim := range denseScores {
		fused[id] += e.cfg.VectorWeight * sim
	}
	for id, s := range bm25Scores {
		if maxBM25 > 0 {
			fused[id] += e.cfg.BM25Weight * (s / maxBM25)
		}
	}

	pool := make([]scored, 0, len(fused))
	for id, score := range fused {
		if ch, ok := byID[id]; ok {
			pool = append(pool, scored{chunk: ch, score: score})
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].chunk.ID < pool[j].chunk.ID
	})
	if len(pool) > 2*topK {
		pool = pool[:2*topK]
	}

	// Stage 3: rerank with MMR, then drop near-duplicates.
	selected := mmrSelect(pool, e.cfg.MMRLambda, topK)
	selected = dropNearDuplicates(selected, e.cfg.SimilarityThreshold)

	// Stage 4: pack under the token budget.
	pack := packChunks(selected, query, maxTokens, e.cfg.CoverageThreshold, e.countTokens)

	e.touchSources(pack)

	span.SetAttributes(
		attribute.Int("retrieval.chunks", pack.Metadata.ChunkCount),
		attribute.Int("retrieval.tokens", pack.Metadata.TokenCount),
	)
	return pack, nil
}

// touchSources updates LRU access time for every source that
// contributed evidence.
func (e *Engine) touchSources(pack *ContextPack) {
	if len(pack.SourceMap) == 0 {
		return
	}
	now := time.Now()
	e.mu.Lock()
	for source := range pack.SourceMap {
		if doc, ok := e.docs[source]; ok {
			doc.lastAccess = now
		}
	}
	e.mu.Unlock()
}

func emptyPack() *ContextPack {
	return &ContextPack{
		SourceMap: map[string][]string{},
		NeedsMore: true,
	}
}

// RechunkFunc adapts the engine into the re-chunk callback shape the
// state stores hold: full content in, re-index at all size classes.
func (e *Engine) RechunkFunc(source string, permanent bool) func(context.Context, string) error {
	return func(ctx context.Context, content string) error {
		return e.IngestDocument(ctx, source, content, permanent)
	}
}
