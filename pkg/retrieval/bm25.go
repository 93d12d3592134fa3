package retrieval

import (
	"math"
	"sort"
	"sync"
)

// BM25 parameters; the classical Okapi defaults.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Index is the lexical half of a size class. It is rebuilt lazily
// at the next query after invalidation.
type bm25Index struct {
	mu      sync.Mutex
	valid   bool
	chunks  []*Chunk
	df      map[string]int
	avgLen  float64
	lengths []int
}

func newBM25Index() *bm25Index {
	return &bm25Index{}
}

// Invalidate marks the index stale; the chunk list is captured at
// rebuild time.
func (idx *bm25Index) Invalidate() {
	idx.mu.Lock()
	idx.valid = false
	idx.mu.Unlock()
}

func (idx *bm25Index) rebuild(chunks []*Chunk) {
	idx.chunks = chunks
	idx.df = make(map[string]int)
	idx.lengths = make([]int, len(chunks))

	totalLen := 0
	for i, ch := range chunks {
		idx.lengths[i] = len(ch.Tokens)
		totalLen += len(ch.Tokens)

		seen := make(map[string]struct{}, len(ch.Tokens))
		for _, tok := range ch.Tokens {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				idx.df[tok]++
			}
		}
	}
	if len(chunks) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(chunks))
	}
	idx.valid = true
}

// scored pairs a chunk with a relevance score.
type scored struct {
	chunk *Chunk
	score float64
}

// TopK scores the corpus against query tokens and returns the best k
// chunks with raw BM25 scores. Rebuilds first when stale.
func (idx *bm25Index) TopK(chunks []*Chunk, queryTokens []string, k int) []scored {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.valid {
		idx.rebuild(chunks)
	}

	n := len(idx.chunks)
	if n == 0 || len(queryTokens) == 0 {
		return nil
	}

	results := make([]scored, 0, n)
	for i, ch := range idx.chunks {
		tf := make(map[string]int, len(ch.Tokens))
		for _, tok := range ch.Tokens {
			tf[tok]++
		}

		var score float64
		docLen := float64(idx.lengths[i])
		for _, q := range queryTokens {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(idx.df[q])
			idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
			score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/idx.avgLen))
		}
		if score > 0 {
			results = append(results, scored{chunk: ch, score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
