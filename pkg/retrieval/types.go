// Package retrieval maintains, per chunk size class, a dense vector
// index and a BM25 lexical index over the same chunk corpus, and runs
// the four-stage retrieve pipeline: rewrite, hybrid recall, rerank with
// MMR, pack under a token budget.
package retrieval

import "fmt"

// Chunk is one indexed span of a source document. Immutable once
// indexed; the chunk set for a size class is regenerated atomically
// when the source changes.
type Chunk struct {
	ID          string
	Text        string
	Source      string
	Position    int
	SizeClass   int
	Embedding   []float32
	Tokens      []string
	Metadata    ChunkMetadata
	IsPermanent bool
}

// ChunkMetadata carries per-chunk statistics and the detected content
// type.
type ChunkMetadata struct {
	CharCount     int
	WordCount     int
	SentenceCount int
	ContentType   string // text, code, table, equation, section
}

// Evidence is one packed chunk inside a ContextPack, in rank order.
type Evidence struct {
	ID       string
	Source   string
	Text     string
	Position int
}

// PackMetadata summarizes what went into a pack.
type PackMetadata struct {
	ChunkCount int
	TokenCount int
}

// ContextPack is the immutable output of Retrieve.
type ContextPack struct {
	Text          string
	Evidence      []Evidence
	SourceMap     map[string][]string // source -> chunk ids
	Coverage      float64
	Answerability float64
	NeedsMore     bool
	Metadata      PackMetadata
}

// RetrievalError wraps failures from the engine with the operation and
// query context.
type RetrievalError struct {
	Operation string
	Query     string
	Err       error
}

func (e *RetrievalError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("retrieval %s failed (query: %.60q): %v", e.Operation, e.Query, e.Err)
	}
	return fmt.Sprintf("retrieval %s failed: %v", e.Operation, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}
