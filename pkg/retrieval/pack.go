package retrieval

import (
	"fmt"
	"strings"
)

// packChunks appends formatted evidence entries in rank order, counting
// tokens, and stops the moment adding the next entry would cross
// maxTokens. Packing is deterministic for a given ranked input and
// budget.
func packChunks(ranked []scored, query string, maxTokens int, coverageThreshold float64, countTokens func(string) int) *ContextPack {
	var sb strings.Builder
	var evidence []Evidence
	sourceMap := make(map[string][]string)
	tokenCount := 0

	for i, cand := range ranked {
		entry := fmt.Sprintf("[Evidence %d from %s]\n%s\n", i+1, cand.chunk.Source, cand.chunk.Text)
		entryTokens := countTokens(entry)
		if tokenCount+entryTokens > maxTokens {
			break
		}
		sb.WriteString(entry)
		tokenCount += entryTokens
		evidence = append(evidence, Evidence{
			ID:       cand.chunk.ID,
			Source:   cand.chunk.Source,
			Text:     cand.chunk.Text,
			Position: cand.chunk.Position,
		})
		sourceMap[cand.chunk.Source] = append(sourceMap[cand.chunk.Source], cand.chunk.ID)
	}

	text := sb.String()
	coverage := termCoverage(query, text)
	answerability := float64(len(evidence)) / 10 * coverage
	if answerability > 1 {
		answerability = 1
	}

	return &ContextPack{
		Text:          text,
		Evidence:      evidence,
		SourceMap:     sourceMap,
		Coverage:      coverage,
		Answerability: answerability,
		NeedsMore:     coverage < coverageThreshold,
		Metadata: PackMetadata{
			ChunkCount: len(evidence),
			TokenCount: tokenCount,
		},
	}
}

// termCoverage is the fraction of distinct query terms present in the
// packed text.
func termCoverage(query, text string) float64 {
	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}

	unique := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		unique[t] = struct{}{}
	}

	textTerms := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		textTerms[t] = struct{}{}
	}

	matched := 0
	for t := range unique {
		if _, ok := textTerms[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(unique))
}
