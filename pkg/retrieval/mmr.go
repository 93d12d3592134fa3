package retrieval

import "math"

// cosineSimilarity over float32 vectors; zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// mmrSelect runs greedy Maximal Marginal Relevance over the recall
// pool: seed with the highest-scored candidate, then repeatedly pick
// the candidate maximizing lambda*relevance + (1-lambda)*diversity,
// where diversity is 1 minus the max cosine similarity to the already
// selected set. Candidates must arrive sorted by score descending.
func mmrSelect(candidates []scored, lambda float64, topK int) []scored {
	if len(candidates) == 0 || topK <= 0 {
		return nil
	}

	selected := []scored{candidates[0]}
	remaining := append([]scored(nil), candidates[1:]...)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := -1
		bestScore := math.Inf(-1)

		for i, cand := range remaining {
			maxSim := 0.0
			for _, sel := range selected {
				if sim := cosineSimilarity(cand.chunk.Embedding, sel.chunk.Embedding); sim > maxSim {
					maxSim = sim
				}
			}
			mmr := lambda*cand.score + (1-lambda)*(1-maxSim)
			if mmr > bestScore {
				bestScore = mmr
				bestIdx = i
			}
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// dropNearDuplicates removes chunks whose cosine similarity to any
// retained chunk exceeds the threshold, preserving rank order.
func dropNearDuplicates(selected []scored, threshold float64) []scored {
	if threshold <= 0 || len(selected) <= 1 {
		return selected
	}

	kept := make([]scored, 0, len(selected))
	for _, cand := range selected {
		duplicate := false
		for _, k := range kept {
			if cosineSimilarity(cand.chunk.Embedding, k.chunk.Embedding) > threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, cand)
		}
	}
	return kept
}
