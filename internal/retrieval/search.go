package retrieval

import (
	"math"
	"sort"
)

// Result is one retrieved snippet with its similarity score.
type Result struct {
	Text       string
	Similarity float64
	SourceType string
	MessageID  int64 // 0 for document chunks
}

// Cosine returns the cosine similarity dot(a,b) / (||a|| * ||b||).
// Defined as 0 when the vectors differ in length or either norm is 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Search ranks records against the query vector. It is a pure function of
// its inputs: no side effects, no external calls. Records whose owning
// message id is in exclude are dropped (the caller's raw window must not be
// duplicated), as is anything below minSimilarity. Results are ordered by
// similarity descending, ties broken by most-recent first, truncated to topK.
func Search(records []Record, query []float32, topK int, minSimilarity float64, exclude map[int64]bool) []Result {
	if topK <= 0 || len(records) == 0 {
		return nil
	}

	type scored struct {
		Result
		createdAt int64
	}

	var candidates []scored
	for _, r := range records {
		if r.MessageID != 0 && exclude[r.MessageID] {
			continue
		}
		sim := Cosine(query, r.Embedding)
		if sim < minSimilarity {
			continue
		}
		candidates = append(candidates, scored{
			Result: Result{
				Text:       r.Text,
				Similarity: sim,
				SourceType: r.SourceType,
				MessageID:  r.MessageID,
			},
			createdAt: r.CreatedAt.UnixNano(),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].createdAt > candidates[j].createdAt
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = c.Result
	}
	return results
}
