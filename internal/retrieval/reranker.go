package retrieval

import (
	"context"
	"math"
	"sort"
)

// Reranker scores (query, text) pairs. Higher is better; scores from
// different rerankers are not comparable.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document) ([]Document, error)
}

// OverlapReranker is a lightweight cross-encoder stand-in: it scores
// each pair by weighted token overlap with a length prior, processing
// documents in fixed-size batches. A model-backed reranker drops in
// behind the same interface.
type OverlapReranker struct {
	batchSize int
}

// NewOverlapReranker creates a reranker with the given batch size.
func NewOverlapReranker(batchSize int) *OverlapReranker {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &OverlapReranker{batchSize: batchSize}
}

// Rerank orders docs by descending pair score, ties by doc_id. The
// returned slice is a copy with Score replaced by the rerank score.
func (r *OverlapReranker) Rerank(ctx context.Context, query string, docs []Document) ([]Document, error) {
	queryTokens := Tokenize(query)
	querySet := make(map[string]bool, len(queryTokens))
	for _, t := range queryTokens {
		querySet[t] = true
	}

	out := make([]Document, len(docs))
	for start := 0; start < len(docs); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+r.batchSize, len(docs))
		for i := start; i < end; i++ {
			out[i] = docs[i]
			out[i].Score = pairScore(querySet, docs[i].Text)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out, nil
}

// pairScore measures how many query tokens the text covers, damped by
// document length so a short exact passage beats a long one that
// happens to mention everything.
func pairScore(querySet map[string]bool, text string) float64 {
	if len(querySet) == 0 {
		return 0
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0
	}
	covered := make(map[string]bool)
	for _, t := range tokens {
		if querySet[t] {
			covered[t] = true
		}
	}
	coverage := float64(len(covered)) / float64(len(querySet))
	lengthPrior := 1.0 / (1.0 + math.Log1p(float64(len(tokens))/100.0))
	return coverage * lengthPrior
}

// IdentityReranker preserves the incoming order and scores. Used when
// reranking is disabled.
type IdentityReranker struct{}

func (IdentityReranker) Rerank(_ context.Context, _ string, docs []Document) ([]Document, error) {
	return docs, nil
}
