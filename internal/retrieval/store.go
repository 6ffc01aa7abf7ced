// Package retrieval implements the hybrid dense+lexical retrieval
// pipeline: SQLite-backed stores, reciprocal rank fusion, cross-encoder
// reranking, and a cached service facade.
package retrieval

import (
	"context"
	"fmt"
)

// Method selects which search paths a retrieve call uses.
type Method string

const (
	MethodDense   Method = "dense"
	MethodLexical Method = "lexical"
	MethodHybrid  Method = "hybrid"
)

// ParseMethod validates a wire-level method string. Empty defaults to
// hybrid.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "":
		return MethodHybrid, nil
	case MethodDense, MethodLexical, MethodHybrid:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown retrieval method %q", s)
}

// Document is one retrieved result. Score is only comparable within the
// stage that produced it; the facade returns rerank scores.
type Document struct {
	DocID          string            `json:"doc_id"`
	Text           string            `json:"text"`
	Score          float64           `json:"score"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
}

// Hit is a ranked match from one search method, before texts are fetched.
type Hit struct {
	DocID string
	Score float64
}

// VectorStore answers dense similarity searches.
type VectorStore interface {
	DenseSearch(ctx context.Context, queryVec []float64, k int) ([]Hit, error)
}

// LexicalStore answers keyword searches.
type LexicalStore interface {
	LexicalSearch(ctx context.Context, query string, k int) ([]Hit, error)
}

// DocumentStore is the full store contract the hybrid retriever needs:
// both search methods plus a batched text fetch for fusion survivors.
type DocumentStore interface {
	VectorStore
	LexicalStore
	Fetch(ctx context.Context, docIDs []string) ([]Document, error)
	Count(ctx context.Context) (int, error)
}
