package retrieval

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(text string) ([]float64, error)
	Dims() int
}

// HashEmbedder is a deterministic bag-of-words embedder: tokens hash
// into buckets and the vector is L2-normalized. No model download, no
// network, stable across runs. Good enough for similarity over small
// corpora and for reproducible tests; swap in a real provider behind
// the Embedder interface for production corpora.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given dimension count.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dims() int { return e.dims }

// Embed hashes each token into a bucket and normalizes. Bigrams are
// included so word order shifts the vector.
func (e *HashEmbedder) Embed(text string) ([]float64, error) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return make([]float64, e.dims), nil
	}

	vec := make([]float64, e.dims)
	for i, tok := range tokens {
		vec[e.bucket(tok)]++
		if i+1 < len(tokens) {
			vec[e.bucket(tok+" "+tokens[i+1])] += 0.5
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func (e *HashEmbedder) bucket(token string) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32()) % e.dims
}

// Tokenize lowercases and splits on non-alphanumeric runs. Shared by
// the embedder, the reranker, and the validator heuristics so they all
// agree on what a token is.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// EncodeEmbedding serializes a vector for BLOB storage.
func EncodeEmbedding(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

// DecodeEmbedding deserializes a BLOB back into a vector.
func DecodeEmbedding(b []byte) []float64 {
	n := len(b) / 8
	v := make([]float64, n)
	for i := range n {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
