package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
)

// HybridRetriever fans out dense and lexical searches, fuses them with
// reciprocal rank fusion, fetches survivor texts, and reranks. One
// failing method degrades the result; both failing is an error.
type HybridRetriever struct {
	store         DocumentStore
	embedder      Embedder
	reranker      Reranker
	fanoutTimeout time.Duration
	rrfC          int
	logger        *slog.Logger
}

// NewHybridRetriever wires a retriever over the given store and plug-ins.
func NewHybridRetriever(store DocumentStore, embedder Embedder, reranker Reranker, cfg config.RetrievalConfig, logger *slog.Logger) *HybridRetriever {
	return &HybridRetriever{
		store:         store,
		embedder:      embedder,
		reranker:      reranker,
		fanoutTimeout: time.Duration(cfg.FanoutTimeoutMs) * time.Millisecond,
		rrfC:          cfg.RRFConstant,
		logger:        logger.With("component", "retriever"),
	}
}

// Retrieve runs the full pipeline and returns the top k reranked
// documents.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, k int, method Method) ([]Document, error) {
	if k <= 0 {
		return nil, apperr.Newf(apperr.KindInvalidInput, "k must be positive, got %d", k)
	}

	kFuse := min(k*4, 50)
	dense, lexical, err := h.fanout(ctx, query, kFuse, method)
	if err != nil {
		return nil, err
	}

	fused := FuseRRF(dense, lexical, h.rrfC)
	if len(fused) > kFuse {
		fused = fused[:kFuse]
	}
	if len(fused) == 0 {
		return []Document{}, nil
	}

	ids := make([]string, len(fused))
	fusedScore := make(map[string]float64, len(fused))
	for i, hit := range fused {
		ids[i] = hit.DocID
		fusedScore[hit.DocID] = hit.Score
	}
	docs, err := h.store.Fetch(ctx, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrievalUnavailable, "fetch survivors", err)
	}
	for i := range docs {
		docs[i].Score = fusedScore[docs[i].DocID]
	}

	reranked, err := h.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrievalUnavailable, "rerank", err)
	}
	if len(reranked) > k {
		reranked = reranked[:k]
	}
	return reranked, nil
}

// fanout runs the selected search methods concurrently, each under its
// own timeout. Per-method failures are logged and tolerated unless
// every method fails.
func (h *HybridRetriever) fanout(ctx context.Context, query string, k int, method Method) (dense, lexical []Hit, err error) {
	var denseErr, lexErr error
	g, gctx := errgroup.WithContext(ctx)

	if method == MethodDense || method == MethodHybrid {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, h.fanoutTimeout)
			defer cancel()
			vec, err := h.embedder.Embed(query)
			if err != nil {
				denseErr = err
				return nil
			}
			dense, denseErr = h.store.DenseSearch(callCtx, vec, k)
			return nil
		})
	} else {
		denseErr = errMethodDisabled
	}

	if method == MethodLexical || method == MethodHybrid {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, h.fanoutTimeout)
			defer cancel()
			lexical, lexErr = h.store.LexicalSearch(callCtx, query, k)
			return nil
		})
	} else {
		lexErr = errMethodDisabled
	}

	_ = g.Wait()

	if denseErr != nil && denseErr != errMethodDisabled {
		h.logger.Warn("dense search failed", "error", denseErr)
	}
	if lexErr != nil && lexErr != errMethodDisabled {
		h.logger.Warn("lexical search failed", "error", lexErr)
	}
	if denseErr != nil && lexErr != nil {
		cause := denseErr
		if cause == errMethodDisabled {
			cause = lexErr
		}
		return nil, nil, apperr.Wrap(apperr.KindRetrievalUnavailable, "all retrieval methods failed", cause)
	}
	if denseErr != nil {
		dense = nil
	}
	if lexErr != nil {
		lexical = nil
	}
	return dense, lexical, nil
}

var errMethodDisabled = apperr.New(apperr.KindInternal, "method disabled")

// FuseRRF combines ranked lists by reciprocal rank fusion: a doc at
// rank r (1-based) in a list contributes 1/(C+r). Ties break by doc_id
// so fusion output is deterministic.
func FuseRRF(dense, lexical []Hit, c int) []Hit {
	scores := make(map[string]float64)
	for rank, hit := range dense {
		scores[hit.DocID] += 1.0 / float64(c+rank+1)
	}
	for rank, hit := range lexical {
		scores[hit.DocID] += 1.0 / float64(c+rank+1)
	}

	fused := make([]Hit, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, Hit{DocID: id, Score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].DocID < fused[j].DocID
	})
	return fused
}
