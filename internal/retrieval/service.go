package retrieval

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/metrics"
)

// Retriever is the pipeline behind the service facade.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, method Method) ([]Document, error)
}

// sharedQueryTimeout bounds a coalesced backend call. The shared
// computation must not inherit any single caller's cancellation.
const sharedQueryTimeout = 10 * time.Second

// QueryResult is the facade's wire-level answer.
type QueryResult struct {
	Results   []Document `json:"results"`
	LatencyMs int64      `json:"latency_ms"`
	CacheHit  bool       `json:"cache_hit"`
}

// Summary is the aggregate view served by GET /rag/metrics.
type Summary struct {
	CacheHitRatio float64 `json:"cache_hit_ratio"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	TotalQueries  int64   `json:"total_queries"`
	DocCount      int     `json:"doc_count"`
}

// Service fronts the retriever with a TTL+LRU cache, single-flight
// coalescing, and bounded in-flight admission. Excess load fails fast
// with Overloaded rather than queueing.
type Service struct {
	retriever Retriever
	store     DocumentStore
	cache     *resultCache
	group     singleflight.Group
	sem       *semaphore.Weighted
	sink      *metrics.Sink
	logger    *slog.Logger

	totalQueries atomic.Int64
	cacheHits    atomic.Int64
	latencySumMs atomic.Int64
}

// NewService builds the facade. store may be nil when doc counts are
// not available (pure stub pipelines in tests).
func NewService(retriever Retriever, store DocumentStore, cacheCfg config.CacheConfig, retrievalCfg config.RetrievalConfig, sink *metrics.Sink, logger *slog.Logger) *Service {
	return &Service{
		retriever: retriever,
		store:     store,
		cache:     newResultCache(cacheCfg.MaxEntries, time.Duration(cacheCfg.TTLSeconds)*time.Second),
		sem:       semaphore.NewWeighted(retrievalCfg.MaxInFlight),
		sink:      sink,
		logger:    logger.With("component", "rag"),
	}
}

// Query serves one retrieval request. Identical concurrent cold-key
// requests coalesce onto a single backend call; all callers share its
// result.
func (s *Service) Query(ctx context.Context, query string, k int, method Method) (*QueryResult, error) {
	if query == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "query required")
	}
	if k < 1 || k > 50 {
		return nil, apperr.Newf(apperr.KindInvalidInput, "k %d out of range [1, 50]", k)
	}

	if !s.sem.TryAcquire(1) {
		s.sink.IncCounter("rag_overloaded_total", nil)
		return nil, apperr.New(apperr.KindOverloaded, "retrieval queue full")
	}
	defer s.sem.Release(1)

	start := time.Now()
	key := cacheKey(query, k, method)

	if docs, ok := s.cache.get(key); ok {
		return s.finish(docs, start, true), nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Detached context: the first caller disconnecting must not
		// fail the waiters coalesced behind it.
		sctx, cancel := context.WithTimeout(context.Background(), sharedQueryTimeout)
		defer cancel()
		docs, err := s.retriever.Retrieve(sctx, query, k, method)
		if err != nil {
			return nil, err
		}
		s.cache.put(key, docs)
		return docs, nil
	})
	if err != nil {
		s.sink.IncCounter("rag_failures_total", map[string]string{"kind": string(apperr.KindOf(err))})
		s.logger.Warn("query failed", "method", string(method), "error", err)
		return nil, err
	}
	return s.finish(v.([]Document), start, false), nil
}

func (s *Service) finish(docs []Document, start time.Time, hit bool) *QueryResult {
	elapsed := time.Since(start).Milliseconds()

	s.totalQueries.Add(1)
	s.latencySumMs.Add(elapsed)
	s.sink.IncCounter("rag_queries_total", nil)
	s.sink.ObserveHistogram("rag_latency_ms", float64(elapsed), nil)
	if hit {
		s.cacheHits.Add(1)
		s.sink.IncCounter("rag_cache_hits_total", nil)
	}

	return &QueryResult{Results: docs, LatencyMs: elapsed, CacheHit: hit}
}

// Metrics returns the aggregate RAG summary.
func (s *Service) Metrics(ctx context.Context) Summary {
	total := s.totalQueries.Load()
	summary := Summary{TotalQueries: total}
	if total > 0 {
		summary.CacheHitRatio = float64(s.cacheHits.Load()) / float64(total)
		summary.AvgLatencyMs = float64(s.latencySumMs.Load()) / float64(total)
	}
	if s.store != nil {
		if n, err := s.store.Count(ctx); err == nil {
			summary.DocCount = n
		}
	}
	return summary
}

// Ready reports whether the backing store answers.
func (s *Service) Ready(ctx context.Context) bool {
	if s.store == nil {
		return true
	}
	_, err := s.store.Count(ctx)
	return err == nil
}
