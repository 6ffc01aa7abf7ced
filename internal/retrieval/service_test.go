package retrieval

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/metrics"
)

// countingRetriever records backend calls and optionally blocks.
type countingRetriever struct {
	calls   atomic.Int64
	delay   time.Duration
	release chan struct{}
	docs    []Document
}

func (r *countingRetriever) Retrieve(ctx context.Context, _ string, _ int, _ Method) ([]Document, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.docs, nil
}

func newTestService(t *testing.T, r Retriever, maxInFlight int64) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Retrieval.MaxInFlight = maxInFlight
	return NewService(r, nil, cfg.Cache, cfg.Retrieval, metrics.NewSink(), slog.Default())
}

func TestSingleFlightColdKey(t *testing.T) {
	backend := &countingRetriever{
		delay: 100 * time.Millisecond,
		docs:  []Document{{DocID: "d1", Text: "one"}, {DocID: "d2", Text: "two"}},
	}
	svc := newTestService(t, backend, 64)

	const callers = 10
	results := make([]*QueryResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Query(context.Background(), "x", 5, MethodHybrid)
		}(i)
	}
	wg.Wait()

	if got := backend.calls.Load(); got != 1 {
		t.Fatalf("backend calls = %d, want exactly 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if len(results[i].Results) != 2 || results[i].Results[0].DocID != "d1" {
			t.Errorf("caller %d got %+v", i, results[i].Results)
		}
	}
}

func TestWarmCacheIdenticalOrdering(t *testing.T) {
	backend := &countingRetriever{docs: []Document{
		{DocID: "b", Score: 0.9}, {DocID: "a", Score: 0.7}, {DocID: "c", Score: 0.5},
	}}
	svc := newTestService(t, backend, 64)
	ctx := context.Background()

	first, err := svc.Query(ctx, "warm cache query", 3, MethodHybrid)
	if err != nil {
		t.Fatalf("cold query: %v", err)
	}
	if first.CacheHit {
		t.Error("cold query reported a cache hit")
	}

	second, err := svc.Query(ctx, "  Warm   CACHE  query ", 3, MethodHybrid)
	if err != nil {
		t.Fatalf("warm query: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("normalized repeat query missed the cache")
	}
	if backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls.Load())
	}
	for i := range first.Results {
		if first.Results[i].DocID != second.Results[i].DocID {
			t.Errorf("ordering diverged at %d: %s vs %s", i, first.Results[i].DocID, second.Results[i].DocID)
		}
	}
}

func TestCoalescedWaitersSurviveFirstCallerCancel(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend := retrieverFunc(func(ctx context.Context, q string, k int, m Method) ([]Document, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []Document{{DocID: "d"}}, nil
	})
	svc := newTestService(t, backend, 64)

	ctx1, cancel1 := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Query(ctx1, "shared", 3, MethodHybrid)
		firstErr <- err
	}()
	<-entered

	waiterRes := make(chan error, 1)
	go func() {
		res, err := svc.Query(context.Background(), "shared", 3, MethodHybrid)
		if err == nil && len(res.Results) != 1 {
			err = apperr.Newf(apperr.KindInternal, "got %d docs", len(res.Results))
		}
		waiterRes <- err
	}()

	// Give the second caller time to coalesce, then drop the first.
	time.Sleep(20 * time.Millisecond)
	cancel1()
	close(release)

	if err := <-waiterRes; err != nil {
		t.Fatalf("waiter inherited first caller's fate: %v", err)
	}
	if err := <-firstErr; err != nil {
		t.Logf("first caller: %v", err)
	}
}

func TestOverloadedFailsFast(t *testing.T) {
	backend := &countingRetriever{release: make(chan struct{}), docs: []Document{{DocID: "d"}}}
	svc := newTestService(t, backend, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Query(context.Background(), "slow", 5, MethodHybrid)
	}()

	// Wait for the first query to hold the only slot.
	deadline := time.Now().Add(time.Second)
	for backend.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first query never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := svc.Query(context.Background(), "rejected", 5, MethodHybrid)
	if kind := apperr.KindOf(err); kind != apperr.KindOverloaded {
		t.Fatalf("kind = %s, want Overloaded", kind)
	}
	if !apperr.IsRetriable(err) {
		t.Error("Overloaded should be retriable")
	}

	close(backend.release)
	<-done
}

func TestErrorsAreNotCached(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	var calls atomic.Int64
	backend := retrieverFunc(func(ctx context.Context, q string, k int, m Method) ([]Document, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, apperr.New(apperr.KindRetrievalUnavailable, "down")
		}
		return []Document{{DocID: "d"}}, nil
	})
	svc := newTestService(t, backend, 64)
	ctx := context.Background()

	if _, err := svc.Query(ctx, "q", 3, MethodHybrid); err == nil {
		t.Fatal("expected failure")
	}

	fail.Store(false)
	res, err := svc.Query(ctx, "q", 3, MethodHybrid)
	if err != nil {
		t.Fatalf("recovered query: %v", err)
	}
	if res.CacheHit {
		t.Error("failure must not populate the cache")
	}
	if calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", calls.Load())
	}
}

func TestQueryValidation(t *testing.T) {
	svc := newTestService(t, &countingRetriever{}, 64)
	ctx := context.Background()

	if _, err := svc.Query(ctx, "", 3, MethodHybrid); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Error("empty query should be InvalidInput")
	}
	if _, err := svc.Query(ctx, "q", 0, MethodHybrid); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Error("k=0 should be InvalidInput")
	}
	if _, err := svc.Query(ctx, "q", 51, MethodHybrid); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Error("k=51 should be InvalidInput")
	}
}

func TestMetricsSummary(t *testing.T) {
	backend := &countingRetriever{docs: []Document{{DocID: "d"}}}
	svc := newTestService(t, backend, 64)
	ctx := context.Background()

	if _, err := svc.Query(ctx, "q", 3, MethodHybrid); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Query(ctx, "q", 3, MethodHybrid); err != nil {
		t.Fatal(err)
	}

	got := svc.Metrics(ctx)
	if got.TotalQueries != 2 {
		t.Errorf("total = %d, want 2", got.TotalQueries)
	}
	if got.CacheHitRatio != 0.5 {
		t.Errorf("hit ratio = %v, want 0.5", got.CacheHitRatio)
	}
}

type retrieverFunc func(ctx context.Context, query string, k int, method Method) ([]Document, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string, k int, method Method) ([]Document, error) {
	return f(ctx, query, k, method)
}
