package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
)

// stubStore serves canned ranked lists and optional per-method failures.
type stubStore struct {
	dense    []Hit
	lexical  []Hit
	denseErr error
	lexErr   error
	delay    time.Duration
	docs     map[string]string
}

func (s *stubStore) DenseSearch(ctx context.Context, _ []float64, _ int) ([]Hit, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.dense, s.denseErr
}

func (s *stubStore) LexicalSearch(ctx context.Context, _ string, _ int) ([]Hit, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.lexical, s.lexErr
}

func (s *stubStore) wait(ctx context.Context) error {
	if s.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
		return nil
	}
}

func (s *stubStore) Fetch(_ context.Context, ids []string) ([]Document, error) {
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		text := s.docs[id]
		if text == "" {
			text = "text for " + id
		}
		docs = append(docs, Document{DocID: id, Text: text})
	}
	return docs, nil
}

func (s *stubStore) Count(context.Context) (int, error) { return len(s.docs), nil }

func newTestRetriever(t *testing.T, store DocumentStore) *HybridRetriever {
	t.Helper()
	cfg := config.DefaultConfig().Retrieval
	return NewHybridRetriever(store, NewHashEmbedder(16), IdentityReranker{}, cfg, slog.Default())
}

func TestFuseRRFWorkedExample(t *testing.T) {
	store := &stubStore{
		dense:   []Hit{{DocID: "d1"}, {DocID: "d2"}, {DocID: "d3"}},
		lexical: []Hit{{DocID: "d3"}, {DocID: "d4"}, {DocID: "d1"}},
	}
	r := newTestRetriever(t, store)

	docs, err := r.Retrieve(context.Background(), "q", 3, MethodHybrid)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}

	// d1 and d3 tie at 1/61 + 1/63; tie breaks by doc_id. d2 at 1/62
	// beats d4 at 1/62 by doc_id and takes the last slot.
	wantOrder := []string{"d1", "d3", "d2"}
	for i, want := range wantOrder {
		if docs[i].DocID != want {
			t.Errorf("position %d = %s, want %s", i, docs[i].DocID, want)
		}
	}
	wantScore := 1.0/61 + 1.0/63
	if math.Abs(docs[0].Score-wantScore) > 1e-12 {
		t.Errorf("d1 score = %v, want %v", docs[0].Score, wantScore)
	}
	if docs[0].Score != docs[1].Score {
		t.Errorf("d1 and d3 should tie, got %v and %v", docs[0].Score, docs[1].Score)
	}
}

func TestOneMethodFailureTolerated(t *testing.T) {
	store := &stubStore{
		denseErr: errors.New("index offline"),
		lexical:  []Hit{{DocID: "d1"}, {DocID: "d2"}},
	}
	r := newTestRetriever(t, store)

	docs, err := r.Retrieve(context.Background(), "q", 2, MethodHybrid)
	if err != nil {
		t.Fatalf("one-sided failure should degrade, not error: %v", err)
	}
	if len(docs) != 2 || docs[0].DocID != "d1" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestBothMethodsTimeoutIsRetrievalUnavailable(t *testing.T) {
	store := &stubStore{delay: 200 * time.Millisecond}
	cfg := config.DefaultConfig().Retrieval
	cfg.FanoutTimeoutMs = 20
	r := NewHybridRetriever(store, NewHashEmbedder(16), IdentityReranker{}, cfg, slog.Default())

	_, err := r.Retrieve(context.Background(), "q", 3, MethodHybrid)
	if kind := apperr.KindOf(err); kind != apperr.KindRetrievalUnavailable {
		t.Fatalf("kind = %s, want RetrievalUnavailable (err %v)", kind, err)
	}
	if !apperr.IsRetriable(err) {
		t.Error("RetrievalUnavailable should be retriable")
	}
}

func TestSingleMethodRetrieve(t *testing.T) {
	store := &stubStore{
		dense:   []Hit{{DocID: "dv"}},
		lexical: []Hit{{DocID: "lx"}},
	}
	r := newTestRetriever(t, store)

	docs, err := r.Retrieve(context.Background(), "q", 1, MethodLexical)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) != 1 || docs[0].DocID != "lx" {
		t.Errorf("lexical-only docs = %+v", docs)
	}
}

func TestRetrieveRejectsBadK(t *testing.T) {
	r := newTestRetriever(t, &stubStore{})
	_, err := r.Retrieve(context.Background(), "q", 0, MethodHybrid)
	if kind := apperr.KindOf(err); kind != apperr.KindInvalidInput {
		t.Errorf("kind = %s, want InvalidInput", kind)
	}
}

func TestOverlapRerankerOrdersByCoverage(t *testing.T) {
	rr := NewOverlapReranker(2)
	docs := []Document{
		{DocID: "long", Text: "retry schedule backoff jitter " + string(make([]byte, 0)) + "plus a very long tail of unrelated filler words that keep going on and on about nothing in particular"},
		{DocID: "short", Text: "retry schedule backoff jitter"},
		{DocID: "miss", Text: "completely unrelated content"},
	}
	out, err := rr.Rerank(context.Background(), "retry backoff jitter", docs)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if out[0].DocID != "short" {
		t.Errorf("best = %s, want short exact passage first", out[0].DocID)
	}
	if out[2].DocID != "miss" {
		t.Errorf("worst = %s, want miss last", out[2].DocID)
	}
}
