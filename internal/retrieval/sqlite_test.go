package retrieval

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", NewHashEmbedder(64))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedDocs(t *testing.T, store *SQLiteStore) {
	t.Helper()
	docs := []Document{
		{DocID: "doc-retry", Text: "exponential backoff retries the call after 100, 300, and 900 milliseconds", SourceMetadata: map[string]string{"source": "runbook"}},
		{DocID: "doc-cache", Text: "the cache layer keeps results for ten minutes under an LRU cap"},
		{DocID: "doc-bandit", Text: "thompson sampling draws from each arm's beta posterior and picks the argmax"},
	}
	for _, d := range docs {
		if err := store.Insert(context.Background(), d); err != nil {
			t.Fatalf("insert %s: %v", d.DocID, err)
		}
	}
}

func TestLexicalSearchRanksMatch(t *testing.T) {
	store := newTestStore(t)
	seedDocs(t, store)

	hits, err := store.LexicalSearch(context.Background(), "exponential backoff retries", 10)
	if err != nil {
		t.Fatalf("lexical search: %v", err)
	}
	if len(hits) == 0 || hits[0].DocID != "doc-retry" {
		t.Fatalf("hits = %+v, want doc-retry first", hits)
	}
}

func TestLexicalSearchHandlesSpecialChars(t *testing.T) {
	store := newTestStore(t)
	seedDocs(t, store)

	// Raw quotes and operators would be FTS5 syntax errors if passed
	// through unquoted.
	if _, err := store.LexicalSearch(context.Background(), `"backoff" AND (retries)`, 10); err != nil {
		t.Fatalf("special chars: %v", err)
	}
}

func TestDenseSearchFindsSimilarDoc(t *testing.T) {
	store := newTestStore(t)
	seedDocs(t, store)

	vec, err := store.embedder.Embed("backoff retries after milliseconds")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	hits, err := store.DenseSearch(context.Background(), vec, 3)
	if err != nil {
		t.Fatalf("dense search: %v", err)
	}
	if len(hits) == 0 || hits[0].DocID != "doc-retry" {
		t.Fatalf("hits = %+v, want doc-retry first", hits)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not sorted descending at %d", i)
		}
	}
}

func TestFetchPreservesRequestOrder(t *testing.T) {
	store := newTestStore(t)
	seedDocs(t, store)

	docs, err := store.Fetch(context.Background(), []string{"doc-bandit", "doc-retry", "missing"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(docs) != 2 || docs[0].DocID != "doc-bandit" || docs[1].DocID != "doc-retry" {
		t.Fatalf("docs = %+v", docs)
	}
	if docs[1].SourceMetadata["source"] != "runbook" {
		t.Errorf("metadata lost: %+v", docs[1].SourceMetadata)
	}
}

func TestInsertReplacesDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, Document{DocID: "d", Text: "first version"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, Document{DocID: "d", Text: "second version"}); err != nil {
		t.Fatal(err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 after replace", n)
	}
	docs, err := store.Fetch(ctx, []string{"d"})
	if err != nil || len(docs) != 1 {
		t.Fatalf("fetch: %v %+v", err, docs)
	}
	if docs[0].Text != "second version" {
		t.Errorf("text = %q", docs[0].Text)
	}
}
