package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs both search methods with a single SQLite file:
// FTS5 for lexical search, an embedding BLOB column scanned with cosine
// similarity for dense search. Use ":memory:" for tests.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	mu       sync.RWMutex
}

// NewSQLiteStore opens (and migrates) the document store.
func NewSQLiteStore(path string, embedder Embedder) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("retrieval: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("retrieval: wal mode: %w", err)
	}

	s := &SQLiteStore{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("retrieval: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id    TEXT PRIMARY KEY,
			content   TEXT NOT NULL,
			metadata  TEXT NOT NULL DEFAULT '{}',
			embedding BLOB
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			doc_id, content
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:32], err)
		}
	}
	return nil
}

// Insert stores or replaces a document in both indexes. Ingestion is an
// operator concern; the query path never writes.
func (s *SQLiteStore) Insert(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var embBlob []byte
	if emb, err := s.embedder.Embed(doc.Text); err == nil && len(emb) > 0 {
		embBlob = EncodeEmbedding(emb)
	}
	meta := "{}"
	if len(doc.SourceMetadata) > 0 {
		b, err := json.Marshal(doc.SourceMetadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents(doc_id, content, metadata, embedding) VALUES(?, ?, ?, ?)`,
		doc.DocID, doc.Text, meta, embBlob,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE doc_id = ?`, doc.DocID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents_fts(doc_id, content) VALUES(?, ?)`,
		doc.DocID, doc.Text,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// DenseSearch scans stored embeddings by cosine similarity. Ties break
// by doc_id so result order is stable.
func (s *SQLiteStore) DenseSearch(ctx context.Context, queryVec []float64, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(queryVec) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, embedding FROM documents WHERE embedding IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var embBlob []byte
		if err := rows.Scan(&id, &embBlob); err != nil {
			return nil, err
		}
		score := CosineSimilarity(queryVec, DecodeEmbedding(embBlob))
		if score > 0 {
			hits = append(hits, Hit{DocID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// LexicalSearch performs BM25-ranked keyword search. Query terms are
// quoted so user input cannot hit FTS5 syntax errors.
func (s *SQLiteStore) LexicalSearch(ctx context.Context, query string, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, bm25(documents_fts)
		 FROM documents_fts
		 WHERE documents_fts MATCH ?
		 ORDER BY bm25(documents_fts)
		 LIMIT ?`,
		match, k,
	)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var bm25Score float64
		if err := rows.Scan(&h.DocID, &bm25Score); err != nil {
			return nil, err
		}
		// BM25 scores are negative (lower = better), invert for ranking
		h.Score = -bm25Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Fetch loads texts and metadata for fused survivors in one query.
// Results come back in the requested order.
func (s *SQLiteStore) Fetch(ctx context.Context, docIDs []string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(docIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(docIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(docIDs))
	for i, id := range docIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, content, metadata FROM documents WHERE doc_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Document, len(docIDs))
	for rows.Next() {
		var doc Document
		var meta string
		if err := rows.Scan(&doc.DocID, &doc.Text, &meta); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &doc.SourceMetadata)
		}
		byID[doc.DocID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(docIDs))
	for _, id := range docIDs {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Count returns the number of indexed documents.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ftsQuery quotes each token so the MATCH expression is always valid.
func ftsQuery(query string) string {
	tokens := Tokenize(query)
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}
