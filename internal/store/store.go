// Package store persists chunk text and ledger records in Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/vectorpipe/internal/budget"
)

// ErrChunkNotFound is returned when a chunk id has no stored text.
var ErrChunkNotFound = errors.New("chunk not found")

type Store struct {
	DB *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// ChunkRecord is the stored form of an ingested chunk. The text is referenced
// by the retriever; the vector pipeline never mutates it.
type ChunkRecord struct {
	ChunkID     string
	DocumentID  string
	Text        string
	ContentHash string
	CreatedAt   time.Time
}

// UpsertChunk stores or refreshes a chunk's text and hash.
func (s *Store) UpsertChunk(ctx context.Context, rec ChunkRecord) error {
	if rec.ChunkID == "" {
		return fmt.Errorf("chunk_id required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO chunks (chunk_id, document_id, text, content_hash, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  text = EXCLUDED.text,
  content_hash = EXCLUDED.content_hash;
`, rec.ChunkID, rec.DocumentID, rec.Text, rec.ContentHash)
	if err != nil {
		return fmt.Errorf("upsert chunk %s: %w", rec.ChunkID, err)
	}
	return nil
}

// GetChunk returns the stored record for one chunk id.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (ChunkRecord, error) {
	var rec ChunkRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT chunk_id, document_id, text, content_hash, created_at FROM chunks WHERE chunk_id=$1
`, chunkID).Scan(&rec.ChunkID, &rec.DocumentID, &rec.Text, &rec.ContentHash, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return ChunkRecord{}, ErrChunkNotFound
	}
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("get chunk %s: %w", chunkID, err)
	}
	return rec, nil
}

// GetChunkTexts resolves many chunk ids at once for retrieval responses.
// Missing ids are simply absent from the result map.
func (s *Store) GetChunkTexts(ctx context.Context, chunkIDs []string) (map[string]string, error) {
	if len(chunkIDs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT chunk_id, text FROM chunks WHERE chunk_id = ANY($1)
`, pq.Array(chunkIDs))
	if err != nil {
		return nil, fmt.Errorf("get chunk texts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string, len(chunkIDs))
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan chunk text: %w", err)
		}
		out[id] = text
	}
	return out, rows.Err()
}

// DeleteChunk removes a chunk's stored text.
func (s *Store) DeleteChunk(ctx context.Context, chunkID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM chunks WHERE chunk_id=$1`, chunkID); err != nil {
		return fmt.Errorf("delete chunk %s: %w", chunkID, err)
	}
	return nil
}

// SaveRecord upserts the ledger record for its period. Implements
// budget.Store.
func (s *Store) SaveRecord(ctx context.Context, rec budget.Record) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ledger_records (period_id, spent, cap, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (period_id) DO UPDATE SET
  spent = EXCLUDED.spent,
  cap = EXCLUDED.cap,
  updated_at = EXCLUDED.updated_at;
`, rec.PeriodID, rec.Spent, rec.Cap, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save ledger record: %w", err)
	}
	return nil
}

// LoadRecord returns the most recently updated ledger record. Implements
// budget.Store.
func (s *Store) LoadRecord(ctx context.Context) (budget.Record, bool, error) {
	var rec budget.Record
	err := s.DB.QueryRowContext(ctx, `
SELECT period_id, spent, cap, updated_at FROM ledger_records ORDER BY updated_at DESC LIMIT 1
`).Scan(&rec.PeriodID, &rec.Spent, &rec.Cap, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return budget.Record{}, false, nil
	}
	if err != nil {
		return budget.Record{}, false, fmt.Errorf("load ledger record: %w", err)
	}
	return rec, true, nil
}

var _ budget.Store = (*Store)(nil)
