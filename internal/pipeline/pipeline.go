// Package pipeline coordinates chunk ingestion: persist text, embed under
// the budget, index vectors, and keep the keyword index and durable
// artifacts in step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/mohammad-safakhou/vectorpipe/internal/embedder"
	"github.com/mohammad-safakhou/vectorpipe/internal/index"
	"github.com/mohammad-safakhou/vectorpipe/internal/retriever"
	"github.com/mohammad-safakhou/vectorpipe/internal/store"
	"github.com/mohammad-safakhou/vectorpipe/internal/telemetry"
)

// ChunkStore persists chunk text for later retrieval lookups.
type ChunkStore interface {
	UpsertChunk(ctx context.Context, rec store.ChunkRecord) error
	DeleteChunk(ctx context.Context, chunkID string) error
}

// Config holds pipeline behaviour toggles.
type Config struct {
	// IndexDir is where the vector blob and id-map pair live. Persist is
	// skipped when empty.
	IndexDir string
	// AutoCompact runs the tombstone-ratio policy after deletes.
	AutoCompact bool
}

// Pipeline is the write path of the retrieval engine.
type Pipeline struct {
	embedder *embedder.Embedder
	index    *index.Index
	keyword  *retriever.Keyword
	chunks   ChunkStore
	cfg      Config
	metrics  *telemetry.Metrics
	logger   *log.Logger
}

func New(emb *embedder.Embedder, ix *index.Index, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder: emb,
		index:    ix,
		cfg:      cfg,
		logger:   log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

func WithKeyword(k *retriever.Keyword) Option { return func(p *Pipeline) { p.keyword = k } }
func WithChunkStore(s ChunkStore) Option      { return func(p *Pipeline) { p.chunks = s } }
func WithMetrics(m *telemetry.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// Result summarizes one ingestion call.
type Result struct {
	Indexed    int      `json:"indexed"`
	Duplicates []string `json:"duplicates,omitempty"`
}

// Ingest embeds and indexes the chunks. Chunks already live in the index are
// reported as duplicates rather than silently re-added; a budget or provider
// failure aborts the whole call before anything is indexed.
func (p *Pipeline) Ingest(ctx context.Context, chunks []embedder.Chunk) (Result, error) {
	if len(chunks) == 0 {
		return Result{}, nil
	}

	vectors, err := p.embedder.Embed(ctx, chunks)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, c := range chunks {
		vec, ok := vectors[c.ChunkID]
		if !ok {
			return res, fmt.Errorf("no vector for chunk %s", c.ChunkID)
		}
		if _, err := p.index.Add(c.ChunkID, c.DocumentID, vec.Values); err != nil {
			var dup index.ErrDuplicateChunk
			if errors.As(err, &dup) {
				res.Duplicates = append(res.Duplicates, c.ChunkID)
				continue
			}
			return res, fmt.Errorf("index chunk %s: %w", c.ChunkID, err)
		}
		res.Indexed++

		if p.chunks != nil {
			rec := store.ChunkRecord{
				ChunkID:     c.ChunkID,
				DocumentID:  c.DocumentID,
				Text:        c.Text,
				ContentHash: vec.ContentHash,
			}
			if err := p.chunks.UpsertChunk(ctx, rec); err != nil {
				p.logger.Printf("persist chunk %s text: %v", c.ChunkID, err)
			}
		}
		if p.keyword != nil {
			if err := p.keyword.Index(c.ChunkID, c.Text); err != nil {
				p.logger.Printf("keyword index chunk %s: %v", c.ChunkID, err)
			}
		}
	}

	p.observeIndex()
	return res, p.persistIndex()
}

// Remove tombstones a chunk everywhere and applies the compaction policy.
func (p *Pipeline) Remove(ctx context.Context, chunkID string) error {
	if err := p.index.Delete(chunkID); err != nil {
		return err
	}
	if p.chunks != nil {
		if err := p.chunks.DeleteChunk(ctx, chunkID); err != nil {
			p.logger.Printf("delete chunk %s text: %v", chunkID, err)
		}
	}
	if p.keyword != nil {
		if err := p.keyword.Delete(chunkID); err != nil {
			p.logger.Printf("keyword delete chunk %s: %v", chunkID, err)
		}
	}
	if p.cfg.AutoCompact {
		ran, err := p.index.MaybeCompact()
		if err != nil {
			return fmt.Errorf("compact after delete: %w", err)
		}
		if ran {
			p.logger.Printf("compacted index after deleting %s", chunkID)
			if p.metrics != nil {
				p.metrics.Compactions.Inc()
			}
		}
	}
	p.observeIndex()
	return p.persistIndex()
}

// Compact forces an index rebuild regardless of the tombstone ratio.
func (p *Pipeline) Compact(ctx context.Context) error {
	if err := p.index.Compact(); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.Compactions.Inc()
	}
	p.observeIndex()
	return p.persistIndex()
}

func (p *Pipeline) persistIndex() error {
	if p.cfg.IndexDir == "" {
		return nil
	}
	if err := p.index.Persist(p.cfg.IndexDir); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

func (p *Pipeline) observeIndex() {
	if p.metrics == nil {
		return
	}
	p.metrics.IndexLive.Set(float64(p.index.Len()))
	p.metrics.TombstoneRatio.Set(p.index.TombstoneRatio())
}
