// Package embedder turns chunk text into vectors through an external
// provider, under the spend ledger's cap. Identical text is embedded once,
// batches run concurrently up to a bounded limit, and transient provider
// failures are retried with exponential backoff.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mohammad-safakhou/vectorpipe/internal/budget"
	"github.com/mohammad-safakhou/vectorpipe/internal/provider"
	"github.com/mohammad-safakhou/vectorpipe/internal/telemetry"
)

// Chunk is the unit of text handed to the embedder. Chunks are created by
// the ingestion side and never mutated here.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id,omitempty"`
	Text       string `json:"text"`
}

// ContentHash returns the dedup key for a chunk's text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Vector is an embedding tagged with its provenance.
type Vector struct {
	ContentHash string    `json:"content_hash"`
	Values      []float32 `json:"values"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config holds the embedder tunables.
type Config struct {
	MaxBatchSize int
	MaxAttempts  int
	Backoff      time.Duration
	Concurrency  int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 300 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Embedder is the budget-guarded embedding generator.
type Embedder struct {
	provider provider.Provider
	ledger   *budget.Ledger
	cache    Cache
	cfg      Config
	metrics  *telemetry.Metrics
	logger   *log.Logger
	sem      chan struct{}
}

func New(p provider.Provider, ledger *budget.Ledger, cache Cache, cfg Config, metrics *telemetry.Metrics, logger *log.Logger) *Embedder {
	cfg = cfg.withDefaults()
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[EMBED] ", log.LstdFlags)
	}
	return &Embedder{
		provider: p,
		ledger:   ledger,
		cache:    cache,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// batch is one provider call's worth of distinct texts.
type batch struct {
	ordinal int
	hashes  []string
	texts   []string
	res     *budget.Reservation
}

// Embed returns one vector per chunk, keyed by chunk id. Chunks sharing a
// content hash resolve to the same vector from a single provider call. The
// output map order is unspecified; callers look up by chunk id.
func (e *Embedder) Embed(ctx context.Context, chunks []Chunk) (map[string]Vector, error) {
	if len(chunks) == 0 {
		return map[string]Vector{}, nil
	}

	// Dedup by content hash before anything touches the network.
	textByHash := make(map[string]string)
	hashByChunk := make(map[string]string, len(chunks))
	var order []string
	for _, c := range chunks {
		if c.ChunkID == "" {
			return nil, fmt.Errorf("chunk without id (document %s)", c.DocumentID)
		}
		h := ContentHash(c.Text)
		hashByChunk[c.ChunkID] = h
		if _, seen := textByHash[h]; !seen {
			textByHash[h] = c.Text
			order = append(order, h)
		}
	}

	vectors := make(map[string]Vector, len(textByHash))
	var missing []string
	for _, h := range order {
		if vec, ok, err := e.cache.Get(ctx, h); err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		} else if ok {
			vectors[h] = vec
		} else {
			missing = append(missing, h)
		}
	}

	if len(missing) > 0 {
		batches := e.makeBatches(missing, textByHash)

		// Reserve budget for every batch up front so either the whole
		// call fits under the cap or nothing is sent.
		if err := e.reserveAll(batches); err != nil {
			return nil, err
		}

		if err := e.runBatches(ctx, batches, vectors); err != nil {
			return nil, err
		}
	}

	out := make(map[string]Vector, len(chunks))
	for chunkID, h := range hashByChunk {
		vec, ok := vectors[h]
		if !ok {
			return nil, fmt.Errorf("no vector produced for chunk %s", chunkID)
		}
		out[chunkID] = vec
	}
	return out, nil
}

func (e *Embedder) makeBatches(hashes []string, textByHash map[string]string) []*batch {
	var batches []*batch
	for start := 0; start < len(hashes); start += e.cfg.MaxBatchSize {
		end := start + e.cfg.MaxBatchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		b := &batch{ordinal: len(batches)}
		for _, h := range hashes[start:end] {
			b.hashes = append(b.hashes, h)
			b.texts = append(b.texts, textByHash[h])
		}
		batches = append(batches, b)
	}
	return batches
}

func (e *Embedder) reserveAll(batches []*batch) error {
	for i, b := range batches {
		res, err := e.ledger.Reserve(e.provider.EstimateCost(b.texts))
		if err != nil {
			for _, held := range batches[:i] {
				if rerr := e.ledger.Release(context.Background(), held.res); rerr != nil {
					e.logger.Printf("release reservation for batch %d: %v", held.ordinal, rerr)
				}
			}
			return fmt.Errorf("batch %d of %d: %w", i+1, len(batches), err)
		}
		b.res = res
	}
	return nil
}

func (e *Embedder) runBatches(ctx context.Context, batches []*batch, vectors map[string]Vector) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, b := range batches {
		wg.Add(1)
		go func(b *batch) {
			defer wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				e.releaseQuiet(b)
				mu.Lock()
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				mu.Unlock()
				return
			}

			got, err := e.embedBatch(ctx, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for h, v := range got {
				vectors[h] = v
			}
		}(b)
	}
	wg.Wait()
	return firstErr
}

// embedBatch drives the bounded retry loop for one provider call. The
// reservation taken for the batch is committed with the reported cost on
// success and released on every failure path, cancellation included.
func (e *Embedder) embedBatch(ctx context.Context, b *batch) (map[string]Vector, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		resp, err := e.provider.Embed(ctx, b.texts)
		switch outcome(ctx, err) {
		case attemptSuccess:
			actual := e.provider.Cost(resp.Usage)
			if cerr := e.ledger.Commit(ctx, b.res, actual); cerr != nil {
				return nil, fmt.Errorf("commit spend for batch %d: %w", b.ordinal, cerr)
			}
			if e.metrics != nil {
				e.metrics.EmbeddingCalls.WithLabelValues("success").Inc()
				e.metrics.EmbeddingTokens.Add(float64(resp.Usage.TotalTokens))
				e.metrics.SpendTotal.Add(actual)
				e.metrics.BudgetHeadroom.Set(e.ledger.Headroom())
			}
			out := make(map[string]Vector, len(b.hashes))
			now := time.Now().UTC()
			for i, h := range b.hashes {
				vec := Vector{ContentHash: h, Values: resp.Vectors[i], Model: resp.Model, CreatedAt: now}
				out[h] = vec
				if err := e.cache.Put(ctx, vec); err != nil {
					e.logger.Printf("cache embedding %s: %v", h, err)
				}
			}
			return out, nil

		case attemptTransient:
			lastErr = err
			if e.metrics != nil {
				e.metrics.EmbeddingRetries.Inc()
			}
			if attempt == e.cfg.MaxAttempts {
				break
			}
			e.logger.Printf("batch %d attempt %d/%d failed (transient): %v", b.ordinal, attempt, e.cfg.MaxAttempts, err)
			delay := e.cfg.Backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.releaseQuiet(b)
				return nil, ctx.Err()
			}
			continue

		case attemptCancelled:
			e.releaseQuiet(b)
			return nil, ctx.Err()

		default: // attemptPermanent
			e.releaseQuiet(b)
			if e.metrics != nil {
				e.metrics.EmbeddingCalls.WithLabelValues("failure").Inc()
			}
			return nil, fmt.Errorf("batch %d (%d texts): %w", b.ordinal, len(b.texts), err)
		}
		break
	}
	e.releaseQuiet(b)
	if e.metrics != nil {
		e.metrics.EmbeddingCalls.WithLabelValues("failure").Inc()
	}
	return nil, fmt.Errorf("batch %d (%d texts) failed after %d attempts: %w", b.ordinal, len(b.texts), e.cfg.MaxAttempts, lastErr)
}

func (e *Embedder) releaseQuiet(b *batch) {
	// Release must not be lost to the caller's cancellation.
	if err := e.ledger.Release(context.Background(), b.res); err != nil {
		e.logger.Printf("release reservation for batch %d: %v", b.ordinal, err)
	}
}

// attempt outcomes for the retry loop.
type attemptResult int

const (
	attemptSuccess attemptResult = iota
	attemptTransient
	attemptPermanent
	attemptCancelled
)

func outcome(ctx context.Context, err error) attemptResult {
	switch {
	case err == nil:
		return attemptSuccess
	case ctx.Err() != nil:
		return attemptCancelled
	case provider.IsTransient(err):
		return attemptTransient
	default:
		return attemptPermanent
	}
}
