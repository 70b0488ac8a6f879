// Package retriever serves ranked context from the vector index. Failures
// from the budget or the index propagate to the caller; an error is never
// masked as an empty result set.
package retriever

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/mohammad-safakhou/vectorpipe/internal/embedder"
	"github.com/mohammad-safakhou/vectorpipe/internal/index"
	"github.com/mohammad-safakhou/vectorpipe/internal/telemetry"
)

// rrfK is the reciprocal-rank-fusion constant for hybrid scoring.
const rrfK = 60

// SearchResult is one ranked retrieval hit.
type SearchResult struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
	Text    string  `json:"text,omitempty"`
}

// TextLookup resolves chunk ids to stored text for enriched responses.
type TextLookup interface {
	GetChunkTexts(ctx context.Context, chunkIDs []string) (map[string]string, error)
}

// Config holds retrieval defaults.
type Config struct {
	DefaultK int
}

func (c Config) withDefaults() Config {
	if c.DefaultK <= 0 {
		c.DefaultK = 5
	}
	return c
}

// Retriever orchestrates query embedding and index search.
type Retriever struct {
	embedder *embedder.Embedder
	index    *index.Index
	keyword  *Keyword
	texts    TextLookup
	cfg      Config
	metrics  *telemetry.Metrics
	logger   *log.Logger
}

func New(emb *embedder.Embedder, ix *index.Index, cfg Config, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: emb,
		index:    ix,
		cfg:      cfg.withDefaults(),
		logger:   log.New(os.Stdout, "[RETRIEVE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option customizes a Retriever.
type Option func(*Retriever)

// WithKeyword enables hybrid retrieval backed by a BM25 index.
func WithKeyword(k *Keyword) Option { return func(r *Retriever) { r.keyword = k } }

// WithTextLookup attaches stored chunk text to results.
func WithTextLookup(t TextLookup) Option { return func(r *Retriever) { r.texts = t } }

// WithMetrics records retrieval counters.
func WithMetrics(m *telemetry.Metrics) Option { return func(r *Retriever) { r.metrics = m } }

// Retrieve embeds the query, searches the index, drops hits under minScore
// (no filtering when minScore is zero) and assigns dense ranks from 1.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, minScore float64) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.Search(vec, k)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if minScore > 0 && h.Score < minScore {
			continue
		}
		results = append(results, SearchResult{ChunkID: h.ChunkID, Score: h.Score, Rank: len(results) + 1})
	}
	if r.metrics != nil {
		r.metrics.Searches.Inc()
		r.metrics.SearchHits.Observe(float64(len(results)))
	}
	return r.attachText(ctx, results)
}

// RetrieveHybrid fuses vector and keyword rankings by reciprocal rank,
// following the usual RRF formulation with a constant of 60.
func (r *Retriever) RetrieveHybrid(ctx context.Context, query string, k int, minScore float64) ([]SearchResult, error) {
	if r.keyword == nil {
		return r.Retrieve(ctx, query, k, minScore)
	}
	vecHits, err := r.Retrieve(ctx, query, k, minScore)
	if err != nil {
		return nil, err
	}
	kwHits, err := r.keyword.Search(query, k)
	if err != nil {
		return nil, err
	}

	fused := make(map[string]*SearchResult)
	add := func(list []SearchResult) {
		for _, h := range list {
			agg, ok := fused[h.ChunkID]
			if !ok {
				agg = &SearchResult{ChunkID: h.ChunkID}
				fused[h.ChunkID] = agg
			}
			agg.Score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(vecHits)
	add(kwHits)

	merged := make([]SearchResult, 0, len(fused))
	for _, agg := range fused {
		merged = append(merged, *agg)
	}
	sort.Slice(merged, func(a, b int) bool {
		if merged[a].Score != merged[b].Score {
			return merged[a].Score > merged[b].Score
		}
		return merged[a].ChunkID < merged[b].ChunkID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}
	return r.attachText(ctx, merged)
}

// RetrieveMulti runs several queries and aggregates per chunk by max score,
// re-ranking the union.
func (r *Retriever) RetrieveMulti(ctx context.Context, queries []string, k int, minScore float64) ([]SearchResult, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries")
	}
	best := make(map[string]float64)
	for _, q := range queries {
		results, err := r.Retrieve(ctx, q, k, minScore)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", q, err)
		}
		for _, res := range results {
			if res.Score > best[res.ChunkID] {
				best[res.ChunkID] = res.Score
			}
		}
	}
	merged := make([]SearchResult, 0, len(best))
	for id, score := range best {
		merged = append(merged, SearchResult{ChunkID: id, Score: score})
	}
	sort.Slice(merged, func(a, b int) bool {
		if merged[a].Score != merged[b].Score {
			return merged[a].Score > merged[b].Score
		}
		return merged[a].ChunkID < merged[b].ChunkID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}
	return r.attachText(ctx, merged)
}

// embedQuery runs the query through the same budget and retry path as chunk
// ingestion; identical queries resolve from the embedding cache.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	out, err := r.embedder.Embed(ctx, []embedder.Chunk{{ChunkID: "query", Text: query}})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return out["query"].Values, nil
}

func (r *Retriever) attachText(ctx context.Context, results []SearchResult) ([]SearchResult, error) {
	if r.texts == nil || len(results) == 0 {
		return results, nil
	}
	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ChunkID
	}
	texts, err := r.texts.GetChunkTexts(ctx, ids)
	if err != nil {
		r.logger.Printf("chunk text lookup failed: %v", err)
		return results, nil
	}
	for i := range results {
		results[i].Text = texts[results[i].ChunkID]
	}
	return results, nil
}
