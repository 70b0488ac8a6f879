package retriever

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
)

// Keyword is an in-memory BM25 index over chunk text, used to complement
// vector hits in hybrid retrieval.
type Keyword struct {
	mu    sync.RWMutex
	index bleve.Index
}

type keywordDoc struct {
	Text string `json:"text"`
}

func NewKeyword() (*Keyword, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &Keyword{index: idx}, nil
}

func (k *Keyword) Index(chunkID, text string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index.Index(chunkID, keywordDoc{Text: text})
}

func (k *Keyword) Delete(chunkID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index.Delete(chunkID)
}

// Search returns up to n keyword hits ranked by BM25 score.
func (k *Keyword) Search(query string, n int) ([]SearchResult, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, n, 0, false)
	res, err := k.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	out := make([]SearchResult, 0, len(res.Hits))
	for i, hit := range res.Hits {
		out = append(out, SearchResult{ChunkID: hit.ID, Score: hit.Score, Rank: i + 1})
	}
	return out, nil
}
