// Package index provides a durable flat vector index with a bidirectional
// id-map between dense slots and stable chunk identifiers. Deletes are
// tombstones; space is reclaimed by an atomic rebuild-and-swap compaction.
package index

import (
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Config holds the workload-dependent index tunables.
type Config struct {
	Dimensions int
	// OverFetch is the multiple of k fetched from the raw structure to
	// absorb tombstoned hits before truncation.
	OverFetch int
	// CompactThreshold is the tombstone ratio above which MaybeCompact
	// rebuilds the index.
	CompactThreshold float64
}

func (c Config) withDefaults() Config {
	if c.OverFetch < 1 {
		c.OverFetch = 2
	}
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = 0.25
	}
	return c
}

// Entry describes one slot of the index.
type Entry struct {
	Slot       int    `json:"slot"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Tombstoned bool   `json:"tombstoned"`
}

// Hit is a single search result, best score first.
type Hit struct {
	Slot    int
	ChunkID string
	Score   float64
}

// Index is a flat cosine-similarity store. Readers run concurrently; all
// writers serialize on wmu and swap state under the structure lock so a
// reader never observes a partially rebuilt index.
type Index struct {
	wmu sync.Mutex   // serializes writers
	mu  sync.RWMutex // guards the structure below

	cfg        Config
	vectors    [][]float32
	magnitudes []float64
	entries    []Entry
	byChunk    map[string]int // live chunk_id -> slot
	tombstones int
	version    string
	dirty      bool
}

func New(cfg Config) *Index {
	return &Index{
		cfg:     cfg.withDefaults(),
		byChunk: make(map[string]int),
		version: uuid.NewString(),
	}
}

// Add appends the vector at the next dense slot and records the id mapping.
func (ix *Index) Add(chunkID, documentID string, vec []float32) (int, error) {
	if chunkID == "" {
		return 0, ErrNotFound
	}
	if ix.cfg.Dimensions > 0 && len(vec) != ix.cfg.Dimensions {
		return 0, ErrCorrupt{Reason: "vector dimension mismatch on add"}
	}

	ix.wmu.Lock()
	defer ix.wmu.Unlock()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if slot, ok := ix.byChunk[chunkID]; ok {
		return 0, ErrDuplicateChunk{ChunkID: chunkID, Slot: slot}
	}
	slot := len(ix.vectors)
	stored := append([]float32(nil), vec...)
	ix.vectors = append(ix.vectors, stored)
	ix.magnitudes = append(ix.magnitudes, magnitude(stored))
	ix.entries = append(ix.entries, Entry{Slot: slot, ChunkID: chunkID, DocumentID: documentID})
	ix.byChunk[chunkID] = slot
	ix.dirty = true
	return slot, nil
}

// Delete tombstones the live entry for chunkID. The vector stays in the raw
// structure until Compact runs, but Search never returns it again.
func (ix *Index) Delete(chunkID string) error {
	ix.wmu.Lock()
	defer ix.wmu.Unlock()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	slot, ok := ix.byChunk[chunkID]
	if !ok {
		return ErrNotFound
	}
	ix.entries[slot].Tombstoned = true
	delete(ix.byChunk, chunkID)
	ix.tombstones++
	ix.dirty = true
	return nil
}

// Search returns up to k live hits ordered best score first, ties broken by
// ascending chunk id. The raw structure is over-fetched by the configured
// multiple so tombstoned slots do not starve the result set.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.byChunk) == 0 {
		return nil, ErrEmptyIndex
	}
	if ix.cfg.Dimensions > 0 && len(query) != ix.cfg.Dimensions {
		return nil, ErrCorrupt{Reason: "query dimension mismatch"}
	}

	fetch := k * ix.cfg.OverFetch
	for {
		raw := ix.searchRaw(query, fetch)
		hits := make([]Hit, 0, k)
		for _, h := range raw {
			if ix.entries[h.Slot].Tombstoned {
				continue
			}
			hits = append(hits, h)
			if len(hits) == k {
				break
			}
		}
		if len(hits) == k || fetch >= len(ix.vectors) {
			return hits, nil
		}
		fetch *= 2
	}
}

// searchRaw scores every slot, tombstoned or not, and returns the top n.
// Callers must hold at least a read lock.
func (ix *Index) searchRaw(query []float32, n int) []Hit {
	qmag := magnitude(query)
	if qmag == 0 {
		return nil
	}
	scored := make([]Hit, 0, len(ix.vectors))
	for slot, vec := range ix.vectors {
		if ix.magnitudes[slot] == 0 {
			continue
		}
		s := dot(query, vec) / (qmag * ix.magnitudes[slot])
		if math.IsNaN(s) {
			continue
		}
		scored = append(scored, Hit{Slot: slot, ChunkID: ix.entries[slot].ChunkID, Score: s})
	}
	sort.Slice(scored, func(a, b int) bool {
		if scored[a].Score != scored[b].Score {
			return scored[a].Score > scored[b].Score
		}
		return scored[a].ChunkID < scored[b].ChunkID
	})
	if n < len(scored) {
		scored = scored[:n]
	}
	return scored
}

// Compact rebuilds the structure from live entries only, reassigning dense
// slots. The new structure is built off to the side and swapped in atomically.
func (ix *Index) Compact() error {
	ix.wmu.Lock()
	defer ix.wmu.Unlock()

	ix.mu.RLock()
	vectors := make([][]float32, 0, len(ix.byChunk))
	magnitudes := make([]float64, 0, len(ix.byChunk))
	entries := make([]Entry, 0, len(ix.byChunk))
	byChunk := make(map[string]int, len(ix.byChunk))
	for slot, e := range ix.entries {
		if e.Tombstoned {
			continue
		}
		newSlot := len(vectors)
		vectors = append(vectors, ix.vectors[slot])
		magnitudes = append(magnitudes, ix.magnitudes[slot])
		entries = append(entries, Entry{Slot: newSlot, ChunkID: e.ChunkID, DocumentID: e.DocumentID})
		byChunk[e.ChunkID] = newSlot
	}
	ix.mu.RUnlock()

	ix.mu.Lock()
	ix.vectors = vectors
	ix.magnitudes = magnitudes
	ix.entries = entries
	ix.byChunk = byChunk
	ix.tombstones = 0
	ix.version = uuid.NewString()
	ix.dirty = true
	ix.mu.Unlock()
	return nil
}

// MaybeCompact runs Compact when the tombstone ratio exceeds the configured
// threshold. It reports whether a rebuild happened.
func (ix *Index) MaybeCompact() (bool, error) {
	if ix.TombstoneRatio() <= ix.cfg.CompactThreshold {
		return false, nil
	}
	if err := ix.Compact(); err != nil {
		return false, err
	}
	return true, nil
}

// TombstoneRatio returns the fraction of slots holding tombstoned vectors.
func (ix *Index) TombstoneRatio() float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.entries) == 0 {
		return 0
	}
	return float64(ix.tombstones) / float64(len(ix.entries))
}

// Len returns the number of live entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byChunk)
}

// Slot returns the live slot for chunkID.
func (ix *Index) Slot(chunkID string) (int, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	slot, ok := ix.byChunk[chunkID]
	return slot, ok
}

// Entries returns a copy of all entries, tombstoned included.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Entry(nil), ix.entries...)
}

// Version identifies the current structure generation; it changes on every
// compaction and load.
func (ix *Index) Version() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.version
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func magnitude(v []float32) float64 { return math.Sqrt(dot(v, v)) }
