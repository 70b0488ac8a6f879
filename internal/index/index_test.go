package index

import (
	"errors"
	"testing"
)

func vec(vals ...float32) []float32 { return vals }

func seedIndex(t *testing.T) *Index {
	t.Helper()
	ix := New(Config{Dimensions: 3})
	adds := []struct {
		chunk string
		doc   string
		v     []float32
	}{
		{"c1", "d1", vec(1, 0, 0)},
		{"c2", "d1", vec(0, 1, 0)},
		{"c3", "d2", vec(0, 0, 1)},
	}
	for _, a := range adds {
		if _, err := ix.Add(a.chunk, a.doc, a.v); err != nil {
			t.Fatalf("Add(%s): %v", a.chunk, err)
		}
	}
	return ix
}

func TestAddAssignsDenseSlots(t *testing.T) {
	ix := New(Config{Dimensions: 2})
	for i, chunk := range []string{"a", "b", "c"} {
		slot, err := ix.Add(chunk, "doc", vec(1, 0))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if slot != i {
			t.Fatalf("expected slot %d, got %d", i, slot)
		}
	}
}

func TestAddDuplicateChunkRejected(t *testing.T) {
	ix := seedIndex(t)
	_, err := ix.Add("c1", "d1", vec(1, 0, 0))
	var dup ErrDuplicateChunk
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if dup.ChunkID != "c1" {
		t.Fatalf("duplicate error names %s", dup.ChunkID)
	}
}

func TestSearchBestFirstWithFewerThanK(t *testing.T) {
	ix := seedIndex(t)
	hits, err := ix.Search(vec(1, 0.1, 0), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits for 3 live entries, got %d", len(hits))
	}
	if hits[0].ChunkID != "c1" {
		t.Fatalf("expected c1 best, got %s", hits[0].ChunkID)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatalf("hits not ordered best first: %v", hits)
		}
	}
}

func TestSearchTieBreaksByChunkID(t *testing.T) {
	ix := New(Config{Dimensions: 2})
	for _, chunk := range []string{"zz", "aa", "mm"} {
		if _, err := ix.Add(chunk, "doc", vec(1, 0)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	hits, err := ix.Search(vec(1, 0), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"aa", "mm", "zz"}
	for i, w := range want {
		if hits[i].ChunkID != w {
			t.Fatalf("tie-break order got %v", hits)
		}
	}
}

func TestDeleteHidesChunkBeforeCompact(t *testing.T) {
	ix := seedIndex(t)
	if err := ix.Delete("c2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, err := ix.Search(vec(0, 1, 0), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range hits {
		if h.ChunkID == "c2" {
			t.Fatalf("tombstoned chunk returned: %v", hits)
		}
	}
	if ix.Len() != 2 {
		t.Fatalf("expected 2 live entries, got %d", ix.Len())
	}
}

func TestAddDeleteReAdd(t *testing.T) {
	ix := seedIndex(t)
	if err := ix.Delete("c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ix.Add("c1", "d1", vec(0.5, 0.5, 0)); err != nil {
		t.Fatalf("re-add after delete should succeed: %v", err)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := New(Config{Dimensions: 3})
	if _, err := ix.Search(vec(1, 0, 0), 3); !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("expected ErrEmptyIndex, got %v", err)
	}
	// All-tombstoned index is empty too.
	ix2 := seedIndex(t)
	for _, c := range []string{"c1", "c2", "c3"} {
		if err := ix2.Delete(c); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	if _, err := ix2.Search(vec(1, 0, 0), 3); !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("expected ErrEmptyIndex after full tombstoning, got %v", err)
	}
}

func TestCompactPreservesSearchResults(t *testing.T) {
	ix := seedIndex(t)
	if err := ix.Delete("c2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	query := vec(0.7, 0.1, 0.7)
	before, err := ix.Search(query, 3)
	if err != nil {
		t.Fatalf("Search before compact: %v", err)
	}
	if err := ix.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	after, err := ix.Search(query, 3)
	if err != nil {
		t.Fatalf("Search after compact: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("result count changed: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ChunkID != after[i].ChunkID || before[i].Score != after[i].Score {
			t.Fatalf("result %d changed across compact: %+v vs %+v", i, before[i], after[i])
		}
	}
	if ix.TombstoneRatio() != 0 {
		t.Fatalf("compact left tombstones: %f", ix.TombstoneRatio())
	}
}

func TestCompactReassignsDenseSlots(t *testing.T) {
	ix := seedIndex(t)
	if err := ix.Delete("c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := ix.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	entries := ix.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after compact, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Slot != i || e.Tombstoned {
			t.Fatalf("entry %d not dense/live: %+v", i, e)
		}
	}
}

func TestMaybeCompactThreshold(t *testing.T) {
	ix := New(Config{Dimensions: 2, CompactThreshold: 0.5})
	for _, chunk := range []string{"a", "b", "c", "d"} {
		if _, err := ix.Add(chunk, "doc", vec(1, 0)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	_ = ix.Delete("a")
	ran, err := ix.MaybeCompact()
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if ran {
		t.Fatalf("compacted below threshold")
	}
	_ = ix.Delete("b")
	_ = ix.Delete("c")
	ran, err = ix.MaybeCompact()
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if !ran {
		t.Fatalf("expected compaction above threshold")
	}
}
