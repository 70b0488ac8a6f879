package index

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ix := seedIndex(t)
	if err := ix.Delete("c3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := ix.Persist(dir); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded := New(Config{})
	if err := loaded.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	query := vec(0.9, 0.4, 0)
	want, err := ix.Search(query, 3)
	if err != nil {
		t.Fatalf("Search original: %v", err)
	}
	got, err := loaded.Search(query, 3)
	if err != nil {
		t.Fatalf("Search loaded: %v", err)
	}
	if len(want) != len(got) {
		t.Fatalf("result count differs: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i].ChunkID != got[i].ChunkID || want[i].Score != got[i].Score {
			t.Fatalf("result %d differs: %+v vs %+v", i, want[i], got[i])
		}
	}
	if loaded.Version() != ix.Version() {
		t.Fatalf("version not preserved across load")
	}
	// Tombstone survives the round trip.
	if _, ok := loaded.Slot("c3"); ok {
		t.Fatalf("tombstoned chunk live after load")
	}
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	ix := seedIndex(t)
	if err := ix.Persist(dir); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// Rewrite the id-map with a different version stamp.
	path := filepath.Join(dir, idMapName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read id-map: %v", err)
	}
	var idmap idMapFile
	if err := json.Unmarshal(data, &idmap); err != nil {
		t.Fatalf("decode id-map: %v", err)
	}
	idmap.Version = "someone-elses-index"
	mutated, _ := json.Marshal(idmap)
	if err := os.WriteFile(path, mutated, 0o644); err != nil {
		t.Fatalf("write id-map: %v", err)
	}

	loaded := New(Config{})
	var corrupt ErrCorrupt
	if err := loaded.Load(dir); !errors.As(err, &corrupt) {
		t.Fatalf("expected corrupt index error, got %v", err)
	}
}

func TestLoadRejectsCountMismatch(t *testing.T) {
	dir := t.TempDir()
	ix := seedIndex(t)
	if err := ix.Persist(dir); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	path := filepath.Join(dir, idMapName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read id-map: %v", err)
	}
	var idmap idMapFile
	if err := json.Unmarshal(data, &idmap); err != nil {
		t.Fatalf("decode id-map: %v", err)
	}
	idmap.Entries = idmap.Entries[:2]
	idmap.Count = 2
	mutated, _ := json.Marshal(idmap)
	if err := os.WriteFile(path, mutated, 0o644); err != nil {
		t.Fatalf("write id-map: %v", err)
	}

	loaded := New(Config{})
	var corrupt ErrCorrupt
	if err := loaded.Load(dir); !errors.As(err, &corrupt) {
		t.Fatalf("expected corrupt index error, got %v", err)
	}
}

func TestLoadRejectsTruncatedBlob(t *testing.T) {
	dir := t.TempDir()
	ix := seedIndex(t)
	if err := ix.Persist(dir); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	path := filepath.Join(dir, blobName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatalf("truncate blob: %v", err)
	}
	loaded := New(Config{})
	var corrupt ErrCorrupt
	if err := loaded.Load(dir); !errors.As(err, &corrupt) {
		t.Fatalf("expected corrupt index error, got %v", err)
	}
}
