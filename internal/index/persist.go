package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const (
	blobMagic   = "VPIX"
	blobName    = "index.bin"
	idMapName   = "idmap.json"
	formatValue = 1
)

// idMapFile is the durable id-map half of the persisted pair. Its version
// must match the one embedded in the vector blob.
type idMapFile struct {
	Format  int     `json:"format"`
	Version string  `json:"version"`
	Dim     int     `json:"dim"`
	Count   int     `json:"count"`
	Entries []Entry `json:"entries"`
}

// Persist writes the vector blob and the id-map as a matched pair under dir.
// Both files are written via temp-and-rename so readers never observe a
// half-written artifact.
func (ix *Index) Persist(dir string) error {
	ix.wmu.Lock()
	defer ix.wmu.Unlock()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.dirty {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	blob, err := ix.encodeBlob()
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, blobName), blob); err != nil {
		return fmt.Errorf("write vector blob: %w", err)
	}

	idmap := idMapFile{
		Format:  formatValue,
		Version: ix.version,
		Dim:     ix.cfg.Dimensions,
		Count:   len(ix.entries),
		Entries: ix.entries,
	}
	data, err := json.Marshal(idmap)
	if err != nil {
		return fmt.Errorf("encode id-map: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, idMapName), data); err != nil {
		return fmt.Errorf("write id-map: %w", err)
	}
	ix.dirty = false
	return nil
}

// Load replaces the index contents from a persisted pair. Any disagreement
// between the blob and the id-map is a fatal integrity error.
func (ix *Index) Load(dir string) error {
	ix.wmu.Lock()
	defer ix.wmu.Unlock()

	blob, err := os.ReadFile(filepath.Join(dir, blobName))
	if err != nil {
		return fmt.Errorf("read vector blob: %w", err)
	}
	mapData, err := os.ReadFile(filepath.Join(dir, idMapName))
	if err != nil {
		return fmt.Errorf("read id-map: %w", err)
	}

	var idmap idMapFile
	if err := json.Unmarshal(mapData, &idmap); err != nil {
		return ErrCorrupt{Reason: fmt.Sprintf("id-map not decodable: %v", err)}
	}
	if idmap.Format != formatValue {
		return ErrCorrupt{Reason: fmt.Sprintf("unsupported id-map format %d", idmap.Format)}
	}

	version, dim, vectors, err := decodeBlob(blob)
	if err != nil {
		return err
	}
	if version != idmap.Version {
		return ErrCorrupt{Reason: fmt.Sprintf("blob version %s does not match id-map version %s", version, idmap.Version)}
	}
	if len(vectors) != idmap.Count || len(idmap.Entries) != idmap.Count {
		return ErrCorrupt{Reason: fmt.Sprintf("blob holds %d vectors but id-map records %d entries", len(vectors), idmap.Count)}
	}
	if idmap.Dim != dim {
		return ErrCorrupt{Reason: fmt.Sprintf("blob dimension %d does not match id-map dimension %d", dim, idmap.Dim)}
	}

	byChunk := make(map[string]int, len(idmap.Entries))
	magnitudes := make([]float64, len(vectors))
	tombstones := 0
	for i, e := range idmap.Entries {
		if e.Slot != i {
			return ErrCorrupt{Reason: fmt.Sprintf("id-map entry %d records slot %d", i, e.Slot)}
		}
		if e.Tombstoned {
			tombstones++
		} else {
			if _, dup := byChunk[e.ChunkID]; dup {
				return ErrCorrupt{Reason: fmt.Sprintf("chunk %s has two live slots", e.ChunkID)}
			}
			byChunk[e.ChunkID] = i
		}
		magnitudes[i] = magnitude(vectors[i])
	}

	ix.mu.Lock()
	ix.cfg.Dimensions = dim
	ix.vectors = vectors
	ix.magnitudes = magnitudes
	ix.entries = idmap.Entries
	ix.byChunk = byChunk
	ix.tombstones = tombstones
	ix.version = version
	ix.dirty = false
	ix.mu.Unlock()
	return nil
}

// encodeBlob lays out: magic, format u32, versionLen u32, version bytes,
// dim u32, count u32, then count*dim little-endian float32 values.
func (ix *Index) encodeBlob() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(blobMagic)
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	putU32(formatValue)
	putU32(uint32(len(ix.version)))
	buf.WriteString(ix.version)
	putU32(uint32(ix.cfg.Dimensions))
	putU32(uint32(len(ix.vectors)))
	for _, vec := range ix.vectors {
		if ix.cfg.Dimensions > 0 && len(vec) != ix.cfg.Dimensions {
			return nil, ErrCorrupt{Reason: "in-memory vector dimension drift"}
		}
		for _, v := range vec {
			putU32(math.Float32bits(v))
		}
	}
	return buf.Bytes(), nil
}

func decodeBlob(data []byte) (version string, dim int, vectors [][]float32, err error) {
	if len(data) < len(blobMagic)+8 || string(data[:len(blobMagic)]) != blobMagic {
		return "", 0, nil, ErrCorrupt{Reason: "vector blob missing magic header"}
	}
	off := len(blobMagic)
	getU32 := func() (uint32, bool) {
		if off+4 > len(data) {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v, true
	}
	format, ok := getU32()
	if !ok || format != formatValue {
		return "", 0, nil, ErrCorrupt{Reason: "unsupported vector blob format"}
	}
	vlen, ok := getU32()
	if !ok || off+int(vlen) > len(data) {
		return "", 0, nil, ErrCorrupt{Reason: "truncated blob version"}
	}
	version = string(data[off : off+int(vlen)])
	off += int(vlen)
	d, ok := getU32()
	if !ok {
		return "", 0, nil, ErrCorrupt{Reason: "truncated blob dimension"}
	}
	count, ok := getU32()
	if !ok {
		return "", 0, nil, ErrCorrupt{Reason: "truncated blob count"}
	}
	dim = int(d)
	want := int(count) * dim * 4
	if len(data)-off != want {
		return "", 0, nil, ErrCorrupt{Reason: fmt.Sprintf("blob payload is %d bytes, want %d", len(data)-off, want)}
	}
	vectors = make([][]float32, count)
	for i := range vectors {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			bits, _ := getU32()
			vec[j] = math.Float32frombits(bits)
		}
		vectors[i] = vec
	}
	return version, dim, vectors, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
