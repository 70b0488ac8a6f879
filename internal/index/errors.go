package index

import (
	"errors"
	"fmt"
)

// ErrEmptyIndex is returned when a search runs against an index with no live
// entries.
var ErrEmptyIndex = errors.New("vector index has no live entries")

// ErrNotFound is returned when an operation names a chunk with no live entry.
var ErrNotFound = errors.New("chunk has no live entry")

// ErrDuplicateChunk is returned when a chunk is added while it already has a
// live slot. Re-adding after a delete is allowed.
type ErrDuplicateChunk struct {
	ChunkID string
	Slot    int
}

func (e ErrDuplicateChunk) Error() string {
	return fmt.Sprintf("chunk %s already live at slot %d", e.ChunkID, e.Slot)
}

// ErrCorrupt is a fatal integrity failure: the vector blob and the id-map do
// not describe the same index. It is never repaired automatically.
type ErrCorrupt struct {
	Reason string
}

func (e ErrCorrupt) Error() string {
	return fmt.Sprintf("corrupt vector index: %s", e.Reason)
}
