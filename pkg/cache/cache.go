package cache

import (
	"github.com/PagedKV/pagedkv/pkg/blockpool"
	"github.com/PagedKV/pagedkv/pkg/snapshot"
	"github.com/PagedKV/pagedkv/pkg/trace"
)

// Ensure Manager implements the Cache interface
var _ Cache = (*Manager)(nil)

// Cache defines the operations of a paged KV cache manager. Manager is the
// only implementation; the interface exists so tools and tests can stand in
// lighter fakes.
type Cache interface {
	// CreateSequence registers a new empty sequence under the given id.
	CreateSequence(id string) error

	// AppendToken grows the named sequence by one token, allocating a block
	// when the token crosses a block boundary.
	AppendToken(id string) error

	// AppendTokens appends up to n tokens to the named sequence and returns
	// how many were actually appended. Partial progress is kept on failure.
	AppendTokens(id string, n int) (int, error)

	// Translate resolves a token position in the named sequence to its
	// physical block and the offset within the block.
	Translate(id string, tokenIndex int) (blockpool.BlockID, int, error)

	// ReleaseSequence returns the named sequence's blocks to the pool and
	// unregisters it. On partial failure the sequence stays registered with
	// the blocks that could not be released.
	ReleaseSequence(id string) error

	// CanAllocate reports whether the pool currently holds enough free
	// blocks for a sequence of the given token length. The answer is
	// advisory: nothing is reserved, so a later allocation can still fail.
	CanAllocate(tokens int) bool

	// FreeBlocks returns the number of free blocks in the pool.
	FreeBlocks() int

	// UsedBlocks returns the number of allocated blocks in the pool.
	UsedBlocks() int

	// SequenceCount returns the number of registered sequences.
	SequenceCount() int

	// Sequences returns the registered sequence ids in sorted order.
	Sequences() []string

	// Status returns a point-in-time snapshot of the pool and every sequence.
	Status() Status

	// SequenceStatus returns the snapshot of a single sequence.
	SequenceStatus(id string) (SequenceStatus, error)

	// PayloadBytes returns the total payload backing size in bytes.
	PayloadBytes() int

	// Stats returns the manager's collected statistics.
	Stats() map[string]interface{}

	// Replay applies a captured trace file to this cache.
	Replay(path string) (*trace.ReplayStats, error)

	// WriteSnapshot dumps the cache state to a snapshot file for offline
	// inspection.
	WriteSnapshot(path string, codec snapshot.Codec) error

	// Close releases every sequence back to the pool and rejects further
	// operations.
	Close() error
}

// Status is a read-only snapshot of the cache taken under the registry lock.
type Status struct {
	TotalBlocks int             `json:"total_blocks"`
	BlockSize   int             `json:"block_size"`
	Shape       blockpool.Shape `json:"shape"`
	FreeBlocks  int             `json:"free_blocks"`
	UsedBlocks  int             `json:"used_blocks"`

	Sequences []SequenceStatus `json:"sequences"`
}

// SequenceStatus describes one sequence within a Status snapshot.
type SequenceStatus struct {
	ID         string              `json:"id"`
	TokenCount int                 `json:"token_count"`
	BlockCount int                 `json:"block_count"`
	BlockTable []blockpool.BlockID `json:"block_table"`
}
