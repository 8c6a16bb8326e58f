package blockpool

import "errors"

// Sentinel errors returned by pool operations. Callers match them with errors.Is.
var (
	// ErrOutOfBlocks is returned by Allocate when the free list is empty.
	// The pool never blocks or retries; admission control is the caller's job.
	ErrOutOfBlocks = errors.New("no free blocks available")

	// ErrInvalidBlockID is returned when a block id falls outside the pool's range.
	ErrInvalidBlockID = errors.New("invalid block id")

	// ErrDoubleFree is returned by Release when the block is already on the free list.
	// A double free means an ownership bug in the caller and is never tolerated silently.
	ErrDoubleFree = errors.New("block already free")
)
