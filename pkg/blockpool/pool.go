// Package blockpool manages a fixed population of physical cache blocks,
// the unit of memory granted to sequences in the paged KV cache. The pool
// hands out block identifiers from a free list and takes them back on
// release; it has no knowledge of sequences, token positions, or the
// meaning of the payload it carries.
package blockpool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BlockID identifies a physical block within a pool. Valid ids are
// in [0, Cap()). Ids are dense and index directly into the payload.
type BlockID int

// Shape describes the per-block payload region: one key and one value
// entry per layer, head, token slot, and head dimension. The pool sizes
// its backing storage from the shape but never consults it when
// allocating; it is opaque pass-through for the attention layout.
type Shape struct {
	Layers  int `json:"layers"`
	Heads   int `json:"heads"`
	HeadDim int `json:"head_dim"`
}

func (s Shape) validate() error {
	if s.Layers <= 0 {
		return fmt.Errorf("layer count must be positive, got %d", s.Layers)
	}
	if s.Heads <= 0 {
		return fmt.Errorf("head count must be positive, got %d", s.Heads)
	}
	if s.HeadDim <= 0 {
		return fmt.Errorf("head dimension must be positive, got %d", s.HeadDim)
	}
	return nil
}

// Pool owns totalBlocks physical blocks of blockSize token slots each.
// All geometry is fixed at construction: the pool never grows, never
// compacts, and never moves a block's payload.
//
// Allocate and Release are safe for concurrent use. Payload views are
// not synchronized by the pool; a block's payload belongs to whoever
// holds the block id.
type Pool struct {
	mu    sync.Mutex
	free  []BlockID // stack, top is next allocation
	inUse []bool

	totalBlocks int
	blockSize   int
	shape       Shape

	// Key and value payload backing, float16 elements stored little-endian.
	// Zeroed once at construction; release does not scrub.
	keys   []byte
	values []byte

	metrics PoolMetrics
}

// New creates a pool of totalBlocks blocks of blockSize token slots each,
// with payload storage sized from shape. The free list starts with every
// block available.
func New(totalBlocks, blockSize int, shape Shape) (*Pool, error) {
	if totalBlocks <= 0 {
		return nil, fmt.Errorf("total blocks must be positive, got %d", totalBlocks)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if err := shape.validate(); err != nil {
		return nil, err
	}

	free := make([]BlockID, totalBlocks)
	for i := range free {
		free[i] = BlockID(i)
	}

	blockBytes := shape.Layers * shape.Heads * blockSize * shape.HeadDim * payloadElemSize

	return &Pool{
		free:        free,
		inUse:       make([]bool, totalBlocks),
		totalBlocks: totalBlocks,
		blockSize:   blockSize,
		shape:       shape,
		keys:        make([]byte, totalBlocks*blockBytes),
		values:      make([]byte, totalBlocks*blockBytes),
		metrics:     NewNoopPoolMetrics(),
	}, nil
}

// SetMetrics attaches a metrics implementation to the pool. Passing nil
// restores the no-op implementation. Not safe to call concurrently with
// pool operations; attach metrics before sharing the pool.
func (p *Pool) SetMetrics(m PoolMetrics) {
	if m == nil {
		m = NewNoopPoolMetrics()
	}
	p.metrics = m
}

// Allocate removes one block from the free list and returns its id.
// It returns ErrOutOfBlocks when the pool is exhausted and never blocks
// waiting for a release.
//
// Allocation order is deterministic: the free list starts as 0..N-1 and
// is used as a stack, so a fresh pool hands out N-1 first and 0 last,
// and a released block is reused before older free blocks.
func (p *Pool) Allocate() (BlockID, error) {
	start := time.Now()

	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		p.metrics.RecordExhaustion(context.Background())
		return -1, ErrOutOfBlocks
	}

	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[id] = true
	freeLeft := len(p.free)
	p.mu.Unlock()

	p.metrics.RecordAllocate(context.Background(), time.Since(start), freeLeft)
	return id, nil
}

// Release returns a block to the free list. The id must be in range and
// the block must currently be allocated; releasing a free block reports
// ErrDoubleFree. The payload is not zeroed, the next owner sees stale
// contents until it writes.
func (p *Pool) Release(id BlockID) error {
	start := time.Now()

	p.mu.Lock()
	if id < 0 || int(id) >= p.totalBlocks {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d (pool holds %d blocks)", ErrInvalidBlockID, id, p.totalBlocks)
	}
	if !p.inUse[id] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDoubleFree, id)
	}

	p.inUse[id] = false
	p.free = append(p.free, id)
	freeLeft := len(p.free)
	p.mu.Unlock()

	p.metrics.RecordRelease(context.Background(), time.Since(start), freeLeft)
	return nil
}

// FreeCount returns the number of blocks currently available.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// UsedCount returns the number of blocks currently allocated.
func (p *Pool) UsedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBlocks - len(p.free)
}

// Cap returns the total number of blocks the pool was built with.
func (p *Pool) Cap() int {
	return p.totalBlocks
}

// BlockSize returns the number of token slots per block.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Shape returns the per-block payload shape.
func (p *Pool) Shape() Shape {
	return p.shape
}

// PayloadBytes returns the total size of the payload backing storage,
// key and value regions combined.
func (p *Pool) PayloadBytes() int {
	return len(p.keys) + len(p.values)
}
