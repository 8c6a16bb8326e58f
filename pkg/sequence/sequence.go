// Package sequence implements the per-sequence page table of the paged
// KV cache. A sequence owns an ordered set of physical blocks borrowed
// from a blockpool.Pool and maps token positions onto them: token i lives
// at offset i%blockSize inside the block at logical index i/blockSize.
// The mapping is a dense slice, so logical index n is always slot n.
//
// A Sequence is not safe for concurrent use; the cache manager serializes
// access to it.
package sequence

import (
	"errors"
	"fmt"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
)

// Unmapped marks a block-table slot whose block has been returned to the
// pool. Slots only hold it after a ReleaseAll that could not release every
// block; an intact sequence never exposes it.
const Unmapped = blockpool.BlockID(-1)

// Sequence tracks the tokens of one generation stream and the physical
// blocks that back them.
type Sequence struct {
	id         string
	blockSize  int
	tokenCount int

	// table maps logical block index to physical block id. It grows by one
	// entry each time the token count crosses a block boundary.
	table []blockpool.BlockID
}

// New creates an empty sequence. The block size must match the pool the
// sequence will allocate from; New panics if it is not positive, since
// every address computation divides by it.
func New(id string, blockSize int) *Sequence {
	if blockSize <= 0 {
		panic(fmt.Sprintf("sequence: block size must be positive, got %d", blockSize))
	}
	return &Sequence{
		id:        id,
		blockSize: blockSize,
	}
}

// ID returns the sequence identifier.
func (s *Sequence) ID() string {
	return s.id
}

// TokenCount returns the number of tokens appended so far.
func (s *Sequence) TokenCount() int {
	return s.tokenCount
}

// BlockCount returns the number of physical blocks the sequence currently
// owns.
func (s *Sequence) BlockCount() int {
	n := 0
	for _, id := range s.table {
		if id != Unmapped {
			n++
		}
	}
	return n
}

// BlockSize returns the block size the sequence was created with.
func (s *Sequence) BlockSize() int {
	return s.blockSize
}

// BlockTable returns a copy of the logical-to-physical block mapping.
// After a partially failed ReleaseAll, released slots hold Unmapped.
func (s *Sequence) BlockTable() []blockpool.BlockID {
	out := make([]blockpool.BlockID, len(s.table))
	copy(out, s.table)
	return out
}

// AppendToken grows the sequence by one token, allocating a fresh block
// from the pool when the current count sits on a block boundary. On
// allocation failure the sequence is unchanged: no token is counted and
// no mapping is added.
func (s *Sequence) AppendToken(pool *blockpool.Pool) error {
	if pool.BlockSize() != s.blockSize {
		return fmt.Errorf("sequence %q: %w: sequence uses %d, pool uses %d",
			s.id, ErrBlockSizeMismatch, s.blockSize, pool.BlockSize())
	}
	if NeedsAllocation(s.tokenCount, s.blockSize) {
		id, err := pool.Allocate()
		if err != nil {
			return fmt.Errorf("sequence %q: token %d: %w", s.id, s.tokenCount, err)
		}
		s.table = append(s.table, id)
	}
	s.tokenCount++
	return nil
}

// AppendTokens appends n tokens one at a time, stopping at the first
// failure. Tokens appended before the failure are kept, so the caller can
// inspect TokenCount to see how far the batch got before deciding whether
// to release the sequence or retry later.
func (s *Sequence) AppendTokens(pool *blockpool.Pool, n int) error {
	if n < 0 {
		return fmt.Errorf("sequence %q: token count must be non-negative, got %d", s.id, n)
	}
	for i := 0; i < n; i++ {
		if err := s.AppendToken(pool); err != nil {
			return fmt.Errorf("appended %d of %d tokens: %w", i, n, err)
		}
	}
	return nil
}

// Translate resolves a token position to its physical block and the
// offset within that block. The position must refer to a token that has
// already been appended.
func (s *Sequence) Translate(tokenIndex int) (blockpool.BlockID, int, error) {
	if tokenIndex < 0 || tokenIndex >= s.tokenCount {
		return Unmapped, 0, fmt.Errorf("sequence %q: %w: index %d, have %d tokens",
			s.id, ErrTokenOutOfRange, tokenIndex, s.tokenCount)
	}
	logical := LogicalIndex(tokenIndex, s.blockSize)
	if logical >= len(s.table) || s.table[logical] == Unmapped {
		return Unmapped, 0, fmt.Errorf("sequence %q: %w: logical block %d",
			s.id, ErrUnmappedBlock, logical)
	}
	return s.table[logical], Offset(tokenIndex, s.blockSize), nil
}

// ReleaseAll returns every owned block to the pool. Each block is
// attempted even if an earlier one fails, and the failures are joined
// into the returned error. Slots that released successfully are marked
// Unmapped so a retry only touches the survivors; the mapping and token
// count reset only once every block is back in the pool.
func (s *Sequence) ReleaseAll(pool *blockpool.Pool) error {
	var errs []error
	for i, id := range s.table {
		if id == Unmapped {
			continue
		}
		if err := pool.Release(id); err != nil {
			errs = append(errs, fmt.Errorf("sequence %q: block %d: %w", s.id, id, err))
			continue
		}
		s.table[i] = Unmapped
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.table = nil
	s.tokenCount = 0
	return nil
}
