// Package snapshot serializes a point-in-time view of the cache to a
// compact binary file for offline inspection. A snapshot records the
// pool geometry, the free and used block counts, and every sequence's
// block table; it carries no payload data and is never used to restore
// a live cache, whose geometry is fixed at construction.
//
// The file is a fixed header (magic, version, codec, payload length,
// checksum) followed by the encoded state, optionally compressed. The
// checksum covers the stored payload exactly as it sits on disk, so
// corruption is detected before decompression is attempted.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
)

const (
	// Magic identifies a snapshot file.
	Magic = uint64(0xCAFEB10CCAFEB10C)

	// CurrentVersion is the current file format version.
	CurrentVersion = uint32(1)

	// HeaderSize is the fixed size of the file header in bytes:
	// magic(8) + version(4) + codec(1) + reserved(3) + length(4) + checksum(8).
	HeaderSize = 28

	// MaxSequenceIDLen bounds the sequence id length in a snapshot record.
	MaxSequenceIDLen = 1024
)

var (
	// ErrBadMagic is returned when a file does not start with the snapshot magic.
	ErrBadMagic = errors.New("bad snapshot magic")

	// ErrUnknownCodec is returned for a codec byte this version does not know.
	ErrUnknownCodec = errors.New("unknown snapshot codec")

	// ErrCorruptSnapshot is returned when the checksum, framing, or payload
	// of a snapshot file cannot be trusted.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// Codec selects the compression applied to the snapshot payload.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

// String returns the codec name used in flags and file listings.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("CODEC(%d)", uint8(c))
	}
}

// ParseCodec converts a codec name such as "snappy" into a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

func (c Codec) valid() bool {
	return c <= CodecZstd
}

// State is the decoded contents of a snapshot: the pool geometry and the
// per-sequence block tables at the moment the snapshot was taken.
type State struct {
	// CreatedAt is stamped when the snapshot is written.
	CreatedAt time.Time

	TotalBlocks int
	BlockSize   int
	Shape       blockpool.Shape
	FreeBlocks  int
	UsedBlocks  int

	Sequences []SequenceState
}

// SequenceState records one sequence's bookkeeping within a snapshot.
type SequenceState struct {
	ID         string
	TokenCount int
	BlockCount int

	// BlockTable is the logical-to-physical mapping; entries may be
	// negative for slots released by a partially failed release.
	BlockTable []blockpool.BlockID
}
