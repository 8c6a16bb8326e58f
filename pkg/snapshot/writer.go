package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Encode serializes a state into the snapshot file format, compressing
// the payload with the given codec. A zero CreatedAt is stamped with the
// current time.
func Encode(st State, codec Codec) ([]byte, error) {
	if !codec.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}

	payload, err := encodeState(st)
	if err != nil {
		return nil, err
	}

	comp, err := newCompressor()
	if err != nil {
		return nil, err
	}
	defer comp.Close()

	stored, err := comp.Compress(payload, codec)
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize+len(stored))
	binary.LittleEndian.PutUint64(out[0:8], Magic)
	binary.LittleEndian.PutUint32(out[8:12], CurrentVersion)
	out[12] = byte(codec)
	// out[13:16] reserved, zero
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(stored)))
	binary.LittleEndian.PutUint64(out[20:28], xxhash.Sum64(stored))
	copy(out[HeaderSize:], stored)

	return out, nil
}

// Write encodes the state and writes it to path atomically, via a
// temporary file renamed into place. Parent directories are created as
// needed.
func Write(path string, st State, codec Codec) error {
	data, err := Encode(st, codec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// encodeState serializes the uncompressed payload.
func encodeState(st State) ([]byte, error) {
	size := 8 + 8*4 // createdAt + eight fixed uint32 fields
	for _, seq := range st.Sequences {
		if seq.ID == "" || len(seq.ID) > MaxSequenceIDLen {
			return nil, fmt.Errorf("invalid sequence id %q in snapshot state", seq.ID)
		}
		size += 2 + len(seq.ID) + 4 + 4 + 4 + 4*len(seq.BlockTable)
	}

	payload := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(payload[offset:], uint64(st.CreatedAt.UnixNano()))
	offset += 8

	for _, v := range []int{
		st.TotalBlocks, st.BlockSize,
		st.Shape.Layers, st.Shape.Heads, st.Shape.HeadDim,
		st.FreeBlocks, st.UsedBlocks,
		len(st.Sequences),
	} {
		binary.LittleEndian.PutUint32(payload[offset:], uint32(v))
		offset += 4
	}

	for _, seq := range st.Sequences {
		binary.LittleEndian.PutUint16(payload[offset:], uint16(len(seq.ID)))
		offset += 2
		copy(payload[offset:], seq.ID)
		offset += len(seq.ID)

		binary.LittleEndian.PutUint32(payload[offset:], uint32(seq.TokenCount))
		offset += 4
		binary.LittleEndian.PutUint32(payload[offset:], uint32(seq.BlockCount))
		offset += 4
		binary.LittleEndian.PutUint32(payload[offset:], uint32(len(seq.BlockTable)))
		offset += 4

		for _, id := range seq.BlockTable {
			binary.LittleEndian.PutUint32(payload[offset:], uint32(int32(id)))
			offset += 4
		}
	}

	return payload, nil
}
