package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
	"github.com/cespare/xxhash/v2"
)

// Read loads and decodes the snapshot file at path.
func Read(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return Decode(data)
}

// Decode parses a snapshot from its file bytes, verifying the magic,
// version, and payload checksum before decoding.
func Decode(data []byte) (*State, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: file too small, %d bytes", ErrCorruptSnapshot, len(data))
	}

	if magic := binary.LittleEndian.Uint64(data[0:8]); magic != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}

	version := binary.LittleEndian.Uint32(data[8:12])
	if version != CurrentVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d (current %d)", version, CurrentVersion)
	}

	codec := Codec(data[12])
	if !codec.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, data[12])
	}

	length := binary.LittleEndian.Uint32(data[16:20])
	checksum := binary.LittleEndian.Uint64(data[20:28])

	if int(length) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: payload length %d, have %d bytes",
			ErrCorruptSnapshot, length, len(data)-HeaderSize)
	}

	stored := data[HeaderSize:]
	if computed := xxhash.Sum64(stored); computed != checksum {
		return nil, fmt.Errorf("%w: expected checksum %d, got %d",
			ErrCorruptSnapshot, checksum, computed)
	}

	comp, err := newCompressor()
	if err != nil {
		return nil, err
	}
	defer comp.Close()

	payload, err := comp.Decompress(stored, codec)
	if err != nil {
		return nil, err
	}

	return decodeState(payload)
}

// decodeState parses the decompressed payload.
func decodeState(payload []byte) (*State, error) {
	if len(payload) < 8+8*4 {
		return nil, fmt.Errorf("%w: payload too small, %d bytes", ErrCorruptSnapshot, len(payload))
	}

	offset := 0
	createdAt := int64(binary.LittleEndian.Uint64(payload[offset:]))
	offset += 8

	fixed := make([]int, 8)
	for i := range fixed {
		fixed[i] = int(binary.LittleEndian.Uint32(payload[offset:]))
		offset += 4
	}

	st := &State{
		CreatedAt:   time.Unix(0, createdAt),
		TotalBlocks: fixed[0],
		BlockSize:   fixed[1],
		Shape: blockpool.Shape{
			Layers:  fixed[2],
			Heads:   fixed[3],
			HeadDim: fixed[4],
		},
		FreeBlocks: fixed[5],
		UsedBlocks: fixed[6],
	}
	seqCount := fixed[7]

	st.Sequences = make([]SequenceState, 0, seqCount)
	for i := 0; i < seqCount; i++ {
		seq, next, err := decodeSequence(payload, offset)
		if err != nil {
			return nil, fmt.Errorf("sequence %d of %d: %w", i, seqCount, err)
		}
		st.Sequences = append(st.Sequences, seq)
		offset = next
	}

	if offset != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(payload)-offset)
	}

	return st, nil
}

// decodeSequence parses one sequence record starting at offset and
// returns the offset past it.
func decodeSequence(payload []byte, offset int) (SequenceState, int, error) {
	if offset+2 > len(payload) {
		return SequenceState{}, 0, fmt.Errorf("%w: truncated sequence header", ErrCorruptSnapshot)
	}

	idLen := int(binary.LittleEndian.Uint16(payload[offset:]))
	offset += 2

	if idLen == 0 || idLen > MaxSequenceIDLen || offset+idLen+12 > len(payload) {
		return SequenceState{}, 0, fmt.Errorf("%w: invalid sequence id length %d", ErrCorruptSnapshot, idLen)
	}

	seq := SequenceState{
		ID: string(payload[offset : offset+idLen]),
	}
	offset += idLen

	seq.TokenCount = int(binary.LittleEndian.Uint32(payload[offset:]))
	offset += 4
	seq.BlockCount = int(binary.LittleEndian.Uint32(payload[offset:]))
	offset += 4
	tableLen := int(binary.LittleEndian.Uint32(payload[offset:]))
	offset += 4

	if tableLen < 0 || offset+4*tableLen > len(payload) {
		return SequenceState{}, 0, fmt.Errorf("%w: block table length %d exceeds payload", ErrCorruptSnapshot, tableLen)
	}

	seq.BlockTable = make([]blockpool.BlockID, tableLen)
	for i := 0; i < tableLen; i++ {
		seq.BlockTable[i] = blockpool.BlockID(int32(binary.LittleEndian.Uint32(payload[offset:])))
		offset += 4
	}

	return seq, offset, nil
}
