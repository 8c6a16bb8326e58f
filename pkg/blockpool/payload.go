package blockpool

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/x448/float16"
)

// payloadElemSize is the storage size of one cache element. Elements are
// IEEE 754 half precision, two bytes each, little-endian.
const payloadElemSize = 2

// Kind selects the key or value region of a block's payload.
type Kind int

const (
	KeyCache Kind = iota
	ValueCache
)

// String returns the name of the payload kind.
func (k Kind) String() string {
	switch k {
	case KeyCache:
		return "key"
	case ValueCache:
		return "value"
	default:
		return fmt.Sprintf("KIND(%d)", k)
	}
}

// PayloadView exposes one block's key or value region without copying.
// Elements are addressed as [layer][head][position][dim] where position
// is the token slot within the block. The view stays valid for the life
// of the pool; the pool does not synchronize payload access.
type PayloadView struct {
	data      []byte
	shape     Shape
	blockSize int
}

// View returns a view over the payload region of the given block.
// The block does not have to be allocated; diagnostics may inspect
// free blocks too.
func (p *Pool) View(id BlockID, kind Kind) (PayloadView, error) {
	if id < 0 || int(id) >= p.totalBlocks {
		return PayloadView{}, fmt.Errorf("%w: %d (pool holds %d blocks)", ErrInvalidBlockID, id, p.totalBlocks)
	}

	var backing []byte
	switch kind {
	case KeyCache:
		backing = p.keys
	case ValueCache:
		backing = p.values
	default:
		return PayloadView{}, fmt.Errorf("unknown payload kind %d", kind)
	}

	stride := p.shape.Layers * p.shape.Heads * p.blockSize * p.shape.HeadDim * payloadElemSize
	offset := int(id) * stride

	return PayloadView{
		data:      backing[offset : offset+stride : offset+stride],
		shape:     p.shape,
		blockSize: p.blockSize,
	}, nil
}

// elemOffset computes the byte offset of one element and panics on
// out-of-range coordinates. A flat index could land in range even when
// a single coordinate is wild, so each axis is checked on its own.
func (v PayloadView) elemOffset(layer, head, pos, dim int) int {
	if layer < 0 || layer >= v.shape.Layers {
		panic(fmt.Sprintf("blockpool: layer %d out of range [0,%d)", layer, v.shape.Layers))
	}
	if head < 0 || head >= v.shape.Heads {
		panic(fmt.Sprintf("blockpool: head %d out of range [0,%d)", head, v.shape.Heads))
	}
	if pos < 0 || pos >= v.blockSize {
		panic(fmt.Sprintf("blockpool: position %d out of range [0,%d)", pos, v.blockSize))
	}
	if dim < 0 || dim >= v.shape.HeadDim {
		panic(fmt.Sprintf("blockpool: dim %d out of range [0,%d)", dim, v.shape.HeadDim))
	}

	idx := ((layer*v.shape.Heads+head)*v.blockSize+pos)*v.shape.HeadDim + dim
	return idx * payloadElemSize
}

// At reads one element, widening from float16 storage.
func (v PayloadView) At(layer, head, pos, dim int) float32 {
	off := v.elemOffset(layer, head, pos, dim)
	bits := binary.LittleEndian.Uint16(v.data[off:])
	return float16.Frombits(bits).Float32()
}

// Set writes one element, narrowing to float16 storage.
func (v PayloadView) Set(layer, head, pos, dim int, value float32) {
	off := v.elemOffset(layer, head, pos, dim)
	binary.LittleEndian.PutUint16(v.data[off:], float16.Fromfloat32(value).Bits())
}

// Fill writes the same value to every element in the view.
func (v PayloadView) Fill(value float32) {
	bits := float16.Fromfloat32(value).Bits()
	for off := 0; off < len(v.data); off += payloadElemSize {
		binary.LittleEndian.PutUint16(v.data[off:], bits)
	}
}

// Len returns the number of elements in the view.
func (v PayloadView) Len() int {
	return len(v.data) / payloadElemSize
}

// Checksum returns a fingerprint of the raw view contents. Tests and
// tools use it to compare block payloads without copying them out.
func (v PayloadView) Checksum() uint64 {
	return xxhash.Sum64(v.data)
}
