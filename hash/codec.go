package hash

import (
	"encoding/binary"

	"derin/common"
)

// Codec converts fixed size keys and values to and from their on-page bytes.
// Size must be constant for a given codec; bucket capacity is derived from it.
type Codec[T any] interface {
	Size() int
	Encode(dst []byte, t T)
	Decode(src []byte) T
}

// Comparator reports the order of two keys; zero means equal.
type Comparator[K any] func(a, b K) int

type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }

func (Int64Codec) Encode(dst []byte, v int64) {
	binary.BigEndian.PutUint64(dst, uint64(v))
}

func (Int64Codec) Decode(src []byte) int64 {
	return int64(binary.BigEndian.Uint64(src))
}

func Int64Comparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// RIDCodec lays a RID out as page id followed by slot number.
type RIDCodec struct{}

func (RIDCodec) Size() int { return 8 }

func (RIDCodec) Encode(dst []byte, r common.RID) {
	binary.BigEndian.PutUint32(dst, uint32(r.PageID))
	binary.BigEndian.PutUint32(dst[4:], r.SlotNum)
}

func (RIDCodec) Decode(src []byte) common.RID {
	return common.RID{
		PageID:  int32(binary.BigEndian.Uint32(src)),
		SlotNum: binary.BigEndian.Uint32(src[4:]),
	}
}
