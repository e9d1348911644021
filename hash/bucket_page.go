package hash

import (
	"math/bits"

	"derin/disk"
	"derin/disk/pages"
)

// BucketPage is a fixed capacity associative array laid out inside a single
// physical page: two bitmaps followed by the (key, value) array.
//
//	[occupied bitmap][readable bitmap][array of (key, value)]
//
// occupied_i is set once a slot has ever held an entry and is never cleared;
// readable_i tracks whether the slot holds a live entry right now. The sticky
// occupied bit keeps the layout open for probing schemes and costs nothing.
type BucketPage[K any, V comparable] struct {
	page     *pages.RawPage
	keyCodec Codec[K]
	valCodec Codec[V]

	capacity  int
	pairSize  int
	bitmapLen int
}

// BucketArraySize returns how many (key, value) pairs of the given byte size
// fit in a page next to the two bitmaps. Each pair costs pairSize bytes plus
// two bits, which gives 4*PageSize/(4*pairSize+1) as the starting point; the
// result is clamped until the whole byte layout fits.
func BucketArraySize(pairSize int) int {
	n := (4 * disk.PageSize) / (4*pairSize + 1)
	for 2*((n+7)/8)+n*pairSize > disk.PageSize {
		n--
	}
	return n
}

func NewBucketPage[K any, V comparable](page *pages.RawPage, keyCodec Codec[K], valCodec Codec[V]) *BucketPage[K, V] {
	pairSize := keyCodec.Size() + valCodec.Size()
	capacity := BucketArraySize(pairSize)
	return &BucketPage[K, V]{
		page:      page,
		keyCodec:  keyCodec,
		valCodec:  valCodec,
		capacity:  capacity,
		pairSize:  pairSize,
		bitmapLen: (capacity + 7) / 8,
	}
}

func (b *BucketPage[K, V]) PageId() int32 {
	return b.page.GetPageId()
}

func (b *BucketPage[K, V]) Capacity() int {
	return b.capacity
}

func (b *BucketPage[K, V]) slot(i int) []byte {
	off := 2*b.bitmapLen + i*b.pairSize
	return b.page.GetData()[off : off+b.pairSize]
}

func (b *BucketPage[K, V]) KeyAt(i int) K {
	return b.keyCodec.Decode(b.slot(i))
}

func (b *BucketPage[K, V]) ValueAt(i int) V {
	return b.valCodec.Decode(b.slot(i)[b.keyCodec.Size():])
}

func (b *BucketPage[K, V]) IsOccupied(i int) bool {
	return b.page.GetData()[i/8]&(1<<(i%8)) != 0
}

func (b *BucketPage[K, V]) IsReadable(i int) bool {
	return b.page.GetData()[b.bitmapLen+i/8]&(1<<(i%8)) != 0
}

func (b *BucketPage[K, V]) setOccupied(i int) {
	b.page.GetData()[i/8] |= 1 << (i % 8)
}

func (b *BucketPage[K, V]) setReadable(i int) {
	b.page.GetData()[b.bitmapLen+i/8] |= 1 << (i % 8)
}

// RemoveAt clears the slot's readable bit. The occupied bit stays set.
func (b *BucketPage[K, V]) RemoveAt(i int) {
	b.page.GetData()[b.bitmapLen+i/8] &^= 1 << (i % 8)
}

// GetValue collects the values of every live entry whose key compares equal.
func (b *BucketPage[K, V]) GetValue(key K, cmp Comparator[K]) ([]V, bool) {
	var values []V
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && cmp(b.KeyAt(i), key) == 0 {
			values = append(values, b.ValueAt(i))
		}
	}
	return values, len(values) > 0
}

// Insert places the pair into the lowest free slot. It fails when the bucket
// is full or already holds the exact same pair.
func (b *BucketPage[K, V]) Insert(key K, value V, cmp Comparator[K]) bool {
	if b.IsFull() {
		return false
	}

	freeSlot := -1
	for i := 0; i < b.capacity; i++ {
		if !b.IsReadable(i) {
			if freeSlot == -1 {
				freeSlot = i
			}
		} else if cmp(b.KeyAt(i), key) == 0 && b.ValueAt(i) == value {
			return false
		}
	}

	dst := b.slot(freeSlot)
	b.keyCodec.Encode(dst, key)
	b.valCodec.Encode(dst[b.keyCodec.Size():], value)
	b.setOccupied(freeSlot)
	b.setReadable(freeSlot)
	return true
}

// Remove clears every live slot holding the exact pair. Returns whether any
// slot was cleared.
func (b *BucketPage[K, V]) Remove(key K, value V, cmp Comparator[K]) bool {
	found := false
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && cmp(b.KeyAt(i), key) == 0 && b.ValueAt(i) == value {
			b.RemoveAt(i)
			found = true
		}
	}
	return found
}

// NumReadable counts live entries straight off the readable bitmap, so the
// page layout stays exactly bitmap+bitmap+array with no cached counter.
func (b *BucketPage[K, V]) NumReadable() int {
	data := b.page.GetData()[b.bitmapLen : 2*b.bitmapLen]
	count := 0
	for _, byt := range data {
		count += bits.OnesCount8(byt)
	}
	return count
}

func (b *BucketPage[K, V]) IsFull() bool {
	return b.NumReadable() == b.capacity
}

func (b *BucketPage[K, V]) IsEmpty() bool {
	return b.NumReadable() == 0
}
