package hash

import (
	"testing"

	"derin/disk/pages"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket() *BucketPage[int64, int64] {
	return NewBucketPage[int64, int64](pages.NewRawPage(1), Int64Codec{}, Int64Codec{})
}

func TestBucketPage_Capacity_Layout_Should_Fit_The_Page(t *testing.T) {
	b := newTestBucket()
	bitmapLen := (b.Capacity() + 7) / 8
	assert.LessOrEqual(t, 2*bitmapLen+b.Capacity()*b.pairSize, 4096)
	assert.Positive(t, b.Capacity())
}

func TestBucketPage_Insert_And_GetValue(t *testing.T) {
	b := newTestBucket()

	require.True(t, b.Insert(1, 10, Int64Comparator))
	require.True(t, b.Insert(1, 11, Int64Comparator))
	require.True(t, b.Insert(2, 20, Int64Comparator))

	values, found := b.GetValue(1, Int64Comparator)
	assert.True(t, found)
	assert.ElementsMatch(t, []int64{10, 11}, values)

	_, found = b.GetValue(3, Int64Comparator)
	assert.False(t, found)
}

func TestBucketPage_Insert_Should_Reject_An_Exact_Duplicate(t *testing.T) {
	b := newTestBucket()

	require.True(t, b.Insert(1, 10, Int64Comparator))
	assert.False(t, b.Insert(1, 10, Int64Comparator))
	assert.Equal(t, 1, b.NumReadable())
}

func TestBucketPage_Insert_Should_Fail_When_Full(t *testing.T) {
	b := newTestBucket()

	for i := 0; i < b.Capacity(); i++ {
		require.True(t, b.Insert(int64(i), int64(i), Int64Comparator))
	}
	assert.True(t, b.IsFull())
	assert.False(t, b.Insert(-1, -1, Int64Comparator))
}

func TestBucketPage_Remove_Should_Clear_Readable_But_Keep_Occupied(t *testing.T) {
	b := newTestBucket()

	require.True(t, b.Insert(1, 10, Int64Comparator))
	require.True(t, b.Remove(1, 10, Int64Comparator))

	assert.True(t, b.IsEmpty())
	assert.False(t, b.IsReadable(0))
	assert.True(t, b.IsOccupied(0))

	// removing again finds nothing
	assert.False(t, b.Remove(1, 10, Int64Comparator))
}

func TestBucketPage_Remove_Should_Only_Match_The_Exact_Pair(t *testing.T) {
	b := newTestBucket()

	require.True(t, b.Insert(1, 10, Int64Comparator))
	require.True(t, b.Insert(1, 11, Int64Comparator))

	require.True(t, b.Remove(1, 10, Int64Comparator))
	values, found := b.GetValue(1, Int64Comparator)
	assert.True(t, found)
	assert.Equal(t, []int64{11}, values)
}

func TestBucketPage_Insert_Should_Reuse_The_Lowest_Free_Slot(t *testing.T) {
	b := newTestBucket()

	require.True(t, b.Insert(1, 10, Int64Comparator))
	require.True(t, b.Insert(2, 20, Int64Comparator))
	require.True(t, b.Remove(1, 10, Int64Comparator))

	require.True(t, b.Insert(3, 30, Int64Comparator))
	assert.EqualValues(t, 3, b.KeyAt(0))
	assert.EqualValues(t, 30, b.ValueAt(0))
}

func TestBucketPage_Insert_Then_Remove_Restores_The_Pre_Insert_State(t *testing.T) {
	b := newTestBucket()

	require.True(t, b.Insert(7, 70, Int64Comparator))
	before, _ := b.GetValue(5, Int64Comparator)

	require.True(t, b.Insert(5, 50, Int64Comparator))
	require.True(t, b.Remove(5, 50, Int64Comparator))

	after, _ := b.GetValue(5, Int64Comparator)
	assert.Equal(t, before, after)
}
