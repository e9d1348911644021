package hash

import (
	"path/filepath"
	"testing"

	"derin/buffer"
	"derin/common"
	"derin/disk"
	"derin/disk/wal"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHashTable(t *testing.T, poolSize int) (*ExtendibleHashTable[int64, int64], buffer.Pool) {
	t.Helper()
	dm, err := disk.NewDiskManager(filepath.Join(t.TempDir(), uuid.New().String()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	pool := buffer.NewBufferPool(poolSize, dm, wal.NoopLM)
	table, err := NewExtendibleHashTable[int64, int64](pool, Int64Comparator, Int64Codec{}, Int64Codec{}, nil, nil)
	require.NoError(t, err)
	return table, pool
}

func TestHashTable_Starts_At_Global_Depth_One(t *testing.T) {
	table, _ := newTestHashTable(t, 10)

	depth, err := table.GetGlobalDepth()
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	require.NoError(t, table.VerifyIntegrity())
}

func TestHashTable_Insert_And_GetValue(t *testing.T) {
	table, _ := newTestHashTable(t, 10)

	for i := int64(0); i < 64; i++ {
		ok, err := table.Insert(i, i*100)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := int64(0); i < 64; i++ {
		values, err := table.GetValue(i)
		require.NoError(t, err)
		assert.Equal(t, []int64{i * 100}, values)
	}

	values, err := table.GetValue(1000)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestHashTable_Insert_Should_Reject_An_Exact_Duplicate(t *testing.T) {
	table, _ := newTestHashTable(t, 10)

	ok, err := table.Insert(1, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = table.Insert(1, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	// the same key can still map to another value
	ok, err = table.Insert(1, 11)
	require.NoError(t, err)
	assert.True(t, ok)

	values, err := table.GetValue(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, values)
}

func TestHashTable_Insert_Should_Split_When_A_Bucket_Fills(t *testing.T) {
	table, _ := newTestHashTable(t, 10)

	// more keys than a single bucket holds, all routed to bucket 0, force at
	// least one split, and the first split always doubles the depth-1 directory
	capacity := BucketArraySize(16)
	keys := make([]int64, 0, capacity+1)
	for k := int64(0); len(keys) < capacity+1; k++ {
		if table.hash(k)&1 == 0 {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		ok, err := table.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	depth, err := table.GetGlobalDepth()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, depth, uint32(2))
	require.NoError(t, table.VerifyIntegrity())

	for _, k := range keys {
		values, err := table.GetValue(k)
		require.NoError(t, err)
		assert.Equal(t, []int64{k}, values, "key %v", k)
	}
}

func TestHashTable_Remove_Should_Merge_And_Shrink(t *testing.T) {
	table, _ := newTestHashTable(t, 10)

	// keys routed to bucket 0 overfill it, so the removals below have split
	// buckets to merge
	capacity := BucketArraySize(16)
	keys := make([]int64, 0, capacity+1)
	for k := int64(0); len(keys) < capacity+1; k++ {
		if table.hash(k)&1 == 0 {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		ok, err := table.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	grownDepth, err := table.GetGlobalDepth()
	require.NoError(t, err)

	for _, k := range keys[1:] {
		ok, err := table.Remove(k, k)
		require.NoError(t, err)
		require.True(t, ok, "key %v", k)
	}

	shrunkDepth, err := table.GetGlobalDepth()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, shrunkDepth, uint32(1))
	assert.LessOrEqual(t, shrunkDepth, grownDepth)
	require.NoError(t, table.VerifyIntegrity())

	values, err := table.GetValue(keys[0])
	require.NoError(t, err)
	assert.Equal(t, []int64{keys[0]}, values)
}

func TestHashTable_Remove_Restores_The_Pre_Insert_Result_Set(t *testing.T) {
	table, _ := newTestHashTable(t, 10)

	ok, err := table.Insert(1, 10)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := table.GetValue(2)
	require.NoError(t, err)

	ok, err = table.Insert(2, 20)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = table.Remove(2, 20)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := table.GetValue(2)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHashTable_Remove_Of_A_Missing_Pair_Returns_False(t *testing.T) {
	table, _ := newTestHashTable(t, 10)

	ok, err := table.Remove(1, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashTable_Every_Operation_Returns_Its_Pins(t *testing.T) {
	table, pool := newTestHashTable(t, 10)
	b := pool.(*buffer.BufferPoolInstance)

	capacity := BucketArraySize(16)
	for i := int64(0); i < int64(capacity*3); i++ {
		_, err := table.Insert(i, i)
		require.NoError(t, err)
	}
	for i := int64(0); i < int64(capacity*3); i += 2 {
		_, err := table.Remove(i, i)
		require.NoError(t, err)
	}
	for i := int64(0); i < int64(capacity*3); i++ {
		_, err := table.GetValue(i)
		require.NoError(t, err)
	}

	// a leaked pin would leave a frame unevictable; filling the pool with new
	// pages proves every frame can still be reclaimed
	pages := make([]int32, 0)
	for i := 0; i < b.GetPoolSize(); i++ {
		p, err := b.NewPage()
		require.NoError(t, err)
		pages = append(pages, p.GetPageId())
	}
	for _, id := range pages {
		require.True(t, b.UnpinPage(id, false))
	}
}

func TestHashTable_Works_Through_A_Parallel_Pool_With_RID_Values(t *testing.T) {
	dm, err := disk.NewDiskManager(filepath.Join(t.TempDir(), uuid.New().String()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	pool := buffer.NewParallelBufferPool(4, 8, dm, wal.NoopLM, nil, nil)
	table, err := NewExtendibleHashTable[int64, common.RID](pool, Int64Comparator, Int64Codec{}, RIDCodec{}, nil, nil)
	require.NoError(t, err)

	for i := int64(0); i < 500; i++ {
		rid := common.NewRID(int32(i/16), uint32(i%16))
		ok, err := table.Insert(i, rid)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, table.VerifyIntegrity())

	for i := int64(0); i < 500; i++ {
		values, err := table.GetValue(i)
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.Equal(t, common.NewRID(int32(i/16), uint32(i%16)), values[0])
	}
}
