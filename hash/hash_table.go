package hash

import (
	"fmt"
	"sync"

	"derin/buffer"
	"derin/telemetry"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ExtendibleHashTable is a disk backed hash index: one directory page plus as
// many bucket pages as the key distribution requires, all reached through the
// buffer pool. Every fetch is matched by exactly one unpin.
//
// A table wide RW latch serializes structural changes; readers share it.
type ExtendibleHashTable[K any, V comparable] struct {
	pool            buffer.Pool
	directoryPageID int32

	cmp      Comparator[K]
	keyCodec Codec[K]
	valCodec Codec[V]

	tableLatch sync.RWMutex
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

// NewExtendibleHashTable creates the table's persistent state: a directory at
// global depth 1 pointing at two empty buckets of local depth 1.
func NewExtendibleHashTable[K any, V comparable](pool buffer.Pool, cmp Comparator[K], keyCodec Codec[K], valCodec Codec[V], logger *zap.Logger, metrics *telemetry.Metrics) (*ExtendibleHashTable[K, V], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	t := &ExtendibleHashTable[K, V]{
		pool:     pool,
		cmp:      cmp,
		keyCodec: keyCodec,
		valCodec: valCodec,
		logger:   logger,
		metrics:  metrics,
	}

	dirPage, err := pool.NewPage()
	if err != nil {
		return nil, fmt.Errorf("could not allocate the directory page: %w", err)
	}
	t.directoryPageID = dirPage.GetPageId()

	dir := NewDirectoryPage(dirPage)
	dir.SetPageId(t.directoryPageID)
	dir.IncrGlobalDepth()

	for idx := uint32(0); idx < 2; idx++ {
		bucketPage, err := pool.NewPage()
		if err != nil {
			pool.UnpinPage(t.directoryPageID, true)
			return nil, fmt.Errorf("could not allocate bucket %v: %w", idx, err)
		}
		dir.SetBucketPageId(idx, bucketPage.GetPageId())
		dir.SetLocalDepth(idx, 1)
		pool.UnpinPage(bucketPage.GetPageId(), false)
	}

	pool.UnpinPage(t.directoryPageID, true)
	return t, nil
}

// hash downcasts the 64-bit hash of the encoded key to the 32 bits the
// directory distinguishes.
func (t *ExtendibleHashTable[K, V]) hash(key K) uint32 {
	buf := make([]byte, t.keyCodec.Size())
	t.keyCodec.Encode(buf, key)
	return uint32(xxhash.Sum64(buf))
}

func (t *ExtendibleHashTable[K, V]) keyToDirectoryIndex(key K, dir *DirectoryPage) uint32 {
	return t.hash(key) & dir.GetGlobalDepthMask()
}

func (t *ExtendibleHashTable[K, V]) keyToPageId(key K, dir *DirectoryPage) int32 {
	return dir.GetBucketPageId(t.keyToDirectoryIndex(key, dir))
}

func (t *ExtendibleHashTable[K, V]) fetchDirectory() (*DirectoryPage, error) {
	page, err := t.pool.FetchPage(t.directoryPageID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch the directory page: %w", err)
	}
	return NewDirectoryPage(page), nil
}

func (t *ExtendibleHashTable[K, V]) fetchBucket(pageID int32) (*BucketPage[K, V], error) {
	page, err := t.pool.FetchPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch bucket page %v: %w", pageID, err)
	}
	return NewBucketPage[K, V](page, t.keyCodec, t.valCodec), nil
}

// GetValue returns every value stored under the key.
func (t *ExtendibleHashTable[K, V]) GetValue(key K) ([]V, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dir, err := t.fetchDirectory()
	if err != nil {
		return nil, err
	}

	bucketPageID := t.keyToPageId(key, dir)
	bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.pool.UnpinPage(t.directoryPageID, false)
		return nil, err
	}

	values, _ := bucket.GetValue(key, t.cmp)
	t.pool.UnpinPage(bucketPageID, false)
	t.pool.UnpinPage(t.directoryPageID, false)
	return values, nil
}

// Insert stores the pair. It refuses exact duplicates and splits the target
// bucket as many times as it takes to make room.
func (t *ExtendibleHashTable[K, V]) Insert(key K, value V) (bool, error) {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	dir, err := t.fetchDirectory()
	if err != nil {
		return false, err
	}

	bucketPageID := t.keyToPageId(key, dir)
	bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.pool.UnpinPage(t.directoryPageID, false)
		return false, err
	}

	if values, found := bucket.GetValue(key, t.cmp); found {
		for _, v := range values {
			if v == value {
				t.pool.UnpinPage(bucketPageID, false)
				t.pool.UnpinPage(t.directoryPageID, false)
				return false, nil
			}
		}
	}

	hasSplit := false
	for bucket.IsFull() {
		hasSplit = true
		if err := t.split(dir, t.keyToDirectoryIndex(key, dir)); err != nil {
			t.pool.UnpinPage(bucketPageID, true)
			t.pool.UnpinPage(t.directoryPageID, true)
			return false, err
		}

		t.pool.UnpinPage(bucketPageID, true)
		bucketPageID = t.keyToPageId(key, dir)
		if bucket, err = t.fetchBucket(bucketPageID); err != nil {
			t.pool.UnpinPage(t.directoryPageID, true)
			return false, err
		}
	}

	ok := bucket.Insert(key, value, t.cmp)
	t.pool.UnpinPage(bucketPageID, true)
	t.pool.UnpinPage(t.directoryPageID, hasSplit)
	return ok, nil
}

// split gives the bucket at bucketIndex a sibling and spreads the directory
// slots and the live entries between the two. When the bucket's local depth
// equals the global depth the directory doubles first.
func (t *ExtendibleHashTable[K, V]) split(dir *DirectoryPage, bucketIndex uint32) error {
	localDepth := dir.GetLocalDepth(bucketIndex)

	if localDepth == dir.GetGlobalDepth() {
		size := dir.Size()
		dir.IncrGlobalDepth()
		for i := uint32(0); i < size; i++ {
			dir.SetBucketPageId(i+size, dir.GetBucketPageId(i))
			dir.SetLocalDepth(i+size, uint8(dir.GetLocalDepth(i)))
		}
	}

	bucketPageID := dir.GetBucketPageId(bucketIndex)
	bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		return err
	}

	splitPage, err := t.pool.NewPage()
	if err != nil {
		t.pool.UnpinPage(bucketPageID, false)
		return fmt.Errorf("could not allocate a split bucket: %w", err)
	}
	splitPageID := splitPage.GetPageId()
	splitBucket := NewBucketPage[K, V](splitPage, t.keyCodec, t.valCodec)

	// spread the directory slots of the old bucket over the two pages; slots
	// whose bit at the old local depth differs from bucketIndex's move over
	highBit := (uint32(1) << localDepth) & bucketIndex
	for i := uint32(0); i < dir.Size(); i++ {
		if dir.GetBucketPageId(i) == bucketPageID {
			dir.IncrLocalDepth(i)
			if (uint32(1)<<localDepth)&i != highBit {
				dir.SetBucketPageId(i, splitPageID)
			}
		}
	}

	mask := dir.GetLocalDepthMask(bucketIndex)
	keep := bucketIndex & mask
	moved := 0
	for i := 0; i < bucket.Capacity(); i++ {
		if !bucket.IsReadable(i) {
			continue
		}
		key := bucket.KeyAt(i)
		if t.hash(key)&mask != keep {
			value := bucket.ValueAt(i)
			bucket.RemoveAt(i)
			splitBucket.Insert(key, value, t.cmp)
			moved++
		}
	}

	t.metrics.HashSplits.Inc()
	t.logger.Debug("split bucket",
		zap.Uint32("bucketIndex", bucketIndex),
		zap.Int32("bucketPageID", bucketPageID),
		zap.Int32("splitPageID", splitPageID),
		zap.Int("movedEntries", moved),
		zap.Uint32("globalDepth", dir.GetGlobalDepth()))

	t.pool.UnpinPage(bucketPageID, true)
	t.pool.UnpinPage(splitPageID, true)
	return nil
}

// Remove drops the pair and merges the bucket with its split image for as
// long as it stays empty and a merge is legal.
func (t *ExtendibleHashTable[K, V]) Remove(key K, value V) (bool, error) {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	dir, err := t.fetchDirectory()
	if err != nil {
		return false, err
	}

	bucketPageID := t.keyToPageId(key, dir)
	bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.pool.UnpinPage(t.directoryPageID, false)
		return false, err
	}

	if !bucket.Remove(key, value, t.cmp) {
		t.pool.UnpinPage(bucketPageID, false)
		t.pool.UnpinPage(t.directoryPageID, false)
		return false, nil
	}

	empty := bucket.IsEmpty()
	t.pool.UnpinPage(bucketPageID, true)

	hasMerged := false
	for empty {
		merged := t.merge(dir, t.keyToDirectoryIndex(key, dir))
		if !merged {
			break
		}
		hasMerged = true

		// the key now routes to the surviving bucket; keep merging while it
		// is empty too
		bucketPageID = t.keyToPageId(key, dir)
		if bucket, err = t.fetchBucket(bucketPageID); err != nil {
			t.pool.UnpinPage(t.directoryPageID, true)
			return false, err
		}
		empty = bucket.IsEmpty()
		t.pool.UnpinPage(bucketPageID, false)
	}

	t.pool.UnpinPage(t.directoryPageID, hasMerged)
	return true, nil
}

// merge folds the empty bucket at bucketIndex into its split image. Legal
// only when both share a local depth above 1. The freed page is flushed and
// deleted; the directory shrinks when every bucket allows it.
func (t *ExtendibleHashTable[K, V]) merge(dir *DirectoryPage, bucketIndex uint32) bool {
	if dir.GetGlobalDepth() == 0 {
		return false
	}

	localDepth := dir.GetLocalDepth(bucketIndex)
	if localDepth <= 1 {
		return false
	}

	splitImageIndex := dir.GetSplitImageIndex(bucketIndex)
	if dir.GetLocalDepth(splitImageIndex) != localDepth {
		return false
	}

	freedPageID := dir.GetBucketPageId(bucketIndex)
	survivorPageID := dir.GetBucketPageId(splitImageIndex)
	if freedPageID == survivorPageID {
		return false
	}

	// point every slot of the freed bucket at the survivor
	globalDepth := dir.GetGlobalDepth()
	mask := dir.GetLocalDepthMask(bucketIndex)
	suffix := bucketIndex & mask
	for i := uint32(0); i < 1<<(globalDepth-localDepth); i++ {
		dir.SetBucketPageId((i<<localDepth)+suffix, survivorPageID)
	}

	// the merged bucket is one level shallower on both halves
	mask >>= 1
	localDepth--
	suffix = splitImageIndex & mask
	for i := uint32(0); i < 1<<(globalDepth-localDepth); i++ {
		dir.DecrLocalDepth((i << localDepth) + suffix)
	}

	t.pool.FlushPage(freedPageID)
	t.pool.DeletePage(freedPageID)

	if dir.CanShrink() {
		dir.DecrGlobalDepth()
	}

	t.metrics.HashMerges.Inc()
	t.logger.Debug("merged bucket",
		zap.Uint32("bucketIndex", bucketIndex),
		zap.Int32("freedPageID", freedPageID),
		zap.Int32("survivorPageID", survivorPageID),
		zap.Uint32("globalDepth", dir.GetGlobalDepth()))
	return true
}

// GetGlobalDepth reads the directory's current depth.
func (t *ExtendibleHashTable[K, V]) GetGlobalDepth() (uint32, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dir, err := t.fetchDirectory()
	if err != nil {
		return 0, err
	}
	depth := dir.GetGlobalDepth()
	t.pool.UnpinPage(t.directoryPageID, false)
	return depth, nil
}

// VerifyIntegrity checks the directory invariants. Meant for tests and
// debugging.
func (t *ExtendibleHashTable[K, V]) VerifyIntegrity() error {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dir, err := t.fetchDirectory()
	if err != nil {
		return err
	}
	verifyErr := dir.VerifyIntegrity()
	if verifyErr != nil {
		t.logger.Warn("directory invariants violated", zap.Error(verifyErr))
		dir.LogContents(t.logger)
	}
	t.pool.UnpinPage(t.directoryPageID, false)
	return verifyErr
}
