package buffer

import (
	"fmt"
	"sync"

	"derin/disk"
	"derin/disk/pages"
	"derin/disk/wal"
	"derin/telemetry"

	"go.uber.org/zap"
)

// Pool is the page access surface shared by a single buffer pool instance and
// the parallel pool that shards over many of them.
type Pool interface {
	// NewPage allocates a fresh page id, pins an empty frame for it and
	// returns the frame's page. Returns ErrNoVictim when every frame is pinned.
	NewPage() (*pages.RawPage, error)

	// FetchPage returns the page pinned in a frame, reading it from disk on a
	// miss. Returns ErrNoVictim when every frame is pinned.
	FetchPage(pageID int32) (*pages.RawPage, error)

	// UnpinPage drops one pin and ORs the dirty flag into the frame. Returns
	// false when the page is not pooled or its pin count is already zero.
	UnpinPage(pageID int32, isDirty bool) bool

	// FlushPage syncs the page to disk if it is dirty, regardless of its pin
	// count. Returns false only when the page is not pooled.
	FlushPage(pageID int32) bool

	// DeletePage removes an unpinned page from the pool and deallocates its
	// id. Deleting a page that is not pooled succeeds; deleting a pinned page
	// fails.
	DeletePage(pageID int32) bool

	// FlushAllPages syncs every dirty pooled page to disk.
	FlushAllPages()

	GetPoolSize() int
}

var _ Pool = &BufferPoolInstance{}

// BufferPoolInstance brokers access to disk pages through a bounded set of
// in-memory frames. One latch serializes every public operation; it covers
// the page table, the free list, the replacer and all frame metadata.
type BufferPoolInstance struct {
	poolSize      int
	numInstances  int32
	instanceIndex int32
	nextPageID    int32

	frames    []*pages.RawPage
	pageTable map[int32]int // page id => frame index that keeps the page
	freeList  []int         // indexes of frames that hold no page

	replacer    IReplacer
	diskManager disk.IDiskManager
	logManager  wal.LogManager
	lock        sync.Mutex

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewBufferPoolInstance builds one shard of the pool. numInstances and
// instanceIndex configure the stride allocator so that every page id handed
// out here maps back to this instance.
func NewBufferPoolInstance(poolSize int, numInstances, instanceIndex int32, dm disk.IDiskManager, lm wal.LogManager, logger *zap.Logger, metrics *telemetry.Metrics) *BufferPoolInstance {
	if numInstances <= 0 {
		panic("a buffer pool needs at least one instance")
	}
	if instanceIndex >= numInstances {
		panic(fmt.Sprintf("instance index %v is out of range for %v instances", instanceIndex, numInstances))
	}
	if lm == nil {
		lm = wal.NoopLM
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	frames := make([]*pages.RawPage, poolSize)
	freeList := make([]int, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = pages.NewRawPage(disk.InvalidPageID)
		freeList[i] = i
	}

	return &BufferPoolInstance{
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    instanceIndex,
		frames:        frames,
		pageTable:     map[int32]int{},
		freeList:      freeList,
		replacer:      NewLruReplacer(poolSize),
		diskManager:   dm,
		logManager:    lm,
		logger:        logger,
		metrics:       metrics,
	}
}

// NewBufferPool builds a standalone single-instance pool, which is what most
// tests and single shard deployments want.
func NewBufferPool(poolSize int, dm disk.IDiskManager, lm wal.LogManager) *BufferPoolInstance {
	return NewBufferPoolInstance(poolSize, 1, 0, dm, lm, nil, nil)
}

func (b *BufferPoolInstance) NewPage() (*pages.RawPage, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	frameID, err := b.victimFrame()
	if err != nil {
		return nil, err
	}

	page := b.frames[frameID]
	pageID := b.allocatePage()

	page.Reset()
	page.SetPageId(pageID)
	page.SetPinCount(1)

	b.pageTable[pageID] = frameID
	b.replacer.Pin(frameID)
	return page, nil
}

func (b *BufferPoolInstance) FetchPage(pageID int32) (*pages.RawPage, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if frameID, ok := b.pageTable[pageID]; ok {
		page := b.frames[frameID]
		page.IncrPinCount()
		b.replacer.Pin(frameID)
		b.metrics.PoolHits.Inc()
		return page, nil
	}

	b.metrics.PoolMisses.Inc()
	frameID, err := b.victimFrame()
	if err != nil {
		return nil, err
	}

	page := b.frames[frameID]
	if err := b.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		// the frame was already detached from its old page, hand it back
		b.freeList = append(b.freeList, frameID)
		return nil, fmt.Errorf("ReadPage failed: %w", err)
	}

	page.SetPageId(pageID)
	page.SetClean()
	page.SetPinCount(1)
	page.SetPageLSN(pages.ZeroLSN)

	b.pageTable[pageID] = frameID
	b.replacer.Pin(frameID)
	return page, nil
}

func (b *BufferPoolInstance) UnpinPage(pageID int32, isDirty bool) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	page := b.frames[frameID]
	if page.GetPinCount() == 0 {
		return false
	}

	if isDirty {
		page.SetDirty()
	}

	page.DecrPinCount()
	if page.GetPinCount() == 0 {
		b.replacer.Unpin(frameID)
	}
	return true
}

func (b *BufferPoolInstance) FlushPage(pageID int32) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	b.flushFrame(b.frames[frameID])
	return true
}

func (b *BufferPoolInstance) DeletePage(pageID int32) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return true
	}

	page := b.frames[frameID]
	if page.GetPinCount() > 0 {
		return false
	}

	b.flushFrame(page)

	delete(b.pageTable, pageID)
	b.replacer.Pin(frameID)
	b.freeList = append(b.freeList, frameID)
	b.diskManager.DeallocatePage(pageID)
	page.Reset()
	return true
}

func (b *BufferPoolInstance) FlushAllPages() {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, frameID := range b.pageTable {
		b.flushFrame(b.frames[frameID])
	}
}

func (b *BufferPoolInstance) GetPoolSize() int {
	return b.poolSize
}

// EmptyFrameSize returns the number of frames which do not hold data of any
// physical page.
func (b *BufferPoolInstance) EmptyFrameSize() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.freeList)
}

// allocatePage hands out the next page id of this instance's stride. Called
// under the instance latch.
func (b *BufferPoolInstance) allocatePage() int32 {
	pageID := b.nextPageID
	b.nextPageID += b.numInstances
	if pageID%b.numInstances != b.instanceIndex {
		panic(fmt.Sprintf("allocated page id %v does not map back to instance %v", pageID, b.instanceIndex))
	}
	return pageID
}

// victimFrame detaches a reusable frame from whatever it held before: the
// free list first, the replacer otherwise. A dirty victim is written back
// before its mapping is erased. Called under the instance latch.
func (b *BufferPoolInstance) victimFrame() (int, error) {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return frameID, nil
	}

	frameID, err := b.replacer.ChooseVictim()
	if err != nil {
		return 0, err
	}

	victim := b.frames[frameID]
	if victim.GetPinCount() != 0 {
		panic(fmt.Sprintf("frame %v chosen as victim while its pin count is %v", frameID, victim.GetPinCount()))
	}

	b.flushFrame(victim)
	delete(b.pageTable, victim.GetPageId())
	b.metrics.PoolEvictions.Inc()
	b.logger.Debug("evicted page", zap.Int32("pageID", victim.GetPageId()), zap.Int("frameID", frameID))
	return frameID, nil
}

// flushFrame writes the frame's page back to disk when dirty and clears the
// dirty bit. Clean frames are left untouched. Called under the instance latch.
// Disk write failures are fatal; there is no partial-flush recovery.
func (b *BufferPoolInstance) flushFrame(page *pages.RawPage) {
	if !page.IsDirty() {
		return
	}

	// log records describing the page must be durable before the page itself
	if page.GetPageLSN() > b.logManager.GetFlushedLSN() {
		if err := b.logManager.Flush(); err != nil {
			panic(fmt.Sprintf("log flush failed before writing page %v: %v", page.GetPageId(), err))
		}
	}

	if err := b.diskManager.WritePage(page.GetPageId(), page.GetData()); err != nil {
		panic(fmt.Sprintf("page write failed for page %v: %v", page.GetPageId(), err))
	}
	page.SetClean()
	b.metrics.PoolFlushes.Inc()
}
