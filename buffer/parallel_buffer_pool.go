package buffer

import (
	"sync"

	"derin/disk"
	"derin/disk/pages"
	"derin/disk/wal"
	"derin/telemetry"

	"go.uber.org/zap"
)

var _ Pool = &ParallelBufferPool{}

// ParallelBufferPool shards the page id space over a fixed set of buffer pool
// instances so that operations on different shards never contend on a latch.
// Page p belongs to instance p mod N.
type ParallelBufferPool struct {
	instances []*BufferPoolInstance
	poolSize  int // per instance

	// protects only the round-robin start index of NewPage
	lock       sync.Mutex
	startIndex int
}

func NewParallelBufferPool(numInstances, poolSize int, dm disk.IDiskManager, lm wal.LogManager, logger *zap.Logger, metrics *telemetry.Metrics) *ParallelBufferPool {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	instances := make([]*BufferPoolInstance, numInstances)
	for i := range instances {
		instances[i] = NewBufferPoolInstance(poolSize, int32(numInstances), int32(i), dm, lm, logger, metrics)
	}

	return &ParallelBufferPool{
		instances: instances,
		poolSize:  poolSize,
	}
}

// instanceFor returns the instance responsible for the given page id.
func (p *ParallelBufferPool) instanceFor(pageID int32) *BufferPoolInstance {
	return p.instances[int(pageID)%len(p.instances)]
}

// NewPage asks the instances for a page in round-robin order, starting at a
// rotating index. The index advances on every attempt, success or not, so
// allocation load spreads over the shards.
func (p *ParallelBufferPool) NewPage() (*pages.RawPage, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for tried := 0; tried < len(p.instances); tried++ {
		page, err := p.instances[p.startIndex].NewPage()
		p.startIndex = (p.startIndex + 1) % len(p.instances)
		if err == nil {
			return page, nil
		}
	}
	return nil, ErrNoVictim
}

func (p *ParallelBufferPool) FetchPage(pageID int32) (*pages.RawPage, error) {
	return p.instanceFor(pageID).FetchPage(pageID)
}

func (p *ParallelBufferPool) UnpinPage(pageID int32, isDirty bool) bool {
	return p.instanceFor(pageID).UnpinPage(pageID, isDirty)
}

func (p *ParallelBufferPool) FlushPage(pageID int32) bool {
	return p.instanceFor(pageID).FlushPage(pageID)
}

func (p *ParallelBufferPool) DeletePage(pageID int32) bool {
	return p.instanceFor(pageID).DeletePage(pageID)
}

func (p *ParallelBufferPool) FlushAllPages() {
	for _, instance := range p.instances {
		instance.FlushAllPages()
	}
}

func (p *ParallelBufferPool) GetPoolSize() int {
	return len(p.instances) * p.poolSize
}
