package pages

import (
	"derin/disk"
	"sync"
)

// RawPage is a wrapper for an actual physical page in the db file. It provides
// the content of the physical page as a byte array and keeps the bookkeeping
// the buffer pool needs: pin count, dirty bit and the latch.
//
// All metadata mutators are unsynchronized; the owning buffer pool instance
// serializes them under its latch.
type RawPage struct {
	pageID   int32
	isDirty  bool
	pinCount int
	pageLSN  LSN
	rwLatch  sync.RWMutex
	data     []byte
}

func NewRawPage(pageID int32) *RawPage {
	return &RawPage{
		pageID: pageID,
		data:   make([]byte, disk.PageSize),
	}
}

func (p *RawPage) GetPageId() int32 {
	return p.pageID
}

func (p *RawPage) SetPageId(pageID int32) {
	p.pageID = pageID
}

func (p *RawPage) GetPinCount() int {
	return p.pinCount
}

func (p *RawPage) SetPinCount(count int) {
	p.pinCount = count
}

func (p *RawPage) IncrPinCount() {
	p.pinCount++
}

func (p *RawPage) DecrPinCount() {
	p.pinCount--
}

func (p *RawPage) IsDirty() bool {
	return p.isDirty
}

func (p *RawPage) SetDirty() {
	p.isDirty = true
}

func (p *RawPage) SetClean() {
	p.isDirty = false
}

func (p *RawPage) GetPageLSN() LSN {
	return p.pageLSN
}

func (p *RawPage) SetPageLSN(lsn LSN) {
	p.pageLSN = lsn
}

// GetData returns the whole physical page content.
func (p *RawPage) GetData() []byte {
	return p.data
}

// Reset clears all content and metadata so the frame can hold another page.
func (p *RawPage) Reset() {
	p.pageID = disk.InvalidPageID
	p.isDirty = false
	p.pinCount = 0
	p.pageLSN = ZeroLSN
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *RawPage) WLatch() {
	p.rwLatch.Lock()
}

func (p *RawPage) WUnlatch() {
	p.rwLatch.Unlock()
}

func (p *RawPage) RLatch() {
	p.rwLatch.RLock()
}

func (p *RawPage) RUnLatch() {
	p.rwLatch.RUnlock()
}
