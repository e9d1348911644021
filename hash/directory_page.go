package hash

import (
	"encoding/binary"
	"fmt"

	"derin/disk/pages"

	"go.uber.org/zap"
)

// MaxGlobalDepth bounds the directory to 512 slots, which is what fits in one
// page next to the header and the local depth array.
const MaxGlobalDepth uint32 = 9

// DirectoryArraySize is the slot capacity of the directory, 2^MaxGlobalDepth.
const DirectoryArraySize = 1 << MaxGlobalDepth

// directory page layout, all big endian:
//
//	[page_id 4B][lsn 4B][global_depth 4B][local_depths 512B][bucket_page_ids 2048B][padding]
const (
	offPageID        = 0
	offLSN           = 4
	offGlobalDepth   = 8
	offLocalDepths   = 12
	offBucketPageIDs = offLocalDepths + DirectoryArraySize
)

// DirectoryPage is the persistent directory of the extendible hash table. It
// is a typed view over a raw page's bytes; every accessor reads or writes the
// page data directly so the page can be flushed as is.
type DirectoryPage struct {
	page *pages.RawPage
}

func NewDirectoryPage(page *pages.RawPage) *DirectoryPage {
	return &DirectoryPage{page: page}
}

func (d *DirectoryPage) data() []byte {
	return d.page.GetData()
}

func (d *DirectoryPage) GetPageId() int32 {
	return int32(binary.BigEndian.Uint32(d.data()[offPageID:]))
}

func (d *DirectoryPage) SetPageId(pageID int32) {
	binary.BigEndian.PutUint32(d.data()[offPageID:], uint32(pageID))
}

func (d *DirectoryPage) GetLSN() pages.LSN {
	return pages.LSN(binary.BigEndian.Uint32(d.data()[offLSN:]))
}

func (d *DirectoryPage) SetLSN(lsn pages.LSN) {
	binary.BigEndian.PutUint32(d.data()[offLSN:], uint32(lsn))
}

func (d *DirectoryPage) GetGlobalDepth() uint32 {
	return binary.BigEndian.Uint32(d.data()[offGlobalDepth:])
}

func (d *DirectoryPage) GetGlobalDepthMask() uint32 {
	return (1 << d.GetGlobalDepth()) - 1
}

func (d *DirectoryPage) IncrGlobalDepth() {
	depth := d.GetGlobalDepth()
	if depth >= MaxGlobalDepth {
		panic("directory cannot grow beyond its maximum depth")
	}
	binary.BigEndian.PutUint32(d.data()[offGlobalDepth:], depth+1)
}

// DecrGlobalDepth shrinks the directory by one level but never below depth 1.
func (d *DirectoryPage) DecrGlobalDepth() {
	if depth := d.GetGlobalDepth(); depth > 1 {
		binary.BigEndian.PutUint32(d.data()[offGlobalDepth:], depth-1)
	}
}

func (d *DirectoryPage) GetLocalDepth(idx uint32) uint32 {
	return uint32(d.data()[offLocalDepths+idx])
}

func (d *DirectoryPage) SetLocalDepth(idx uint32, depth uint8) {
	d.data()[offLocalDepths+idx] = depth
}

func (d *DirectoryPage) IncrLocalDepth(idx uint32) {
	d.data()[offLocalDepths+idx]++
}

func (d *DirectoryPage) DecrLocalDepth(idx uint32) {
	if d.data()[offLocalDepths+idx] > 1 {
		d.data()[offLocalDepths+idx]--
	}
}

func (d *DirectoryPage) GetLocalDepthMask(idx uint32) uint32 {
	return (1 << d.GetLocalDepth(idx)) - 1
}

func (d *DirectoryPage) GetBucketPageId(idx uint32) int32 {
	return int32(binary.BigEndian.Uint32(d.data()[offBucketPageIDs+4*idx:]))
}

func (d *DirectoryPage) SetBucketPageId(idx uint32, pageID int32) {
	binary.BigEndian.PutUint32(d.data()[offBucketPageIDs+4*idx:], uint32(pageID))
}

// GetLocalHighBit returns the bit that distinguishes the slot from its split
// image at the slot's local depth.
func (d *DirectoryPage) GetLocalHighBit(idx uint32) uint32 {
	return 1 << (d.GetLocalDepth(idx) - 1)
}

// GetSplitImageIndex returns the directory index this slot merges with.
func (d *DirectoryPage) GetSplitImageIndex(idx uint32) uint32 {
	return idx ^ d.GetLocalHighBit(idx)
}

// Size returns the number of addressable directory slots, 2^global_depth.
func (d *DirectoryPage) Size() uint32 {
	return 1 << d.GetGlobalDepth()
}

// CanShrink reports whether halving the directory would strand no bucket:
// true iff every local depth is strictly below the global depth. The
// directory never shrinks below depth 1.
func (d *DirectoryPage) CanShrink() bool {
	depth := d.GetGlobalDepth()
	if depth == 1 {
		return false
	}
	for i := uint32(0); i < d.Size(); i++ {
		if d.GetLocalDepth(i) == depth {
			return false
		}
	}
	return true
}

// LogContents dumps the directory slot by slot at debug level.
func (d *DirectoryPage) LogContents(logger *zap.Logger) {
	logger.Debug("======== directory ========", zap.Uint32("globalDepth", d.GetGlobalDepth()))
	for i := uint32(0); i < d.Size(); i++ {
		logger.Debug("directory slot",
			zap.Uint32("bucketIndex", i),
			zap.Int32("bucketPageID", d.GetBucketPageId(i)),
			zap.Uint32("localDepth", d.GetLocalDepth(i)))
	}
}

// VerifyIntegrity checks the directory invariants:
//
//	(1) every local depth <= global depth
//	(2) each distinct bucket page id appears exactly 2^(global-local) times
//	(3) slots sharing a bucket page id share a local depth
func (d *DirectoryPage) VerifyIntegrity() error {
	globalDepth := d.GetGlobalDepth()
	pageIDCount := map[int32]uint32{}
	pageIDDepth := map[int32]uint32{}

	for i := uint32(0); i < d.Size(); i++ {
		pageID := d.GetBucketPageId(i)
		localDepth := d.GetLocalDepth(i)

		if localDepth > globalDepth {
			return fmt.Errorf("slot %v has local depth %v above global depth %v", i, localDepth, globalDepth)
		}

		pageIDCount[pageID]++
		if known, ok := pageIDDepth[pageID]; ok {
			if known != localDepth {
				return fmt.Errorf("bucket page %v is pointed at with local depths %v and %v", pageID, known, localDepth)
			}
		} else {
			pageIDDepth[pageID] = localDepth
		}
	}

	for pageID, count := range pageIDCount {
		required := uint32(1) << (globalDepth - pageIDDepth[pageID])
		if count != required {
			return fmt.Errorf("bucket page %v has %v directory pointers, expected %v", pageID, count, required)
		}
	}
	return nil
}
