package common

import "fmt"

// RID identifies a tuple by the page that holds it and the tuple's slot in
// that page. A RID is the stable identity of a tuple; it orders by page id
// first, then slot.
type RID struct {
	PageID  int32
	SlotNum uint32
}

func NewRID(pageID int32, slotNum uint32) RID {
	return RID{PageID: pageID, SlotNum: slotNum}
}

// Get packs the RID into a single 64-bit key that preserves RID ordering.
func (r RID) Get() int64 {
	return int64(r.PageID)<<32 | int64(r.SlotNum)
}

func (r RID) String() string {
	return fmt.Sprintf("page_id: %v slot_num: %v", r.PageID, r.SlotNum)
}
