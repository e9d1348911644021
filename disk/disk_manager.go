package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const PageSize int = 4096

const InvalidPageID int32 = -1

// FlushInstantly should normally be set to true. If it is false then data might
// be lost even after a successful write operation when power loss occurs before
// os flushes its io buffers. But when it is false, tests run a lot faster
// thanks to io scheduling of os, so for development it is left off.
const FlushInstantly bool = false

var ErrInvalidPageID = errors.New("page id is not a valid allocated page id")

// IDiskManager reads and writes physical pages of the db file. Page id
// allocation is not its job; buffer pool instances hand out page ids with
// their stride allocators and only report deallocations back here.
type IDiskManager interface {
	ReadPage(pageID int32, dest []byte) error
	WritePage(pageID int32, data []byte) error
	DeallocatePage(pageID int32)
	Close() error
}

var _ IDiskManager = &Manager{}

type Manager struct {
	file        *os.File
	filename    string
	mu          sync.Mutex
	deallocated map[int32]struct{}
	logger      *zap.Logger
}

func NewDiskManager(file string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, err
	}

	stats, err := f.Stat()
	if err != nil {
		return nil, err
	}
	logger.Info("db file is opened", zap.String("file", file), zap.Int64("size", stats.Size()))

	return &Manager{
		file:        f,
		filename:    file,
		deallocated: map[int32]struct{}{},
		logger:      logger,
	}, nil
}

// ReadPage reads the page's content into dest which must be PageSize long.
// Stride allocation leaves holes in the file, and a freshly allocated page
// might be fetched before anything was ever written to it. Both cases read as
// an all-zero page.
func (d *Manager) ReadPage(pageID int32, dest []byte) error {
	if pageID < 0 {
		return ErrInvalidPageID
	}
	if len(dest) != PageSize {
		return fmt.Errorf("destination buffer is %v bytes, a page is %v", len(dest), PageSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.file.ReadAt(dest, int64(pageID)*int64(PageSize))
	if err == io.EOF {
		for i := n; i < PageSize; i++ {
			dest[i] = 0
		}
		return nil
	}

	return err
}

func (d *Manager) WritePage(pageID int32, data []byte) error {
	if pageID < 0 {
		return ErrInvalidPageID
	}
	if len(data) != PageSize {
		return fmt.Errorf("page data is %v bytes, a page is %v", len(data), PageSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.file.WriteAt(data, int64(pageID)*int64(PageSize))
	if err != nil {
		return err
	}
	if n != PageSize {
		panic("written bytes are not equal to page size")
	}

	if FlushInstantly {
		if err := d.file.Sync(); err != nil {
			return err
		}
	}

	return nil
}

// DeallocatePage marks the page as free. Allocation is monotone per buffer
// pool instance, so freed ids are never handed out again; the mark exists so
// callers can audit the page's lifecycle.
func (d *Manager) DeallocatePage(pageID int32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deallocated[pageID] = struct{}{}
}

// IsDeallocated reports whether the page was deallocated at some point.
func (d *Manager) IsDeallocated(pageID int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.deallocated[pageID]
	return ok
}

func (d *Manager) Close() error {
	return d.file.Close()
}
