package storage

import (
	"fmt"
	"sync"

	"dbcore/common"
	"github.com/dsnet/golib/memfile"
	"github.com/tidwall/btree"
)

// MemoryDiskManager is a DiskManager backed by an in-memory byte slice
// instead of a real file. It implements the same contract as FileDiskManager
// and is meant for tests and for short-lived in-process use: nothing it
// writes survives process exit.
type MemoryDiskManager struct {
	mu         sync.Mutex
	file       *memfile.File
	size       int64
	numPages   int32
	freePageID *btree.BTreeG[int32]
}

// NewMemoryDiskManager creates an empty in-memory disk.
func NewMemoryDiskManager() *MemoryDiskManager {
	return &MemoryDiskManager{
		file:       memfile.New(nil),
		freePageID: btree.NewBTreeG(func(a, b int32) bool { return a < b }),
	}
}

func (d *MemoryDiskManager) offset(pageID common.PageID) int64 {
	return int64(pageID) * int64(common.PageSize)
}

// ReadPage reads the page at pageID's offset into buf.
func (d *MemoryDiskManager) ReadPage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buf must be exactly PageSize bytes")
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := d.offset(pageID)
	if offset < 0 || offset+int64(common.PageSize) > d.size {
		return fmt.Errorf("read page %d: out of bounds", pageID)
	}
	if _, err := d.file.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("read page %d: %w", pageID, err)
	}
	return nil
}

// WritePage writes buf at pageID's offset, growing the logical size if needed.
func (d *MemoryDiskManager) WritePage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buf must be exactly PageSize bytes")
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := d.offset(pageID)
	if _, err := d.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write page %d: %w", pageID, err)
	}
	if end := offset + int64(len(buf)); end > d.size {
		d.size = end
	}
	return nil
}

// AllocatePage reuses a deallocated page id, otherwise hands out the next
// never-used id. It does not grow the logical size: a page becomes readable
// once WritePage has stored it.
func (d *MemoryDiskManager) AllocatePage() (common.PageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freePageID.Len() > 0 {
		id, _ := d.freePageID.PopMin()
		return common.PageID(id), nil
	}

	id := d.numPages
	d.numPages++
	return common.PageID(id), nil
}

// DeallocatePage records pageID as free for reuse.
func (d *MemoryDiskManager) DeallocatePage(pageID common.PageID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freePageID.Set(int32(pageID))
	return nil
}
