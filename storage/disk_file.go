package storage

import (
	"fmt"
	"os"
	"sync"

	"dbcore/common"
	"github.com/ncw/directio"
	"github.com/tidwall/btree"
)

// FileDiskManager is a DiskManager backed by a single on-disk file, opened
// with O_DIRECT so reads and writes bypass the OS page cache -- the buffer
// pool above it is the only cache layer in this engine. common.PageSize must
// divide evenly into directio.BlockSize's alignment requirement, which holds
// for the standard 4096-byte page.
type FileDiskManager struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	numPages   int32
	freePageID *btree.BTreeG[int32]
}

// NewFileDiskManager opens (creating if necessary) the database file at path.
func NewFileDiskManager(path string) (*FileDiskManager, error) {
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open db file %q: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat db file %q: %w", path, err)
	}

	return &FileDiskManager{
		file:       file,
		path:       path,
		numPages:   int32(info.Size() / int64(common.PageSize)),
		freePageID: btree.NewBTreeG(func(a, b int32) bool { return a < b }),
	}, nil
}

// Close releases the underlying file descriptor.
func (d *FileDiskManager) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

func (d *FileDiskManager) offset(pageID common.PageID) int64 {
	return int64(pageID) * int64(common.PageSize)
}

// ReadPage reads the page at the given offset into buf, which must be
// exactly common.PageSize bytes. Direct I/O requires an aligned scratch
// buffer, so the read target is copied out of an aligned block.
func (d *FileDiskManager) ReadPage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buf must be exactly PageSize bytes")
	d.mu.Lock()
	defer d.mu.Unlock()

	if pageID < 0 || int32(pageID) >= d.numPages {
		return fmt.Errorf("read page %d: out of bounds (file has %d pages)", pageID, d.numPages)
	}

	block := directio.AlignedBlock(directio.BlockSize)
	if _, err := d.file.ReadAt(block, d.offset(pageID)); err != nil {
		return fmt.Errorf("read page %d: %w", pageID, err)
	}
	copy(buf, block[:common.PageSize])
	return nil
}

// WritePage writes buf (exactly common.PageSize bytes) at the page's offset.
func (d *FileDiskManager) WritePage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buf must be exactly PageSize bytes")
	d.mu.Lock()
	defer d.mu.Unlock()

	block := directio.AlignedBlock(directio.BlockSize)
	copy(block, buf)
	if _, err := d.file.WriteAt(block, d.offset(pageID)); err != nil {
		return fmt.Errorf("write page %d: %w", pageID, err)
	}
	if int32(pageID) >= d.numPages {
		d.numPages = int32(pageID) + 1
	}
	return nil
}

// AllocatePage reuses a deallocated page id if one is available, otherwise
// grows the file by one page.
func (d *FileDiskManager) AllocatePage() (common.PageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freePageID.Len() > 0 {
		id, _ := d.freePageID.PopMin()
		return common.PageID(id), nil
	}

	id := d.numPages
	newSize := int64(id+1) * int64(common.PageSize)
	if err := d.file.Truncate(newSize); err != nil {
		return common.InvalidPageID, fmt.Errorf("allocate page: %w", err)
	}
	d.numPages++
	return common.PageID(id), nil
}

// DeallocatePage records pageID as free so a future AllocatePage can reuse
// the slot. The file itself is not shrunk.
func (d *FileDiskManager) DeallocatePage(pageID common.PageID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freePageID.Set(int32(pageID))
	return nil
}
