// Package storage implements the paged buffer pool: the fixed-size in-memory
// cache of fixed-size disk pages that mediates all disk traffic for the
// engine, plus the disk-manager implementations it reads from and writes to.
package storage

import (
	"sync"

	"dbcore/common"
)

// Page is the fixed-size unit of storage, on disk and in memory. Its
// contents are opaque to the buffer pool: typed pages (the hash directory and
// bucket pages in package hash) reinterpret the same bytes.
type Page struct {
	// Data holds the raw bytes of the page. Callers of FetchPage/NewPage get
	// a pointer to the Page and read/write Data directly under Latch.
	Data [common.PageSize]byte
	// Latch serializes concurrent access to Data. It is independent of the
	// buffer pool's own latch: the buffer pool latch protects pin counts and
	// the page table, this latch protects page contents.
	Latch sync.RWMutex
}

// frame is a slot in the buffer pool holding one Page, plus the bookkeeping
// the pool needs to decide whether it can be evicted or reused.
type frame struct {
	page     Page
	pageID   common.PageID
	pinCount int
	dirty    bool
}

func (f *frame) reset() {
	f.pageID = common.InvalidPageID
	f.pinCount = 0
	f.dirty = false
	f.page.Data = [common.PageSize]byte{}
}
