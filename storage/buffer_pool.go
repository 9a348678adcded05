package storage

import (
	"sync"

	"dbcore/common"
	"dbcore/replacer"
	humanize "github.com/dustin/go-humanize"
)

// BufferPoolInstance maps page ids to frames, mediating every bit of disk
// traffic behind pin/unpin semantics. A single latch serializes every public
// operation; there is no finer-grained locking inside one instance. Multiple
// instances may be composed (see ParallelBufferPoolManager) to shard the page
// id space and remove that contention across instances.
type BufferPoolInstance struct {
	mu sync.Mutex

	frames      []frame
	pageTable   map[common.PageID]common.FrameID
	freeList    []common.FrameID
	replacer    *replacer.LRU
	disk        DiskManager
	nextPageID  common.PageID
	numInstances int
	instanceIndex int
}

// NewBufferPoolInstance creates a pool of poolSize frames fronting disk. It is
// equivalent to NewParallelBufferPoolInstance(poolSize, disk, 1, 0).
func NewBufferPoolInstance(poolSize int, disk DiskManager) *BufferPoolInstance {
	return NewParallelBufferPoolInstance(poolSize, disk, 1, 0)
}

// NewParallelBufferPoolInstance creates one shard of a pool composed of
// numInstances instances. Page ids handed out by this instance always
// satisfy `page_id mod numInstances == instanceIndex`; the caller is
// responsible for routing a given page id to its owning instance.
func NewParallelBufferPoolInstance(poolSize int, disk DiskManager, numInstances, instanceIndex int) *BufferPoolInstance {
	common.Assert(numInstances > 0, "numInstances must be positive")
	common.Assert(instanceIndex >= 0 && instanceIndex < numInstances, "instanceIndex out of range")

	bp := &BufferPoolInstance{
		frames:        make([]frame, poolSize),
		pageTable:     make(map[common.PageID]common.FrameID, poolSize),
		freeList:      make([]common.FrameID, poolSize),
		replacer:      replacer.NewLRU(poolSize),
		disk:          disk,
		nextPageID:    common.PageID(instanceIndex),
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
	}
	for i := range bp.frames {
		bp.frames[i].pageID = common.InvalidPageID
		bp.freeList[i] = common.FrameID(i)
	}

	common.Logger().Info("buffer pool instance created",
		"pool_size", poolSize,
		"bytes", humanize.Bytes(uint64(poolSize)*uint64(common.PageSize)),
		"instance_index", instanceIndex,
		"num_instances", numInstances,
	)
	return bp
}

// allocFrame picks a victim frame for a new or fetched page: the free list
// first, then the replacer. If the chosen frame is resident and dirty it is
// flushed before its old identity is removed from the page table. Returns
// false if no frame is available (every resident page is pinned and the free
// list is empty).
func (bp *BufferPoolInstance) allocFrame() (common.FrameID, bool) {
	if n := len(bp.freeList); n > 0 {
		id := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return id, true
	}

	frameID, ok := bp.replacer.Victim()
	if !ok {
		return 0, false
	}

	f := &bp.frames[frameID]
	if f.dirty {
		if err := bp.disk.WritePage(f.pageID, f.page.Data[:]); err != nil {
			common.Logger().Error("evict: flush failed", "page_id", f.pageID, "err", err)
		}
	}
	delete(bp.pageTable, f.pageID)
	return frameID, true
}

// NewPage allocates a fresh page, pins it, and returns it. It fails only if
// every resident page is pinned (no frame can be reclaimed).
func (bp *BufferPoolInstance) NewPage() (common.PageID, *Page, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.allocFrame()
	if !ok {
		return common.InvalidPageID, nil, false
	}

	pageID := bp.nextPageID
	bp.nextPageID += common.PageID(bp.numInstances)
	common.Assert(int32(pageID)%int32(bp.numInstances) == int32(bp.instanceIndex),
		"allocated page id does not belong to this instance")

	f := &bp.frames[frameID]
	f.reset()
	f.pageID = pageID
	f.pinCount = 1
	f.dirty = false

	bp.pageTable[pageID] = frameID
	bp.replacer.Pin(frameID)
	return pageID, &f.page, true
}

// FetchPage pins and returns the page, reading it from disk if it isn't
// already resident. It fails only if the page must be loaded and no frame
// can be reclaimed.
func (bp *BufferPoolInstance) FetchPage(pageID common.PageID) (*Page, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameID, ok := bp.pageTable[pageID]; ok {
		f := &bp.frames[frameID]
		f.pinCount++
		bp.replacer.Pin(frameID)
		return &f.page, true
	}

	frameID, ok := bp.allocFrame()
	if !ok {
		return nil, false
	}

	f := &bp.frames[frameID]
	f.reset()
	f.pageID = pageID
	f.pinCount = 1
	f.dirty = false

	if err := bp.disk.ReadPage(pageID, f.page.Data[:]); err != nil {
		// Roll the frame back to unresident so it isn't left half-installed.
		f.reset()
		bp.freeList = append(bp.freeList, frameID)
		common.Logger().Error("fetch: read failed", "page_id", pageID, "err", err)
		return nil, false
	}

	bp.pageTable[pageID] = frameID
	bp.replacer.Pin(frameID)
	return &f.page, true
}

// UnpinPage releases one pin on pageID. isDirty is OR-ed into the frame's
// dirty flag -- it is never cleared here, only by FlushPage or eviction.
// Returns false if the page is not resident or already has a zero pin count.
func (bp *BufferPoolInstance) UnpinPage(pageID common.PageID, isDirty bool) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return false
	}
	f := &bp.frames[frameID]
	if f.pinCount == 0 {
		return false
	}

	f.pinCount--
	if isDirty {
		f.dirty = true
	}
	if f.pinCount == 0 {
		bp.replacer.Unpin(frameID)
	}
	return true
}

// FlushPage writes the page's bytes to disk and clears its dirty flag.
// Returns false if the page is not resident.
func (bp *BufferPoolInstance) FlushPage(pageID common.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return false
	}
	f := &bp.frames[frameID]
	if err := bp.disk.WritePage(pageID, f.page.Data[:]); err != nil {
		common.Logger().Error("flush failed", "page_id", pageID, "err", err)
		return false
	}
	f.dirty = false
	return true
}

// FlushAllPages flushes every resident page, dirty or not.
func (bp *BufferPoolInstance) FlushAllPages() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for pageID, frameID := range bp.pageTable {
		f := &bp.frames[frameID]
		if err := bp.disk.WritePage(pageID, f.page.Data[:]); err != nil {
			common.Logger().Error("flush all: failed", "page_id", pageID, "err", err)
			continue
		}
		f.dirty = false
	}
}

// DeletePage deallocates pageID on disk unconditionally, then removes it from
// the pool if resident. Returns false (without deallocating having any
// effect on pool state) if the page is resident and still pinned -- the
// caller must unpin it first.
func (bp *BufferPoolInstance) DeletePage(pageID common.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if err := bp.disk.DeallocatePage(pageID); err != nil {
		common.Logger().Error("delete: deallocate failed", "page_id", pageID, "err", err)
	}

	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return true
	}

	f := &bp.frames[frameID]
	if f.pinCount > 0 {
		return false
	}

	if f.dirty {
		if err := bp.disk.WritePage(pageID, f.page.Data[:]); err != nil {
			common.Logger().Error("delete: flush failed", "page_id", pageID, "err", err)
		}
	}

	delete(bp.pageTable, pageID)
	bp.replacer.Pin(frameID) // no-op if not tracked, but guarantees it's not left evictable
	f.reset()
	bp.freeList = append(bp.freeList, frameID)
	return true
}

// PoolSize returns the number of frames this instance manages.
func (bp *BufferPoolInstance) PoolSize() int {
	return len(bp.frames)
}

// InstanceIndex and NumInstances identify this instance's shard within a
// parallel pool (InstanceIndex==0, NumInstances==1 for a standalone instance).
func (bp *BufferPoolInstance) InstanceIndex() int { return bp.instanceIndex }
func (bp *BufferPoolInstance) NumInstances() int  { return bp.numInstances }
