package storage

import (
	"sync/atomic"

	"dbcore/common"
)

// ParallelBufferPoolManager composes several independently-latched
// BufferPoolInstances. Page id p is always owned by instance p mod N: there
// is no cross-instance coordination, so contention on one hot page range
// never blocks callers working a different range.
type ParallelBufferPoolManager struct {
	instances []*BufferPoolInstance
	nextStart atomic.Uint64
}

// NewParallelBufferPoolManager creates numInstances instances of poolSize
// frames each, all backed by the same disk manager.
func NewParallelBufferPoolManager(numInstances, poolSize int, disk DiskManager) *ParallelBufferPoolManager {
	common.Assert(numInstances > 0, "numInstances must be positive")
	instances := make([]*BufferPoolInstance, numInstances)
	for i := range instances {
		instances[i] = NewParallelBufferPoolInstance(poolSize, disk, numInstances, i)
	}
	return &ParallelBufferPoolManager{instances: instances}
}

func (p *ParallelBufferPoolManager) owner(pageID common.PageID) *BufferPoolInstance {
	idx := int(int32(pageID)) % len(p.instances)
	if idx < 0 {
		idx += len(p.instances)
	}
	return p.instances[idx]
}

// NewPage allocates a page, trying instances in round-robin order; each call
// starts one instance further along than the call before it, whichever
// instance ended up serving that call. This spreads allocations across
// instances instead of always favoring the first one that happens to have
// room.
func (p *ParallelBufferPoolManager) NewPage() (common.PageID, *Page, bool) {
	n := len(p.instances)
	start := int(p.nextStart.Add(1)-1) % n
	for i := 0; i < n; i++ {
		inst := p.instances[(start+i)%n]
		if pageID, page, ok := inst.NewPage(); ok {
			return pageID, page, true
		}
	}
	return common.InvalidPageID, nil, false
}

// FetchPage routes to the instance that owns pageID.
func (p *ParallelBufferPoolManager) FetchPage(pageID common.PageID) (*Page, bool) {
	return p.owner(pageID).FetchPage(pageID)
}

// UnpinPage routes to the instance that owns pageID.
func (p *ParallelBufferPoolManager) UnpinPage(pageID common.PageID, isDirty bool) bool {
	return p.owner(pageID).UnpinPage(pageID, isDirty)
}

// FlushPage routes to the instance that owns pageID.
func (p *ParallelBufferPoolManager) FlushPage(pageID common.PageID) bool {
	return p.owner(pageID).FlushPage(pageID)
}

// FlushAllPages flushes every instance.
func (p *ParallelBufferPoolManager) FlushAllPages() {
	for _, inst := range p.instances {
		inst.FlushAllPages()
	}
}

// DeletePage routes to the instance that owns pageID.
func (p *ParallelBufferPoolManager) DeletePage(pageID common.PageID) bool {
	return p.owner(pageID).DeletePage(pageID)
}

// NumInstances returns the number of instances composing this pool.
func (p *ParallelBufferPoolManager) NumInstances() int {
	return len(p.instances)
}
