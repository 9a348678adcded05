// Package hash implements a disk-backed extendible hash index on top of the
// storage package's buffer pool: a directory page routing hashed keys to
// bucket pages, growing and shrinking the directory as buckets split and
// merge.
package hash

import (
	"fmt"
	"sync"

	"dbcore/common"
	"dbcore/storage"
	"github.com/cespare/xxhash/v2"
)

// pager is the slice of storage.BufferPoolInstance (and
// storage.ParallelBufferPoolManager) that the hash table needs. Declaring it
// locally, rather than depending on a concrete buffer pool type, keeps the
// table usable against either.
type pager interface {
	NewPage() (common.PageID, *storage.Page, bool)
	FetchPage(pageID common.PageID) (*storage.Page, bool)
	UnpinPage(pageID common.PageID, isDirty bool) bool
	DeletePage(pageID common.PageID) bool
}

// Table is a hash index keyed by uint64 (the caller hashes or otherwise
// reduces its own key type to this before calling) with common.RID values --
// the concrete instantiation exercised by record lookups elsewhere in the
// engine. A table-wide latch guards directory structure; bucket contents are
// protected by each page's own latch, acquired independently.
type Table struct {
	latch sync.RWMutex

	bp              pager
	dirPageID       common.PageID
	bucketArraySize int
	hashFn          func(uint64) uint64
}

// defaultBucketArraySize sizes a bucket so its encoded form fits one page
// with default MaxDepth-sized headers; production callers should use this.
// Tests exercising splits with a handful of keys use NewTableWithBucketSize
// to get a small, easy-to-overflow bucket instead.
const defaultBucketArraySize = 128

// NewTable creates an empty hash table: one directory page (global_depth 0)
// pointing at a single empty bucket page.
func NewTable(bp pager) (*Table, error) {
	return NewTableWithBucketSize(bp, defaultBucketArraySize)
}

// NewTableWithBucketSize is NewTable with an explicit BUCKET_ARRAY_SIZE,
// primarily so tests can force splits with a small number of keys.
func NewTableWithBucketSize(bp pager, bucketArraySize int) (*Table, error) {
	common.Assert(bucketArraySize > 0, "bucketArraySize must be positive")

	dirPageID, dirPage, ok := bp.NewPage()
	if !ok {
		return nil, fmt.Errorf("hash: could not allocate directory page")
	}
	bucketPageID, bucketPage, ok := bp.NewPage()
	if !ok {
		bp.UnpinPage(dirPageID, false)
		bp.DeletePage(dirPageID)
		return nil, fmt.Errorf("hash: could not allocate initial bucket page")
	}

	dir := newDirectoryPage()
	dir.SetBucketPageID(0, bucketPageID)
	dir.SetLocalDepth(0, 0)
	dir.encode(dirPage.Data[:directoryEncodedSize])

	empty := newBucketPage(bucketArraySize)
	empty.encode(bucketPage.Data[:bucketEncodedSize(bucketArraySize)])

	bp.UnpinPage(dirPageID, true)
	bp.UnpinPage(bucketPageID, true)

	return &Table{bp: bp, dirPageID: dirPageID, bucketArraySize: bucketArraySize, hashFn: xxhashKey}, nil
}

// xxhashKey is the default hash function: xxhash over the key's 8
// little-endian bytes, giving a well-distributed 64-bit spread regardless of
// how the caller's keys cluster.
func xxhashKey(key uint64) uint64 {
	var buf [8]byte
	putUint64(buf[:], key)
	return xxhash.Sum64(buf[:])
}

// fetchDirectory fetches and decodes the directory page. Callers must unpin
// it (dirty if mutated) when done.
func (t *Table) fetchDirectory() (*storage.Page, *directoryPage, error) {
	page, ok := t.bp.FetchPage(t.dirPageID)
	if !ok {
		return nil, nil, fmt.Errorf("hash: directory page %d not fetchable", t.dirPageID)
	}
	dir := newDirectoryPage()
	dir.decode(page.Data[:directoryEncodedSize])
	return page, dir, nil
}

func (t *Table) fetchBucket(pageID common.PageID) (*storage.Page, *bucketPage, error) {
	page, ok := t.bp.FetchPage(pageID)
	if !ok {
		return nil, nil, fmt.Errorf("hash: bucket page %d not fetchable", pageID)
	}
	b := newBucketPage(t.bucketArraySize)
	b.decode(page.Data[:bucketEncodedSize(t.bucketArraySize)])
	return page, b, nil
}

// GetValue returns every value stored under key. txn is passed through only
// for logging; it does not influence the index's locking, which is governed
// entirely by the table and page latches.
func (t *Table) GetValue(txn common.TransactionID, key uint64) ([]common.RID, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()

	_, dir, err := t.fetchDirectory()
	if err != nil {
		return nil, err
	}
	defer t.bp.UnpinPage(t.dirPageID, false)

	idx := dir.KeyToDirectoryIndex(t.hashFn(key))
	bucketPageID := dir.GetBucketPageID(idx)

	bucketPage, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		return nil, err
	}
	bucketPage.Latch.RLock()
	values := bucket.Get(key)
	bucketPage.Latch.RUnlock()
	t.bp.UnpinPage(bucketPageID, false)
	return values, nil
}

// Insert adds (key, value). Returns false if the identical pair is already
// present. Splits the target bucket (possibly repeatedly) and retries if it
// was full. txn is passed through only for logging.
func (t *Table) Insert(txn common.TransactionID, key uint64, value common.RID) (bool, error) {
	for {
		t.latch.RLock()
		_, dir, err := t.fetchDirectory()
		if err != nil {
			t.latch.RUnlock()
			return false, err
		}

		idx := dir.KeyToDirectoryIndex(t.hashFn(key))
		bucketPageID := dir.GetBucketPageID(idx)
		t.bp.UnpinPage(t.dirPageID, false)

		bucketPage, bucket, err := t.fetchBucket(bucketPageID)
		if err != nil {
			t.latch.RUnlock()
			return false, err
		}

		bucketPage.Latch.Lock()
		full := bucket.IsFull()
		if !full {
			ok := bucket.Insert(key, value)
			bucket.encode(bucketPage.Data[:bucketEncodedSize(t.bucketArraySize)])
			bucketPage.Latch.Unlock()
			t.bp.UnpinPage(bucketPageID, true)
			t.latch.RUnlock()
			return ok, nil
		}
		bucketPage.Latch.Unlock()
		t.bp.UnpinPage(bucketPageID, false)
		t.latch.RUnlock()

		if err := t.splitInsert(txn, key, value); err != nil {
			return false, err
		}
		// retry Insert from the top: the directory may have changed shape.
	}
}

// splitInsert grows the target bucket's local depth (and the directory's
// global depth, if the bucket was already at it), allocates a sibling
// "image" bucket, and redistributes the original bucket's live pairs between
// the two according to the newly significant hash bit.
func (t *Table) splitInsert(txn common.TransactionID, key uint64, value common.RID) error {
	t.latch.Lock()
	defer t.latch.Unlock()

	dirPage, dir, err := t.fetchDirectory()
	if err != nil {
		return err
	}
	dirDirty := false
	defer func() { t.bp.UnpinPage(t.dirPageID, dirDirty) }()

	idx := dir.KeyToDirectoryIndex(t.hashFn(key))
	bucketPageID := dir.GetBucketPageID(idx)
	ld := dir.GetLocalDepth(idx)

	if int(ld) == int(dir.GetGlobalDepth()) {
		if dir.GetGlobalDepth() >= MaxDepth {
			return fmt.Errorf("hash: directory at MaxDepth, cannot split further")
		}
		dir.IncrGlobalDepth()
	}

	bucketPage, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		return err
	}

	bucketPage.Latch.Lock()
	saved := bucket.entries()
	bucket.clear()
	bucketPage.Latch.Unlock()

	imagePageID, imagePage, ok := t.bp.NewPage()
	if !ok {
		t.bp.UnpinPage(bucketPageID, false)
		return fmt.Errorf("hash: could not allocate split-image bucket page")
	}
	image := newBucketPage(t.bucketArraySize)

	newLD := ld + 1
	// Every directory index congruent to idx modulo 2^ld currently points at
	// bucketPageID (they were all siblings before this split). Split them
	// between the original bucket and the image by the bit that local depth
	// newLD just made significant.
	mod := 1 << ld
	splitBit := 1 << ld
	for j := 0; j < dir.Size(); j++ {
		if j%mod != idx%mod {
			continue
		}
		if j&splitBit != 0 {
			dir.SetBucketPageID(j, imagePageID)
		} else {
			dir.SetBucketPageID(j, bucketPageID)
		}
		dir.SetLocalDepth(j, newLD)
	}

	bucketPage.Latch.Lock()
	for _, p := range saved {
		target := bucket
		if dir.KeyToDirectoryIndex(t.hashFn(p.key))&splitBit != 0 {
			target = image
		}
		target.Insert(p.key, p.value)
	}
	bucket.encode(bucketPage.Data[:bucketEncodedSize(t.bucketArraySize)])
	image.encode(imagePage.Data[:bucketEncodedSize(t.bucketArraySize)])
	bucketPage.Latch.Unlock()

	t.bp.UnpinPage(bucketPageID, true)
	t.bp.UnpinPage(imagePageID, true)
	dir.encode(dirPage.Data[:directoryEncodedSize])
	dirDirty = true

	common.Logger().Debug("hash: bucket split",
		"txn", txn, "directory_index", idx, "bucket_page_id", bucketPageID,
		"image_page_id", imagePageID, "new_local_depth", newLD, "global_depth", dir.GetGlobalDepth())
	return nil
}

// Remove deletes (key, value). If the bucket becomes empty, attempts to
// merge it with its split image. txn is passed through only for logging.
func (t *Table) Remove(txn common.TransactionID, key uint64, value common.RID) (bool, error) {
	t.latch.RLock()
	_, dir, err := t.fetchDirectory()
	if err != nil {
		t.latch.RUnlock()
		return false, err
	}
	idx := dir.KeyToDirectoryIndex(t.hashFn(key))
	bucketPageID := dir.GetBucketPageID(idx)
	t.bp.UnpinPage(t.dirPageID, false)

	bucketPage, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.latch.RUnlock()
		return false, err
	}

	bucketPage.Latch.Lock()
	removed := bucket.Remove(key, value)
	empty := bucket.IsEmpty()
	if removed {
		bucket.encode(bucketPage.Data[:bucketEncodedSize(t.bucketArraySize)])
	}
	bucketPage.Latch.Unlock()
	t.bp.UnpinPage(bucketPageID, removed)
	t.latch.RUnlock()

	if removed && empty {
		if err := t.merge(txn, idx); err != nil {
			return true, err
		}
	}
	return removed, nil
}

// merge folds the (now empty) bucket at directory index idx into its split
// image, then shrinks the directory as far as CanShrink allows. Aborts
// (silently) if the merge preconditions no longer
// hold -- a concurrent inserter may have repopulated the bucket, or it may
// already be at local depth 0. txn is passed through only for logging.
func (t *Table) merge(txn common.TransactionID, idx int) error {
	t.latch.Lock()
	defer t.latch.Unlock()

	dirPage, dir, err := t.fetchDirectory()
	if err != nil {
		return err
	}
	dirDirty := false
	defer func() { t.bp.UnpinPage(t.dirPageID, dirDirty) }()

	ld := dir.GetLocalDepth(idx)
	if ld == 0 {
		return nil
	}
	imageIdx := dir.GetSplitImageIndex(idx)
	if dir.GetLocalDepth(imageIdx) != ld {
		return nil
	}

	targetPageID := dir.GetBucketPageID(idx)
	imagePageID := dir.GetBucketPageID(imageIdx)

	targetPage, target, err := t.fetchBucket(targetPageID)
	if err != nil {
		return err
	}
	targetPage.Latch.RLock()
	stillEmpty := target.IsEmpty()
	targetPage.Latch.RUnlock()
	t.bp.UnpinPage(targetPageID, false)
	if !stillEmpty {
		return nil
	}

	t.bp.DeletePage(targetPageID)

	for j := 0; j < dir.Size(); j++ {
		if id := dir.GetBucketPageID(j); id == targetPageID || id == imagePageID {
			dir.SetBucketPageID(j, imagePageID)
			dir.SetLocalDepth(j, ld-1)
		}
	}

	for dir.CanShrink() && dir.GetGlobalDepth() > 0 {
		dir.DecrGlobalDepth()
	}

	dir.encode(dirPage.Data[:directoryEncodedSize])
	dirDirty = true

	common.Logger().Debug("hash: bucket merged",
		"txn", txn, "directory_index", idx, "image_index", imageIdx,
		"deleted_page_id", targetPageID, "global_depth", dir.GetGlobalDepth())
	return nil
}

// GetGlobalDepth returns the directory's current global depth.
func (t *Table) GetGlobalDepth() (uint32, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()
	_, dir, err := t.fetchDirectory()
	if err != nil {
		return 0, err
	}
	defer t.bp.UnpinPage(t.dirPageID, false)
	return dir.GetGlobalDepth(), nil
}

// VerifyIntegrity checks the directory invariants (see directoryPage).
func (t *Table) VerifyIntegrity() error {
	t.latch.RLock()
	defer t.latch.RUnlock()
	_, dir, err := t.fetchDirectory()
	if err != nil {
		return err
	}
	defer t.bp.UnpinPage(t.dirPageID, false)
	return dir.VerifyIntegrity()
}

// CanShrink reports whether the directory could currently shrink (exposed
// mainly for tests asserting post-merge shape).
func (t *Table) CanShrink() (bool, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()
	_, dir, err := t.fetchDirectory()
	if err != nil {
		return false, err
	}
	defer t.bp.UnpinPage(t.dirPageID, false)
	return dir.CanShrink(), nil
}
