package hash

import (
	"fmt"

	"dbcore/common"
)

// MaxDepth bounds the global and local depths of a directory: the directory
// array never grows past 1<<MaxDepth entries. 9 is bustub's historical
// constant and keeps a full directory (global_depth + page ids + local
// depths) well inside one 4KB page.
const MaxDepth = 9

const directorySize = 1 << MaxDepth

// directoryEncodedSize is global_depth (int32) + bucket_page_ids
// ([directorySize]int32) + local_depths ([directorySize]byte).
const directoryEncodedSize = 4 + directorySize*4 + directorySize

// directoryPage is the in-memory view of the extendible hash directory: a
// global depth and, for each of the 2^MaxDepth possible slots, the bucket
// page id it currently routes to and that bucket's local depth. Only the
// first 2^global_depth entries are logically meaningful; Size reflects that.
type directoryPage struct {
	globalDepth   uint32
	bucketPageIDs [directorySize]common.PageID
	localDepths   [directorySize]uint8
}

func newDirectoryPage() *directoryPage {
	d := &directoryPage{}
	for i := range d.bucketPageIDs {
		d.bucketPageIDs[i] = common.InvalidPageID
	}
	return d
}

// Size is the logical directory length, 2^global_depth.
func (d *directoryPage) Size() int {
	return 1 << d.globalDepth
}

func (d *directoryPage) GetGlobalDepth() uint32 { return d.globalDepth }

func (d *directoryPage) GetLocalDepth(i int) uint8    { return d.localDepths[i] }
func (d *directoryPage) SetLocalDepth(i int, depth uint8) { d.localDepths[i] = depth }
func (d *directoryPage) IncrLocalDepth(i int)          { d.localDepths[i]++ }
func (d *directoryPage) DecrLocalDepth(i int)          { d.localDepths[i]-- }

func (d *directoryPage) GetBucketPageID(i int) common.PageID        { return d.bucketPageIDs[i] }
func (d *directoryPage) SetBucketPageID(i int, id common.PageID)    { d.bucketPageIDs[i] = id }

// KeyToDirectoryIndex maps an already-hashed key to its current directory
// slot: the low global_depth bits of the hash.
func (d *directoryPage) KeyToDirectoryIndex(h uint64) int {
	return int(h & uint64(d.Size()-1))
}

// GetSplitImageIndex flips the bit that distinguishes the two halves of the
// bucket that previously lived at index i, before or after its split.
func (d *directoryPage) GetSplitImageIndex(i int) int {
	return i ^ (1 << (d.localDepths[i] - 1))
}

// CanShrink reports whether no entry still needs the full global depth, the
// precondition for DecrGlobalDepth.
func (d *directoryPage) CanShrink() bool {
	for i := 0; i < d.Size(); i++ {
		if d.localDepths[i] == uint8(d.globalDepth) {
			return false
		}
	}
	return true
}

// IncrGlobalDepth doubles the directory, copying entries [0, Size) into the
// new upper half. Local depths are unchanged; only global_depth and the
// logical Size grow.
func (d *directoryPage) IncrGlobalDepth() {
	common.Assert(d.globalDepth < MaxDepth, "directory already at MaxDepth")
	oldSize := d.Size()
	d.globalDepth++
	for i := 0; i < oldSize; i++ {
		d.bucketPageIDs[oldSize+i] = d.bucketPageIDs[i]
		d.localDepths[oldSize+i] = d.localDepths[i]
	}
}

// DecrGlobalDepth halves the directory. The caller must have verified
// CanShrink first.
func (d *directoryPage) DecrGlobalDepth() {
	common.Assert(d.globalDepth > 0, "cannot shrink below global depth 0")
	common.Assert(d.CanShrink(), "DecrGlobalDepth called without CanShrink")
	d.globalDepth--
}

// VerifyIntegrity checks the three directory invariants: every local depth
// is at most the global depth, every bucket page is pointed to by exactly
// 2^(global_depth - local_depth) entries, and all entries sharing a bucket
// page agree on local depth.
func (d *directoryPage) VerifyIntegrity() error {
	counts := make(map[common.PageID]int)
	depths := make(map[common.PageID]uint8)
	for i := 0; i < d.Size(); i++ {
		if d.localDepths[i] > uint8(d.globalDepth) {
			return fmt.Errorf("directory index %d has local depth %d exceeding global depth %d", i, d.localDepths[i], d.globalDepth)
		}
		id := d.bucketPageIDs[i]
		counts[id]++
		if prev, ok := depths[id]; ok && prev != d.localDepths[i] {
			return fmt.Errorf("bucket page %d has inconsistent local depths %d and %d", id, prev, d.localDepths[i])
		}
		depths[id] = d.localDepths[i]
	}
	for id, count := range counts {
		want := 1 << (uint8(d.globalDepth) - depths[id])
		if count != want {
			return fmt.Errorf("bucket page %d has %d directory entries, want %d", id, count, want)
		}
	}
	return nil
}

func (d *directoryPage) encode(buf []byte) {
	putInt32(buf, int32(d.globalDepth))
	off := 4
	for i := 0; i < directorySize; i++ {
		putInt32(buf[off:], int32(d.bucketPageIDs[i]))
		off += 4
	}
	for i := 0; i < directorySize; i++ {
		buf[off] = d.localDepths[i]
		off++
	}
}

func (d *directoryPage) decode(buf []byte) {
	d.globalDepth = uint32(getInt32(buf))
	off := 4
	for i := 0; i < directorySize; i++ {
		d.bucketPageIDs[i] = common.PageID(getInt32(buf[off:]))
		off += 4
	}
	for i := 0; i < directorySize; i++ {
		d.localDepths[i] = buf[off]
		off++
	}
}
