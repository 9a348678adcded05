package hash

import "dbcore/common"

// pairSize is the encoded size of one (key, value) slot: an 8-byte key and
// an 8-byte RID (PageID + Slot, both int32).
const pairSize = 16

// bucketHeaderBytes returns the number of bytes needed for one of the two
// bitmaps (occupied, readable) covering n slots.
func bucketHeaderBytes(n int) int {
	return (n-1)/8 + 1
}

// bucketPage is the in-memory view of one extendible-hash bucket: a fixed
// array of (key, value) slots plus two parallel bitmaps. occupied[i] marks
// that slot i has held a pair since the bucket was last cleared; readable[i]
// marks that slot i currently holds a live pair. readable[i] implies
// occupied[i]. Once a bucket is live, occupied bits form a contiguous prefix
// from index 0, so a scan may stop at the first !occupied[i].
//
// All methods assume the caller holds the page's latch; there is no locking
// here.
type bucketPage struct {
	size     int
	occupied []byte
	readable []byte
	keys     []uint64
	values   []common.RID
}

func newBucketPage(size int) *bucketPage {
	return &bucketPage{
		size:     size,
		occupied: make([]byte, bucketHeaderBytes(size)),
		readable: make([]byte, bucketHeaderBytes(size)),
		keys:     make([]uint64, size),
		values:   make([]common.RID, size),
	}
}

func (b *bucketPage) IsOccupied(i int) bool {
	return b.occupied[i/8]&(1<<(uint(i)%8)) != 0
}

func (b *bucketPage) setOccupied(i int) {
	b.occupied[i/8] |= 1 << (uint(i) % 8)
}

func (b *bucketPage) IsReadable(i int) bool {
	return b.readable[i/8]&(1<<(uint(i)%8)) != 0
}

func (b *bucketPage) setReadable(i int) {
	b.readable[i/8] |= 1 << (uint(i) % 8)
}

func (b *bucketPage) clearReadable(i int) {
	b.readable[i/8] &^= 1 << (uint(i) % 8)
}

func (b *bucketPage) KeyAt(i int) uint64      { return b.keys[i] }
func (b *bucketPage) ValueAt(i int) common.RID { return b.values[i] }

// Get returns every live (key, value) pair whose key equals key.
func (b *bucketPage) Get(key uint64) []common.RID {
	var out []common.RID
	for i := 0; i < b.size && b.IsOccupied(i); i++ {
		if b.IsReadable(i) && b.keys[i] == key {
			out = append(out, b.values[i])
		}
	}
	return out
}

// Insert writes (key, value) into the first free slot. Returns false if the
// identical pair is already present (readable) or the bucket is full.
func (b *bucketPage) Insert(key uint64, value common.RID) bool {
	candidate := -1
	i := 0
	for ; i < b.size && b.IsOccupied(i); i++ {
		if b.IsReadable(i) {
			if b.keys[i] == key && b.values[i] == value {
				return false
			}
		} else if candidate < 0 {
			candidate = i
		}
	}
	if candidate < 0 {
		if i >= b.size {
			return false
		}
		candidate = i
	}
	b.keys[candidate] = key
	b.values[candidate] = value
	b.setOccupied(candidate)
	b.setReadable(candidate)
	return true
}

// Remove clears the readable bit of the slot holding (key, value), leaving
// occupied set as a tombstone. Returns whether a slot was cleared.
func (b *bucketPage) Remove(key uint64, value common.RID) bool {
	for i := 0; i < b.size && b.IsOccupied(i); i++ {
		if b.IsReadable(i) && b.keys[i] == key && b.values[i] == value {
			b.clearReadable(i)
			return true
		}
	}
	return false
}

func (b *bucketPage) IsFull() bool {
	i := 0
	for ; i < b.size && b.IsOccupied(i); i++ {
	}
	return i == b.size
}

func (b *bucketPage) IsEmpty() bool {
	return b.NumReadable() == 0
}

func (b *bucketPage) NumReadable() int {
	n := 0
	for i := 0; i < b.size && b.IsOccupied(i); i++ {
		if b.IsReadable(i) {
			n++
		}
	}
	return n
}

type pair struct {
	key   uint64
	value common.RID
}

// entries returns every live pair, for redistribution during a split.
func (b *bucketPage) entries() []pair {
	var out []pair
	for i := 0; i < b.size && b.IsOccupied(i); i++ {
		if b.IsReadable(i) {
			out = append(out, pair{b.keys[i], b.values[i]})
		}
	}
	return out
}

// clear resets every slot to unoccupied, for reuse as a split target.
func (b *bucketPage) clear() {
	for i := range b.occupied {
		b.occupied[i] = 0
		b.readable[i] = 0
	}
}

// encode serializes the bucket into buf (which must be at least the size
// bucketEncodedSize(b.size) bytes).
func (b *bucketPage) encode(buf []byte) {
	off := 0
	off += copy(buf[off:], b.occupied)
	off += copy(buf[off:], b.readable)
	for i := 0; i < b.size; i++ {
		putUint64(buf[off:], b.keys[i])
		off += 8
		putInt32(buf[off:], int32(b.values[i].Page))
		off += 4
		putInt32(buf[off:], b.values[i].Slot)
		off += 4
	}
}

// decode populates b from buf, the inverse of encode.
func (b *bucketPage) decode(buf []byte) {
	off := 0
	off += copy(b.occupied, buf[off:off+len(b.occupied)])
	off += copy(b.readable, buf[off:off+len(b.readable)])
	for i := 0; i < b.size; i++ {
		b.keys[i] = getUint64(buf[off:])
		off += 8
		page := getInt32(buf[off:])
		off += 4
		slot := getInt32(buf[off:])
		off += 4
		b.values[i] = common.RID{Page: common.PageID(page), Slot: slot}
	}
}

func bucketEncodedSize(size int) int {
	return 2*bucketHeaderBytes(size) + size*pairSize
}
