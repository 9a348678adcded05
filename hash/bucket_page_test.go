package hash

import (
	"testing"

	"dbcore/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketPageInsertGetRemove(t *testing.T) {
	b := newBucketPage(4)
	rid := func(page, slot int32) common.RID { return common.RID{Page: common.PageID(page), Slot: slot} }

	require.True(t, b.Insert(1, rid(10, 0)))
	require.True(t, b.Insert(2, rid(20, 0)))
	assert.Equal(t, []common.RID{rid(10, 0)}, b.Get(1))
	assert.Equal(t, 2, b.NumReadable())

	require.True(t, b.Remove(1, rid(10, 0)))
	assert.Empty(t, b.Get(1))
	assert.Equal(t, 1, b.NumReadable())
	assert.False(t, b.IsEmpty())

	require.True(t, b.Remove(2, rid(20, 0)))
	assert.True(t, b.IsEmpty())
}

func TestBucketPageRejectsDuplicateInsert(t *testing.T) {
	b := newBucketPage(4)
	rid := common.RID{Page: 1, Slot: 0}
	require.True(t, b.Insert(5, rid))
	assert.False(t, b.Insert(5, rid))
	assert.Equal(t, 1, b.NumReadable())
}

func TestBucketPageIsFullAndRejectsOverflow(t *testing.T) {
	b := newBucketPage(2)
	require.True(t, b.Insert(1, common.RID{Page: 1}))
	assert.False(t, b.IsFull())
	require.True(t, b.Insert(2, common.RID{Page: 2}))
	assert.True(t, b.IsFull())
	assert.False(t, b.Insert(3, common.RID{Page: 3}))
}

func TestBucketPageRemoveLeavesOccupiedTombstone(t *testing.T) {
	b := newBucketPage(4)
	rid := common.RID{Page: 1}
	require.True(t, b.Insert(7, rid))
	require.True(t, b.Remove(7, rid))

	assert.True(t, b.IsOccupied(0))
	assert.False(t, b.IsReadable(0))
	// A later insert still finds the tombstoned slot 0 a usable candidate.
	require.True(t, b.Insert(8, common.RID{Page: 2}))
	assert.Equal(t, uint64(8), b.KeyAt(0))
}

func TestBucketPageEncodeDecodeRoundTrips(t *testing.T) {
	b := newBucketPage(4)
	require.True(t, b.Insert(1, common.RID{Page: 10, Slot: 3}))
	require.True(t, b.Insert(2, common.RID{Page: 20, Slot: 4}))

	buf := make([]byte, bucketEncodedSize(4))
	b.encode(buf)

	decoded := newBucketPage(4)
	decoded.decode(buf)
	assert.Equal(t, b.Get(1), decoded.Get(1))
	assert.Equal(t, b.Get(2), decoded.Get(2))
	assert.Equal(t, b.NumReadable(), decoded.NumReadable())
}
