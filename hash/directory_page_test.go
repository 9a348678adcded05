package hash

import (
	"testing"

	"dbcore/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryPageIncrGrowsAndCopiesEntries(t *testing.T) {
	d := newDirectoryPage()
	d.SetBucketPageID(0, common.PageID(1))
	d.SetLocalDepth(0, 0)

	d.IncrGlobalDepth()
	assert.Equal(t, 2, d.Size())
	assert.Equal(t, common.PageID(1), d.GetBucketPageID(1))
	assert.Equal(t, uint8(0), d.GetLocalDepth(1))
}

func TestDirectoryPageCanShrinkAndDecr(t *testing.T) {
	d := newDirectoryPage()
	d.SetLocalDepth(0, 0)
	d.IncrGlobalDepth()
	d.SetLocalDepth(0, 1)
	d.SetLocalDepth(1, 1)

	assert.False(t, d.CanShrink())
	d.SetLocalDepth(0, 0)
	d.SetLocalDepth(1, 0)
	assert.True(t, d.CanShrink())
	d.DecrGlobalDepth()
	assert.Equal(t, uint32(0), d.GetGlobalDepth())
}

func TestDirectoryPageKeyToDirectoryIndexMasksLowBits(t *testing.T) {
	d := newDirectoryPage()
	d.IncrGlobalDepth()
	d.IncrGlobalDepth() // global_depth = 2, mask = 0b11

	assert.Equal(t, 0b01, d.KeyToDirectoryIndex(0b1101))
	assert.Equal(t, 0b10, d.KeyToDirectoryIndex(0b0110))
}

func TestDirectoryPageGetSplitImageIndexFlipsNewBit(t *testing.T) {
	d := newDirectoryPage()
	d.SetLocalDepth(0, 2)
	assert.Equal(t, 2, d.GetSplitImageIndex(0))

	d.SetLocalDepth(3, 1)
	assert.Equal(t, 2, d.GetSplitImageIndex(3))
}

func TestDirectoryPageVerifyIntegrityCatchesLocalDepthOverflow(t *testing.T) {
	d := newDirectoryPage()
	d.SetLocalDepth(0, 1)
	require.Error(t, d.VerifyIntegrity())
}

func TestDirectoryPageVerifyIntegrityPassesForBalancedSplit(t *testing.T) {
	d := newDirectoryPage()
	d.SetBucketPageID(0, 1)
	d.IncrGlobalDepth()
	d.SetLocalDepth(0, 1)
	d.SetBucketPageID(1, 2)
	d.SetLocalDepth(1, 1)

	assert.NoError(t, d.VerifyIntegrity())
}

func TestDirectoryPageEncodeDecodeRoundTrips(t *testing.T) {
	d := newDirectoryPage()
	d.IncrGlobalDepth()
	d.SetBucketPageID(0, 7)
	d.SetBucketPageID(1, 8)
	d.SetLocalDepth(0, 1)
	d.SetLocalDepth(1, 1)

	buf := make([]byte, directoryEncodedSize)
	d.encode(buf)

	decoded := newDirectoryPage()
	decoded.decode(buf)
	assert.Equal(t, d.GetGlobalDepth(), decoded.GetGlobalDepth())
	assert.Equal(t, d.GetBucketPageID(0), decoded.GetBucketPageID(0))
	assert.Equal(t, d.GetBucketPageID(1), decoded.GetBucketPageID(1))
}
