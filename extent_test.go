package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestInode allocates an inode with an empty extent root.
func newTestInode(t *testing.T, fs *Ext4) InodeRef {
	t.Helper()
	id, err := fs.allocInode(0, false)
	require.NoError(t, err)
	ref := fs.newInode(id, S_IFREG|0o644, 0, 0)
	require.NoError(t, fs.writeInode(ref))
	return ref
}

func TestExtentLookupEmptyTree(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	_, mapped, err := fs.extLookup(ref.Inode, 0)
	require.NoError(t, err)
	assert.False(t, mapped)
}

func TestExtentInsertMergesContiguous(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	// Sequential logical blocks onto sequential physical blocks collapse
	// into one extent.
	first, err := fs.allocBlock(3000)
	require.NoError(t, err)
	require.NoError(t, fs.extInsert(ref, 0, first))
	for lb := LBlockId(1); lb < 10; lb++ {
		pb, err := fs.allocBlock(first + PBlockId(lb))
		require.NoError(t, err)
		require.Equal(t, first+PBlockId(lb), pb)
		require.NoError(t, fs.extInsert(ref, lb, pb))
	}

	h := extDecodeHeader(ref.Inode.Block[:])
	assert.Equal(t, uint16(1), h.Entries)
	assert.Equal(t, uint16(0), h.Depth)

	for lb := LBlockId(0); lb < 10; lb++ {
		pb, mapped, err := fs.extLookup(ref.Inode, lb)
		require.NoError(t, err)
		require.True(t, mapped)
		assert.Equal(t, first+PBlockId(lb), pb)
	}
}

func TestExtentSparseInsertAndHoles(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	pb, err := fs.allocBlock(0)
	require.NoError(t, err)
	require.NoError(t, fs.extInsert(ref, 100, pb))

	got, mapped, err := fs.extLookup(ref.Inode, 100)
	require.NoError(t, err)
	require.True(t, mapped)
	assert.Equal(t, pb, got)

	for _, lb := range []LBlockId{0, 99, 101, 5000} {
		_, mapped, err := fs.extLookup(ref.Inode, lb)
		require.NoError(t, err)
		assert.False(t, mapped, "block %d should be a hole", lb)
	}
}

func TestExtentRootOverflowToIndex(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	// Five disjoint runs cannot share the 4-entry root.
	for i := 0; i < 5; i++ {
		require.NoError(t, fs.extInsert(ref, LBlockId(i*10), PBlockId(9000+i*7)))
	}

	h := extDecodeHeader(ref.Inode.Block[:])
	assert.Equal(t, uint16(1), h.Depth)
	assert.Equal(t, uint16(1), h.Entries)

	for i := 0; i < 5; i++ {
		pb, mapped, err := fs.extLookup(ref.Inode, LBlockId(i*10))
		require.NoError(t, err)
		require.True(t, mapped)
		assert.Equal(t, PBlockId(9000+i*7), pb)
	}

	// The conversion charged the tree block to the inode.
	assert.Equal(t, uint32(BlockSize/512), ref.Inode.BlocksLo)
}

func TestExtentInsertBeforeFirstLeaf(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	for i := 0; i < 5; i++ {
		require.NoError(t, fs.extInsert(ref, LBlockId(100+i*10), PBlockId(9000+i*7)))
	}
	// Now indexed; a mapping below the first index key must still land.
	require.NoError(t, fs.extInsert(ref, 5, 8888))

	pb, mapped, err := fs.extLookup(ref.Inode, 5)
	require.NoError(t, err)
	require.True(t, mapped)
	assert.Equal(t, PBlockId(8888), pb)
}

func TestExtentLeafSplits(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	// More disjoint single-block extents than one leaf holds: the leaf
	// splits under the root index.
	total := extentNodeMax + 20
	for i := 0; i < total; i++ {
		require.NoError(t, fs.extInsert(ref, LBlockId(i*2), PBlockId(100000+i*2)))
	}

	h := extDecodeHeader(ref.Inode.Block[:])
	assert.Equal(t, uint16(1), h.Depth)
	assert.GreaterOrEqual(t, int(h.Entries), 2)

	for _, i := range []int{0, 1, total / 2, total - 1} {
		pb, mapped, err := fs.extLookup(ref.Inode, LBlockId(i*2))
		require.NoError(t, err)
		require.True(t, mapped, "entry %d lost after splits", i)
		assert.Equal(t, PBlockId(100000+i*2), pb)
	}
}

func TestExtentRootGrowsDeeper(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	before := fs.FreeBlocks()

	// Enough disjoint entries that four leaves cannot carry them even
	// half-full: the root index overflows and the tree gains a level.
	// Odd logical blocks stay holes, so nothing merges.
	total := 4 * extentNodeMax
	pbs := make([]PBlockId, total)
	for i := 0; i < total; i++ {
		pb, err := fs.allocBlock(0)
		require.NoError(t, err)
		pbs[i] = pb
		require.NoError(t, fs.extInsert(ref, LBlockId(i*2), pb))
	}

	h := extDecodeHeader(ref.Inode.Block[:])
	assert.Equal(t, uint16(2), h.Depth)

	for _, i := range []int{0, 1, total / 3, total / 2, total - 1} {
		pb, mapped, err := fs.extLookup(ref.Inode, LBlockId(i*2))
		require.NoError(t, err)
		require.True(t, mapped, "entry %d lost after root growth", i)
		assert.Equal(t, pbs[i], pb)
	}

	// Holes between the runs stay holes.
	_, mapped, err := fs.extLookup(ref.Inode, 1)
	require.NoError(t, err)
	assert.False(t, mapped)

	// Truncation walks the whole tree, giving back data and node blocks.
	require.NoError(t, fs.extTruncate(ref))
	assert.Equal(t, before, fs.FreeBlocks())
	assert.Zero(t, ref.Inode.BlocksLo)
}

func TestExtentTruncateFreesEverything(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	before := fs.FreeBlocks()

	// Enough disjoint runs to force the tree to depth 1.
	for i := 0; i < 8; i++ {
		pb, err := fs.allocBlock(PBlockId(1000 + i*50))
		require.NoError(t, err)
		require.NoError(t, fs.extInsert(ref, LBlockId(i*10), pb))
	}
	require.Less(t, fs.FreeBlocks(), before)

	require.NoError(t, fs.extTruncate(ref))
	assert.Equal(t, before, fs.FreeBlocks())
	assert.Zero(t, ref.Inode.BlocksLo)

	h := extDecodeHeader(ref.Inode.Block[:])
	assert.Equal(t, uint16(0), h.Entries)
	assert.Equal(t, uint16(0), h.Depth)
}

func TestExtentCorruptMagic(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	ref := newTestInode(t, fs)

	ref.Inode.Block[0] = 0xDE
	ref.Inode.Block[1] = 0xAD
	_, _, err := fs.extLookup(ref.Inode, 0)
	assert.True(t, IsCode(err, EINVAL))
}
