package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocBlockHonorsGoal(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	goal := PBlockId(2000)
	pb, err := fs.allocBlock(goal)
	require.NoError(t, err)
	assert.Equal(t, goal, pb)

	// Same goal again: the goal bit is taken, the next one is handed out.
	pb2, err := fs.allocBlock(goal)
	require.NoError(t, err)
	assert.Equal(t, goal+1, pb2)
}

func TestAllocBlockWrapsPastGoal(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	// Goal at the very last block of the volume.
	last := fs.sb.blocksCount() - 1
	pb, err := fs.allocBlock(last)
	require.NoError(t, err)
	assert.Equal(t, last, pb)

	// Goal now points at a used block at the end; the scan wraps to the
	// first free block of the volume.
	pb2, err := fs.allocBlock(last)
	require.NoError(t, err)
	assert.Less(t, pb2, last)
}

func TestAllocBlockUpdatesCounters(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	before := fs.FreeBlocks()
	pb, err := fs.allocBlock(0)
	require.NoError(t, err)
	assert.Equal(t, before-1, fs.FreeBlocks())

	gd, err := fs.readGroupDesc(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(before-1), gd.freeBlocks())

	require.NoError(t, fs.freeBlock(pb))
	assert.Equal(t, before, fs.FreeBlocks())
}

func TestFreeBlockDoubleFree(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	pb, err := fs.allocBlock(0)
	require.NoError(t, err)
	require.NoError(t, fs.freeBlock(pb))

	err = fs.freeBlock(pb)
	require.Error(t, err)
	assert.True(t, IsCode(err, EINVAL))
}

func TestFreeBlockOutOfRange(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	err := fs.freeBlock(fs.sb.blocksCount() + 10)
	assert.True(t, IsCode(err, EINVAL))
}

func TestAllocBlockENOSPC(t *testing.T) {
	// Small volume so exhausting it stays cheap: 600 blocks leaves only a
	// few dozen data blocks after the metadata.
	fs, _ := newTestFS(t, 600*BlockSize)

	for {
		_, err := fs.allocBlock(0)
		if err != nil {
			assert.True(t, IsCode(err, ENOSPC))
			break
		}
	}
	assert.Zero(t, fs.FreeBlocks())
}

func TestAllocBlockReusesFreed(t *testing.T) {
	fs, _ := newTestFS(t, 600*BlockSize)

	var last PBlockId
	for {
		pb, err := fs.allocBlock(0)
		if err != nil {
			require.True(t, IsCode(err, ENOSPC))
			break
		}
		last = pb
	}
	require.Zero(t, fs.FreeBlocks())

	// Freeing one block makes exactly that block allocatable again.
	require.NoError(t, fs.freeBlock(last))
	pb, err := fs.allocBlock(0)
	require.NoError(t, err)
	assert.Equal(t, last, pb)
	assert.Zero(t, fs.FreeBlocks())
}

func TestAllocInodeStartsAfterReserved(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	id, err := fs.allocInode(0, false)
	require.NoError(t, err)
	assert.Equal(t, InodeId(firstNonResInode), id)

	id2, err := fs.allocInode(0, false)
	require.NoError(t, err)
	assert.Equal(t, id+1, id2)
}

func TestAllocInodeCounters(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	before := fs.FreeInodes()
	id, err := fs.allocInode(0, true)
	require.NoError(t, err)
	assert.Equal(t, before-1, fs.FreeInodes())

	gd, err := fs.readGroupDesc(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), gd.usedDirs()) // root plus the new one

	require.NoError(t, fs.freeInode(id, true))
	assert.Equal(t, before, fs.FreeInodes())

	gd, err = fs.readGroupDesc(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gd.usedDirs())
}

func TestFreeInodeDoubleFree(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	id, err := fs.allocInode(0, false)
	require.NoError(t, err)
	require.NoError(t, fs.freeInode(id, false))

	err = fs.freeInode(id, false)
	assert.True(t, IsCode(err, EINVAL))
}
