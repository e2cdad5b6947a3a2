package ext4

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUUID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// newTestFS formats a fresh in-memory volume and loads it.
func newTestFS(t *testing.T, sizeBytes uint64, opts ...Option) (*Ext4, *MemDevice) {
	t.Helper()

	dev := NewMemDevice(sizeBytes)
	err := Mkfs(dev, sizeBytes/BlockSize,
		WithVolumeName("testvol"),
		WithUUID(testUUID),
		WithCreatedAt(time.Unix(1600000000, 0)))
	require.NoError(t, err, "mkfs failed")

	fs, err := Load(dev, opts...)
	require.NoError(t, err, "load failed")
	return fs, dev
}

func TestMkfsLoadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	assert.Equal(t, "testvol", fs.VolumeName())
	assert.Equal(t, InodeId(RootInode), fs.Root())
	assert.Equal(t, uint32(1), fs.sb.groupCount())
	assert.Equal(t, uint64(16384), fs.sb.blocksCount())

	st, err := fs.StatInode(fs.Root())
	require.NoError(t, err)
	assert.Equal(t, uint16(S_IFDIR|0o755), st.Mode)
	assert.Equal(t, uint16(2), st.Links)
	assert.Equal(t, uint64(BlockSize), st.Size)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	_, dev := newTestFS(t, 64<<20)

	b, err := dev.ReadBlock(0)
	require.NoError(t, err)
	b.Data[superblockOffset+0x38] = 0x00 // clobber the magic
	require.NoError(t, dev.WriteBlock(b))

	_, err = Load(dev)
	require.Error(t, err)
	assert.True(t, IsCode(err, EINVAL))
}

func TestLoadRejectsWrongBlockSize(t *testing.T) {
	_, dev := newTestFS(t, 64<<20)

	b, err := dev.ReadBlock(0)
	require.NoError(t, err)
	b.Data[superblockOffset+0x18] = 0 // log_block_size for 1K blocks
	require.NoError(t, dev.WriteBlock(b))

	_, err = Load(dev)
	assert.True(t, IsCode(err, EINVAL))
}

func TestLoadRejectsWrongInodeSize(t *testing.T) {
	_, dev := newTestFS(t, 64<<20)

	b, err := dev.ReadBlock(0)
	require.NoError(t, err)
	b.Data[superblockOffset+0x58] = 128 // s_inode_size
	b.Data[superblockOffset+0x59] = 0
	require.NoError(t, dev.WriteBlock(b))

	_, err = Load(dev)
	require.Error(t, err)
	assert.True(t, IsCode(err, EINVAL))
}

func TestLoadRejectsLegacyDescSize(t *testing.T) {
	_, dev := newTestFS(t, 64<<20)

	b, err := dev.ReadBlock(0)
	require.NoError(t, err)
	b.Data[superblockOffset+0xFE] = 32
	b.Data[superblockOffset+0xFF] = 0
	require.NoError(t, dev.WriteBlock(b))

	_, err = Load(dev)
	assert.True(t, IsCode(err, EINVAL))
}

func TestSuperblockCounters(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	free := fs.FreeBlocks()
	require.NotZero(t, free)

	// Group 0 overhead: superblock+GDT, both bitmaps, the inode table and
	// the root directory block.
	overhead := uint64(1 + 1 + 2 + itableBlocks + 1)
	assert.Equal(t, uint64(16384)-overhead, free)

	assert.Equal(t, uint32(inodesPerGroup-10), fs.FreeInodes())
}

func TestBlocksInGroupShortTail(t *testing.T) {
	var sb superblock
	sb.BlocksPerGroup = blocksPerGroup
	sb.setBlocksCount(blocksPerGroup + 100)

	require.Equal(t, uint32(2), sb.groupCount())
	assert.Equal(t, uint32(blocksPerGroup), sb.blocksInGroup(0))
	assert.Equal(t, uint32(100), sb.blocksInGroup(1))
}

func TestMkfsVolumeTooSmall(t *testing.T) {
	dev := NewMemDevice(1 << 20) // 256 blocks, less than group 0 overhead
	err := Mkfs(dev, (1<<20)/BlockSize)
	require.Error(t, err)
	assert.True(t, IsCode(err, EINVAL))
}

func TestDescriptorChecksumRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	gd, err := fs.readGroupDesc(0)
	require.NoError(t, err)
	assert.Equal(t, fs.descChecksum(0, gd), gd.Checksum)

	// A rewrite through the engine must refresh the checksum.
	gd.setFreeBlocks(gd.freeBlocks() - 1)
	require.NoError(t, fs.writeGroupDesc(0, gd))

	again, err := fs.readGroupDesc(0)
	require.NoError(t, err)
	assert.Equal(t, fs.descChecksum(0, again), again.Checksum)
}

func TestReadGroupDescOutOfRange(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	_, err := fs.readGroupDesc(5)
	assert.True(t, IsCode(err, EINVAL))
}
