package ext4

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCreate(t *testing.T, fs *Ext4, name string) InodeId {
	t.Helper()
	id, err := fs.Create(fs.Root(), name, 0o644, 0, 0)
	require.NoError(t, err)
	return id
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "data.bin")

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1024) // 16 KiB, 4 blocks
	n, err := fs.WriteAt(id, 0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = fs.ReadAt(id, 0, got)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)

	st, err := fs.StatInode(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), st.Size)
}

func TestWriteUnalignedOffsets(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "ragged")

	_, err := fs.WriteAt(id, 0, bytes.Repeat([]byte{0xAA}, 2*BlockSize))
	require.NoError(t, err)

	// Overwrite a range straddling the block boundary.
	patch := bytes.Repeat([]byte{0xBB}, 100)
	_, err = fs.WriteAt(id, BlockSize-50, patch)
	require.NoError(t, err)

	got := make([]byte, 2*BlockSize)
	_, err = fs.ReadAt(id, 0, got)
	require.NoError(t, err)

	assert.Equal(t, byte(0xAA), got[BlockSize-51])
	assert.Equal(t, patch, got[BlockSize-50:BlockSize+50])
	assert.Equal(t, byte(0xAA), got[BlockSize+50])
}

func TestSparseFileReadsZeros(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "sparse")

	free := fs.FreeBlocks()

	// One byte far into the file: only that block is allocated.
	_, err := fs.WriteAt(id, 10*BlockSize, []byte{0xFF})
	require.NoError(t, err)
	assert.Equal(t, free-1, fs.FreeBlocks())

	st, err := fs.StatInode(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10*BlockSize+1), st.Size)

	got := make([]byte, 10*BlockSize+1)
	n, err := fs.ReadAt(id, 0, got)
	require.NoError(t, err)
	require.Equal(t, len(got), n)

	for i := 0; i < 10*BlockSize; i++ {
		if got[i] != 0 {
			t.Fatalf("hole byte %d = %#x, want 0", i, got[i])
		}
	}
	assert.Equal(t, byte(0xFF), got[10*BlockSize])
}

func TestReadPastEOF(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "short")

	_, err := fs.WriteAt(id, 0, []byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := fs.ReadAt(id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = fs.ReadAt(id, 100, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTruncateShrinkFreesBlocks(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "shrink")

	free := fs.FreeBlocks()
	payload := bytes.Repeat([]byte{0xCD}, 8*BlockSize)
	_, err := fs.WriteAt(id, 0, payload)
	require.NoError(t, err)
	require.Equal(t, free-8, fs.FreeBlocks())

	size := uint64(3*BlockSize + 7)
	require.NoError(t, fs.SetAttr(id, SetAttr{Size: &size}))
	assert.Equal(t, free-4, fs.FreeBlocks())

	st, err := fs.StatInode(id)
	require.NoError(t, err)
	assert.Equal(t, size, st.Size)

	// Surviving data intact.
	got := make([]byte, size)
	n, err := fs.ReadAt(id, 0, got)
	require.NoError(t, err)
	require.Equal(t, int(size), n)
	assert.Equal(t, payload[:size], got)
}

func TestTruncateToZero(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "wipe")

	free := fs.FreeBlocks()
	_, err := fs.WriteAt(id, 0, bytes.Repeat([]byte{1}, 5*BlockSize))
	require.NoError(t, err)

	var zero uint64
	require.NoError(t, fs.SetAttr(id, SetAttr{Size: &zero}))
	assert.Equal(t, free, fs.FreeBlocks())

	st, err := fs.StatInode(id)
	require.NoError(t, err)
	assert.Zero(t, st.Size)
}

func TestTruncateShrinkThenGrowReadsZeros(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "regrow")

	_, err := fs.WriteAt(id, 0, bytes.Repeat([]byte{0xAA}, BlockSize))
	require.NoError(t, err)

	// Shrink into the block, then grow back past the old contents. The
	// bytes beyond the shrink point must come back as zeros.
	small := uint64(10)
	require.NoError(t, fs.SetAttr(id, SetAttr{Size: &small}))
	big := uint64(BlockSize)
	require.NoError(t, fs.SetAttr(id, SetAttr{Size: &big}))

	got := make([]byte, BlockSize)
	n, err := fs.ReadAt(id, 0, got)
	require.NoError(t, err)
	require.Equal(t, BlockSize, n)

	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 10), got[:10])
	assert.Equal(t, make([]byte, BlockSize-10), got[10:])
}

func TestTruncateGrowLeavesHole(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "grow")

	free := fs.FreeBlocks()
	size := uint64(2 * BlockSize)
	require.NoError(t, fs.SetAttr(id, SetAttr{Size: &size}))

	// Growing allocates nothing.
	assert.Equal(t, free, fs.FreeBlocks())

	got := make([]byte, size)
	n, err := fs.ReadAt(id, 0, got)
	require.NoError(t, err)
	assert.Equal(t, int(size), n)
	assert.Equal(t, make([]byte, size), got)
}

func TestReadWriteDirectoryRejected(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)

	_, err := fs.ReadAt(fs.Root(), 0, make([]byte, 8))
	assert.True(t, IsCode(err, EISDIR))

	_, err = fs.WriteAt(fs.Root(), 0, []byte("x"))
	assert.True(t, IsCode(err, EISDIR))
}

func TestWriteENOSPC(t *testing.T) {
	fs, _ := newTestFS(t, 600*BlockSize)
	id := mustCreate(t, fs, "big")

	free := fs.FreeBlocks()
	_, err := fs.WriteAt(id, 0, make([]byte, (free+8)*BlockSize))
	require.Error(t, err)
	assert.True(t, IsCode(err, ENOSPC))
}
