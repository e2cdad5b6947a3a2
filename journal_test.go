package ext4

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*WALJournal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWALJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.LoadJournal())
	require.NoError(t, w.JournalStart())
	return w, path
}

func TestWALCommittedFramesRecovered(t *testing.T) {
	w, _ := newTestJournal(t)

	data := make([]byte, BlockSize)
	data[0] = 0x42

	require.NoError(t, w.TransactionStart())
	require.NoError(t, w.WriteTransaction(7, data))
	require.NoError(t, w.WriteTransaction(9, data))
	require.NoError(t, w.TransactionStop())

	frames, err := w.RecoverFrames()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, PBlockId(7), frames[0].BlockID)
	assert.Equal(t, PBlockId(9), frames[1].BlockID)
	assert.Equal(t, byte(0x42), frames[0].Data[0])
}

func TestWALUncommittedFramesDropped(t *testing.T) {
	w, _ := newTestJournal(t)

	data := make([]byte, BlockSize)

	require.NoError(t, w.TransactionStart())
	require.NoError(t, w.WriteTransaction(1, data))
	require.NoError(t, w.TransactionStop())

	// Second transaction never commits.
	require.NoError(t, w.TransactionStart())
	require.NoError(t, w.WriteTransaction(2, data))

	frames, err := w.RecoverFrames()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, PBlockId(1), frames[0].BlockID)
}

func TestWALTornTailStopsScan(t *testing.T) {
	w, path := newTestJournal(t)

	data := make([]byte, BlockSize)
	require.NoError(t, w.TransactionStart())
	require.NoError(t, w.WriteTransaction(1, data))
	require.NoError(t, w.TransactionStop())
	require.NoError(t, w.TransactionStart())
	require.NoError(t, w.WriteTransaction(2, data))
	require.NoError(t, w.TransactionStop())

	// Corrupt the second transaction's data frame on disk.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 2*walFrameSize+walHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	frames, err := w.RecoverFrames()
	require.NoError(t, err)
	require.Len(t, frames, 1, "scan must stop at the corrupt frame")
	assert.Equal(t, PBlockId(1), frames[0].BlockID)
}

func TestWALReset(t *testing.T) {
	w, path := newTestJournal(t)

	require.NoError(t, w.TransactionStart())
	require.NoError(t, w.WriteTransaction(1, make([]byte, BlockSize)))
	require.NoError(t, w.TransactionStop())

	require.NoError(t, w.Reset())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	frames, err := w.RecoverFrames()
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestEngineMirrorsMetadataIntoJournal(t *testing.T) {
	dev := NewMemDevice(64 << 20)
	require.NoError(t, Mkfs(dev, (64<<20)/BlockSize))

	w, err := NewWALJournal(filepath.Join(t.TempDir(), "fs.wal"))
	require.NoError(t, err)
	defer w.Close()

	fs, err := Load(dev, WithJournal(w))
	require.NoError(t, err)

	_, err = fs.Create(fs.Root(), "journaled", 0o644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	frames, err := w.RecoverFrames()
	require.NoError(t, err)
	require.NotEmpty(t, frames, "metadata writes must appear in the journal")
}
