package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapSetClear(t *testing.T) {
	buf := make([]byte, 8)
	bm := NewBitmap(buf, 64)

	assert.True(t, bm.IsClear(0))
	bm.Set(0)
	assert.False(t, bm.IsClear(0))
	bm.Clear(0)
	assert.True(t, bm.IsClear(0))

	bm.Set(63)
	assert.False(t, bm.IsClear(63))
	assert.Equal(t, byte(0x80), buf[7])
}

func TestBitmapFirstClear(t *testing.T) {
	buf := make([]byte, 8)
	bm := NewBitmap(buf, 64)

	i, ok := bm.FirstClear(0, 64)
	require.True(t, ok)
	assert.Equal(t, uint32(0), i)

	// Fill the first two bytes so the whole-byte skip path runs.
	for b := uint32(0); b < 16; b++ {
		bm.Set(b)
	}
	i, ok = bm.FirstClear(0, 64)
	require.True(t, ok)
	assert.Equal(t, uint32(16), i)

	// Range restricted to the used region finds nothing.
	_, ok = bm.FirstClear(0, 16)
	assert.False(t, ok)

	for b := uint32(16); b < 64; b++ {
		bm.Set(b)
	}
	_, ok = bm.FirstClear(0, 64)
	assert.False(t, ok)
}

func TestBitmapFindAndSetFirstClear(t *testing.T) {
	bm := NewBitmap(make([]byte, 4), 32)

	for want := uint32(0); want < 32; want++ {
		got, ok := bm.FindAndSetFirstClear(0, 32)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := bm.FindAndSetFirstClear(0, 32)
	assert.False(t, ok)
}

func TestBitmapFreeCount(t *testing.T) {
	bm := NewBitmap(make([]byte, 4), 30)
	assert.Equal(t, uint32(30), bm.FreeCount())

	bm.Set(3)
	bm.Set(17)
	bm.Set(29)
	assert.Equal(t, uint32(27), bm.FreeCount())
}

func TestBitmapEndClampsToBits(t *testing.T) {
	bm := NewBitmap(make([]byte, 4), 20)
	for b := uint32(0); b < 20; b++ {
		bm.Set(b)
	}
	// end beyond nbits must not find the slack bits in the backing bytes.
	_, ok := bm.FirstClear(0, 32)
	assert.False(t, ok)
}

func TestBitmapPanicsOutOfRange(t *testing.T) {
	bm := NewBitmap(make([]byte, 4), 20)
	assert.Panics(t, func() { bm.Set(20) })
	assert.Panics(t, func() { bm.IsClear(99) })
	assert.Panics(t, func() { NewBitmap(make([]byte, 1), 64) })
}
