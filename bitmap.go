package ext4

import "fmt"

// Bitmap is a bit-level view over a byte buffer, typically the payload of a
// block or inode bitmap block. Bit i == 0 means free, 1 means used. The view
// borrows the backing buffer and must not outlive it.
//
// Out-of-range indices are engine bugs, not recoverable errors, and panic.
type Bitmap struct {
	buf   []byte
	nbits uint32
}

// NewBitmap binds a view of nbits bits onto buf. The buffer must hold at
// least ceil(nbits/8) bytes.
func NewBitmap(buf []byte, nbits uint32) Bitmap {
	if need := int((nbits + 7) / 8); len(buf) < need {
		panic(fmt.Sprintf("ext4: bitmap buffer too small: %d bytes for %d bits", len(buf), nbits))
	}
	return Bitmap{buf: buf, nbits: nbits}
}

// Bits returns the number of addressable bits.
func (bm Bitmap) Bits() uint32 {
	return bm.nbits
}

func (bm Bitmap) check(i uint32) {
	if i >= bm.nbits {
		panic(fmt.Sprintf("ext4: bitmap index %d out of range (%d bits)", i, bm.nbits))
	}
}

// IsClear reports whether bit i is free.
func (bm Bitmap) IsClear(i uint32) bool {
	bm.check(i)
	return bm.buf[i/8]&(1<<(i%8)) == 0
}

// Set marks bit i used.
func (bm Bitmap) Set(i uint32) {
	bm.check(i)
	bm.buf[i/8] |= 1 << (i % 8)
}

// Clear marks bit i free.
func (bm Bitmap) Clear(i uint32) {
	bm.check(i)
	bm.buf[i/8] &^= 1 << (i % 8)
}

// FirstClear scans [start, min(end, nbits)) and returns the first free bit.
// The bool result is false when the range holds no free bit.
func (bm Bitmap) FirstClear(start, end uint32) (uint32, bool) {
	if end > bm.nbits {
		end = bm.nbits
	}
	for i := start; i < end; {
		// Whole-byte skip over fully used regions.
		if i%8 == 0 && i+8 <= end && bm.buf[i/8] == 0xFF {
			i += 8
			continue
		}
		if bm.buf[i/8]&(1<<(i%8)) == 0 {
			return i, true
		}
		i++
	}
	return 0, false
}

// FindAndSetFirstClear finds the first free bit in [start, end) and marks it
// used in one step, so a single bitmap buffer never hands out the same index
// twice. Serialization across concurrently loaded copies of the same on-disk
// bitmap remains the caller's job.
func (bm Bitmap) FindAndSetFirstClear(start, end uint32) (uint32, bool) {
	i, ok := bm.FirstClear(start, end)
	if !ok {
		return 0, false
	}
	bm.Set(i)
	return i, true
}

// FreeCount returns the number of clear bits. Used to reconcile descriptor
// counters against the bitmap they describe.
func (bm Bitmap) FreeCount() uint32 {
	var n uint32
	for i := uint32(0); i < bm.nbits; i++ {
		if bm.buf[i/8]&(1<<(i%8)) == 0 {
			n++
		}
	}
	return n
}
