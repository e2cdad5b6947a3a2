package ext4

import "fmt"

// Byte-range file I/O. Reads serve holes as zeros without allocating;
// writes allocate on first touch, read-modify-write partial blocks, and
// extend the file size when the range ends past it. Data blocks go straight
// to the device; only the mapping metadata passes through the journal.

// maxFileBlocks bounds the logical block space a 32-bit LBlock can address.
const maxFileBlocks = uint64(1) << 32

// readAt copies up to len(p) bytes starting at byte offset off into p and
// returns the number copied. Reads entirely past EOF return 0.
func (fs *Ext4) readAt(ref InodeRef, off uint64, p []byte) (int, error) {
	size := ref.Inode.size()
	if off >= size {
		return 0, nil
	}
	if rem := size - off; uint64(len(p)) > rem {
		p = p[:rem]
	}

	read := 0
	for read < len(p) {
		pos := off + uint64(read)
		lb := LBlockId(pos / BlockSize)
		inBlock := int(pos % BlockSize)
		n := BlockSize - inBlock
		if n > len(p)-read {
			n = len(p) - read
		}

		pb, mapped, err := fs.extLookup(ref.Inode, lb)
		if err != nil {
			return read, err
		}
		if !mapped {
			// Hole: logical zeros.
			for i := read; i < read+n; i++ {
				p[i] = 0
			}
			read += n
			continue
		}

		b, err := fs.dev.ReadBlock(pb)
		if err != nil {
			return read, fmt.Errorf("file block %d: %w", pb, err)
		}
		copy(p[read:read+n], b.Data[inBlock:])
		read += n
	}
	return read, nil
}

// writeAt writes p at byte offset off, allocating blocks for any part of the
// range not yet mapped, and grows the file size as needed. The caller
// persists ref.Inode afterwards. Partial failures leave the bytes already
// written in place; the returned count says how far the write got.
func (fs *Ext4) writeAt(ref InodeRef, off uint64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end := off + uint64(len(p))
	if end < off || (end+BlockSize-1)/BlockSize > maxFileBlocks {
		return 0, errWrap(EFBIG, "write",
			fmt.Errorf("range [%d, %d) beyond maximum file size", off, end))
	}

	written := 0
	var lastPB PBlockId

	for written < len(p) {
		pos := off + uint64(written)
		lb := LBlockId(pos / BlockSize)
		inBlock := int(pos % BlockSize)
		n := BlockSize - inBlock
		if n > len(p)-written {
			n = len(p) - written
		}

		pb, mapped, err := fs.extLookup(ref.Inode, lb)
		if err != nil {
			return written, err
		}

		var b *Block
		switch {
		case mapped && n < BlockSize:
			// Partial overwrite of an existing block.
			if b, err = fs.dev.ReadBlock(pb); err != nil {
				return written, fmt.Errorf("file block %d: %w", pb, err)
			}
		case mapped:
			b = NewBlock(pb)
		default:
			pb, err = fs.allocBlock(fs.writeGoal(ref, lastPB))
			if err != nil {
				return written, err
			}
			if err = fs.extInsert(ref, lb, pb); err != nil {
				// Give the block back so a failed mapping does not leak it.
				_ = fs.freeBlock(pb)
				return written, err
			}
			ref.Inode.addBlocksCharge(1)
			b = NewBlock(pb)
		}

		copy(b.Data[inBlock:], p[written:written+n])
		if err := fs.dev.WriteBlock(b); err != nil {
			return written, fmt.Errorf("file block %d: %w", pb, err)
		}
		lastPB = pb
		written += n
	}

	if end > ref.Inode.size() {
		ref.Inode.setSize(end)
	}
	return written, nil
}

// writeGoal picks the allocation goal for the next data block: right after
// the previous block written in this call, else after the file's last mapped
// block, else the start of the inode's own group.
func (fs *Ext4) writeGoal(ref InodeRef, lastPB PBlockId) PBlockId {
	if lastPB != 0 {
		return lastPB + 1
	}

	var tail PBlockId
	_ = fs.extEach(ref.Inode, func(e extent) error {
		tail = e.start() + PBlockId(e.Len)
		return nil
	})
	if tail != 0 {
		return tail
	}

	g, _ := fs.groupOfInode(ref.ID)
	return PBlockId(g) * PBlockId(fs.sb.BlocksPerGroup)
}

// truncateTo changes the file size. Shrinking frees every block whose data
// lies wholly past the new size and rebuilds the extent tree around the
// survivors; growing just moves the size (the gap reads as a hole). The
// caller persists ref.Inode.
func (fs *Ext4) truncateTo(ref InodeRef, size uint64) error {
	old := ref.Inode.size()
	if size >= old {
		ref.Inode.setSize(size)
		return nil
	}
	if size == 0 {
		if err := fs.extTruncate(ref); err != nil {
			return err
		}
		ref.Inode.setSize(0)
		return nil
	}

	keep := LBlockId((size + BlockSize - 1) / BlockSize)

	// Collect survivors and free the tail, then rebuild the tree. Rebuilding
	// re-merges the kept runs, so a shrink never deepens the tree.
	var kept []extent
	freeTail := func(e extent) error {
		for i := uint16(0); i < e.Len; i++ {
			lb := e.LBlock + uint32(i)
			if lb < keep {
				continue
			}
			if err := fs.freeBlock(e.start() + PBlockId(i)); err != nil {
				return err
			}
			ref.Inode.addBlocksCharge(-1)
		}
		if e.LBlock < keep {
			if end := e.LBlock + uint32(e.Len); end > keep {
				e.Len = uint16(keep - e.LBlock)
			}
			kept = append(kept, e)
		}
		return nil
	}
	freeNode := func(pb PBlockId) error {
		if err := fs.freeBlock(pb); err != nil {
			return err
		}
		ref.Inode.addBlocksCharge(-1)
		return nil
	}
	if err := fs.extEachNode(ref.Inode.Block[:], freeTail, freeNode); err != nil {
		return err
	}

	extInitRoot(ref.Inode)
	for _, e := range kept {
		for i := uint16(0); i < e.Len; i++ {
			if err := fs.extInsert(ref, e.LBlock+uint32(i), e.start()+PBlockId(i)); err != nil {
				return err
			}
		}
	}

	// The kept block holding the new EOF may carry old bytes past it. Zero
	// them so a later grow reads the gap as a hole, not the old contents.
	if err := fs.zeroTail(ref, size); err != nil {
		return err
	}

	ref.Inode.setSize(size)
	return nil
}

// zeroTail clears the bytes of the block containing offset size from the
// in-block position of size to the end of the block. A hole there is
// already all zeros and is left alone.
func (fs *Ext4) zeroTail(ref InodeRef, size uint64) error {
	inBlock := int(size % BlockSize)
	if inBlock == 0 {
		return nil
	}

	pb, mapped, err := fs.extLookup(ref.Inode, LBlockId(size/BlockSize))
	if err != nil || !mapped {
		return err
	}

	b, err := fs.dev.ReadBlock(pb)
	if err != nil {
		return fmt.Errorf("file block %d: %w", pb, err)
	}
	for i := inBlock; i < BlockSize; i++ {
		b.Data[i] = 0
	}
	if err := fs.dev.WriteBlock(b); err != nil {
		return fmt.Errorf("file block %d: %w", pb, err)
	}
	return nil
}
