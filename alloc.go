package ext4

import "fmt"

// Block and inode allocation. All allocation state lives in the on-disk
// bitmaps; the descriptors and superblock carry redundant free counters that
// are kept in step with every bitmap change so readers can trust either.

// allocBlock allocates one physical block, preferring the block at goal and
// then the closest free block after it. The search walks the goal's group
// from the goal bit to the group end, then each following group from its
// start, wrapping around once. Returns ENOSPC when every group is full.
func (fs *Ext4) allocBlock(goal PBlockId) (PBlockId, error) {
	groups := fs.sb.groupCount()
	if goal >= fs.sb.blocksCount() {
		goal = 0
	}
	goalGroup := fs.groupOfBlock(goal)
	goalBit := uint32(goal - PBlockId(goalGroup)*PBlockId(fs.sb.BlocksPerGroup))

	// One extra pass so the goal group is rescanned from bit 0 after the
	// initial scan that starts at the goal bit.
	for n := uint32(0); n <= groups; n++ {
		g := (goalGroup + n) % groups
		start := uint32(0)
		if n == 0 {
			start = goalBit
		}

		pb, ok, err := fs.allocBlockInGroup(g, start)
		if err != nil {
			return 0, err
		}
		if ok {
			return pb, nil
		}
	}
	return 0, errOf(ENOSPC, "allocate block")
}

// allocBlockInGroup tries to claim a free block in group g at or after the
// given bit. The bitmap, descriptor and superblock are all updated before
// the block id is handed out.
func (fs *Ext4) allocBlockInGroup(g, start uint32) (PBlockId, bool, error) {
	gd, err := fs.readGroupDesc(g)
	if err != nil {
		return 0, false, err
	}
	if gd.freeBlocks() == 0 {
		return 0, false, nil
	}

	bb, err := fs.dev.ReadBlock(gd.blockBitmap())
	if err != nil {
		return 0, false, fmt.Errorf("group %d block bitmap: %w", g, err)
	}

	bm := NewBitmap(bb.Data, fs.sb.blocksInGroup(g))
	bit, ok := bm.FindAndSetFirstClear(start, bm.Bits())
	if !ok {
		return 0, false, nil
	}

	if err := fs.writeMeta(bb); err != nil {
		return 0, false, fmt.Errorf("group %d block bitmap: %w", g, err)
	}

	gd.setFreeBlocks(gd.freeBlocks() - 1)
	if err := fs.writeGroupDesc(g, gd); err != nil {
		return 0, false, err
	}

	fs.sb.setFreeBlocksCount(fs.sb.freeBlocksCount() - 1)
	if err := fs.flushSuperblock(); err != nil {
		return 0, false, err
	}

	return PBlockId(g)*PBlockId(fs.sb.BlocksPerGroup) + PBlockId(bit), true, nil
}

// freeBlock returns one physical block to its group's bitmap. Freeing an
// already-free block indicates a corrupted extent tree and fails with EINVAL
// rather than double-counting.
func (fs *Ext4) freeBlock(pb PBlockId) error {
	if pb >= fs.sb.blocksCount() {
		return errWrap(EINVAL, "free block",
			fmt.Errorf("block %d beyond volume end", pb))
	}

	g := fs.groupOfBlock(pb)
	bit := uint32(pb - PBlockId(g)*PBlockId(fs.sb.BlocksPerGroup))

	gd, err := fs.readGroupDesc(g)
	if err != nil {
		return err
	}

	bb, err := fs.dev.ReadBlock(gd.blockBitmap())
	if err != nil {
		return fmt.Errorf("group %d block bitmap: %w", g, err)
	}

	bm := NewBitmap(bb.Data, fs.sb.blocksInGroup(g))
	if bm.IsClear(bit) {
		return errWrap(EINVAL, "free block",
			fmt.Errorf("block %d already free", pb))
	}
	bm.Clear(bit)

	if err := fs.writeMeta(bb); err != nil {
		return fmt.Errorf("group %d block bitmap: %w", g, err)
	}

	gd.setFreeBlocks(gd.freeBlocks() + 1)
	if err := fs.writeGroupDesc(g, gd); err != nil {
		return err
	}

	fs.sb.setFreeBlocksCount(fs.sb.freeBlocksCount() + 1)
	return fs.flushSuperblock()
}

// allocInode allocates one inode id. Directories are spread across groups by
// picking the group with the most free inodes, which keeps subtrees from
// piling into one group; files go into goalGroup (normally the parent
// directory's group) when it has room, falling back to a linear scan.
func (fs *Ext4) allocInode(goalGroup uint32, dir bool) (InodeId, error) {
	groups := fs.sb.groupCount()
	if goalGroup >= groups {
		goalGroup = 0
	}

	if dir {
		best, bestFree := goalGroup, uint32(0)
		for g := uint32(0); g < groups; g++ {
			gd, err := fs.readGroupDesc(g)
			if err != nil {
				return 0, err
			}
			if gd.freeInodes() > bestFree {
				best, bestFree = g, gd.freeInodes()
			}
		}
		goalGroup = best
	}

	for n := uint32(0); n < groups; n++ {
		g := (goalGroup + n) % groups
		id, ok, err := fs.allocInodeInGroup(g, dir)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}
	return 0, errOf(ENOSPC, "allocate inode")
}

func (fs *Ext4) allocInodeInGroup(g uint32, dir bool) (InodeId, bool, error) {
	gd, err := fs.readGroupDesc(g)
	if err != nil {
		return 0, false, err
	}
	if gd.freeInodes() == 0 {
		return 0, false, nil
	}

	ib, err := fs.dev.ReadBlock(gd.inodeBitmap())
	if err != nil {
		return 0, false, fmt.Errorf("group %d inode bitmap: %w", g, err)
	}

	bm := NewBitmap(ib.Data, fs.sb.InodesPerGroup)
	bit, ok := bm.FindAndSetFirstClear(0, bm.Bits())
	if !ok {
		return 0, false, nil
	}

	if err := fs.writeMeta(ib); err != nil {
		return 0, false, fmt.Errorf("group %d inode bitmap: %w", g, err)
	}

	gd.setFreeInodes(gd.freeInodes() - 1)
	if dir {
		gd.setUsedDirs(gd.usedDirs() + 1)
	}
	if err := fs.writeGroupDesc(g, gd); err != nil {
		return 0, false, err
	}

	fs.sb.FreeInodesCount--
	if err := fs.flushSuperblock(); err != nil {
		return 0, false, err
	}

	return g*fs.sb.InodesPerGroup + bit + 1, true, nil
}

// freeInode returns an inode id to its group's bitmap.
func (fs *Ext4) freeInode(id InodeId, dir bool) error {
	if id == 0 || id > fs.sb.InodesCount {
		return errWrap(EINVAL, "free inode",
			fmt.Errorf("inode %d out of range", id))
	}

	g, index := fs.groupOfInode(id)
	gd, err := fs.readGroupDesc(g)
	if err != nil {
		return err
	}

	ib, err := fs.dev.ReadBlock(gd.inodeBitmap())
	if err != nil {
		return fmt.Errorf("group %d inode bitmap: %w", g, err)
	}

	bm := NewBitmap(ib.Data, fs.sb.InodesPerGroup)
	if bm.IsClear(index) {
		return errWrap(EINVAL, "free inode",
			fmt.Errorf("inode %d already free", id))
	}
	bm.Clear(index)

	if err := fs.writeMeta(ib); err != nil {
		return fmt.Errorf("group %d inode bitmap: %w", g, err)
	}

	gd.setFreeInodes(gd.freeInodes() + 1)
	if dir && gd.usedDirs() > 0 {
		gd.setUsedDirs(gd.usedDirs() - 1)
	}
	if err := fs.writeGroupDesc(g, gd); err != nil {
		return err
	}

	fs.sb.FreeInodesCount++
	return fs.flushSuperblock()
}
