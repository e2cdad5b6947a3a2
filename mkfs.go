package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Formatter. Mkfs lays down the full metadata skeleton: superblock and
// descriptor table (with sparse backups), block and inode bitmaps, zeroed
// inode tables, and the root directory. The result loads directly with Load.

const itableBlocks = inodesPerGroup * InodeSize / BlockSize

// isSparseGroup reports whether group g carries superblock and descriptor
// backups under the sparse_super rule: groups 0, 1 and powers of 3, 5, 7.
func isSparseGroup(g uint32) bool {
	if g <= 1 {
		return true
	}
	for _, base := range []uint32{3, 5, 7} {
		for n := base; n <= g; n *= base {
			if n == g {
				return true
			}
			if n > g/base {
				break
			}
		}
	}
	return false
}

// groupLayout is the fixed metadata placement within one group.
type groupLayout struct {
	base        PBlockId
	hasBackup   bool
	blockBitmap PBlockId
	inodeBitmap PBlockId
	inodeTable  PBlockId
	dataStart   PBlockId
	overhead    uint32
}

func layoutGroup(g uint32, gdtBlocks uint32) groupLayout {
	l := groupLayout{base: PBlockId(g) * blocksPerGroup}
	meta := l.base
	if isSparseGroup(g) {
		l.hasBackup = true
		meta += 1 + PBlockId(gdtBlocks)
	}
	l.blockBitmap = meta
	l.inodeBitmap = meta + 1
	l.inodeTable = meta + 2
	l.dataStart = meta + 2 + itableBlocks
	l.overhead = uint32(l.dataStart - l.base)
	return l
}

// Mkfs formats a volume of totalBlocks 4K blocks on dev.
func Mkfs(dev BlockDevice, totalBlocks uint64, opts ...MkfsOption) error {
	cfg := MkfsConfig{
		uuid:      uuid.New(),
		createdAt: time.Now(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.volumeName) > 16 {
		return errWrap(EINVAL, "mkfs",
			fmt.Errorf("volume name %q longer than 16 bytes", cfg.volumeName))
	}

	groups := uint32((totalBlocks + blocksPerGroup - 1) / blocksPerGroup)
	if groups == 0 {
		return errWrap(EINVAL, "mkfs", fmt.Errorf("zero-block volume"))
	}
	gdtBlocks := (groups + descsPerBlock - 1) / descsPerBlock

	sb := newSuperblock(&cfg, totalBlocks, groups)
	seed := csumSeed(sb.UUID)

	rootID := InodeId(RootInode)
	if cfg.fuseRoot {
		rootID = FuseRootInode
	}

	var freeBlocks uint64
	descs := make([]groupDesc, groups)

	for g := uint32(0); g < groups; g++ {
		l := layoutGroup(g, gdtBlocks)
		inGroup := sb.blocksInGroup(g)
		if inGroup <= l.overhead {
			return errWrap(EINVAL, "mkfs",
				fmt.Errorf("group %d too small for its metadata (%d blocks)", g, inGroup))
		}

		free := inGroup - l.overhead
		if g == 0 {
			free-- // root directory block
		}
		freeBlocks += uint64(free)

		gd := &descs[g]
		gd.BlockBitmapLo = uint32(l.blockBitmap)
		gd.BlockBitmapHi = uint32(l.blockBitmap >> 32)
		gd.InodeBitmapLo = uint32(l.inodeBitmap)
		gd.InodeBitmapHi = uint32(l.inodeBitmap >> 32)
		gd.InodeTableLo = uint32(l.inodeTable)
		gd.InodeTableHi = uint32(l.inodeTable >> 32)
		gd.setFreeBlocks(free)
		if g == 0 {
			gd.setFreeInodes(inodesPerGroup - 10) // inodes 1-10 reserved
			gd.setUsedDirs(1)
		} else {
			gd.setFreeInodes(inodesPerGroup)
		}
		gd.Checksum = descChecksumSeeded(seed, g, gd)

		if err := writeGroupMeta(dev, sb, g, l); err != nil {
			return err
		}
	}

	sb.setFreeBlocksCount(freeBlocks)
	sb.FreeInodesCount = sb.InodesCount - 10

	if err := writeGDT(dev, groups, gdtBlocks, descs); err != nil {
		return err
	}
	if err := writeSuperblocks(dev, sb, groups, gdtBlocks); err != nil {
		return err
	}
	return writeRootDir(dev, sb, rootID, layoutGroup(0, gdtBlocks), &cfg)
}

func newSuperblock(cfg *MkfsConfig, totalBlocks uint64, groups uint32) *superblock {
	now := uint32(cfg.createdAt.Unix())
	sb := &superblock{
		InodesCount:      groups * inodesPerGroup,
		FirstDataBlock:   0,
		LogBlockSize:     blockSizeLog,
		LogClusterSize:   blockSizeLog,
		BlocksPerGroup:   blocksPerGroup,
		ClustersPerGroup: blocksPerGroup,
		InodesPerGroup:   inodesPerGroup,
		WTime:            now,
		MkfsTime:         now,
		MaxMntCount:      0xFFFF,
		Magic:            ext4Magic,
		State:            1, // clean
		Errors:           1, // continue on error
		RevLevel:         1, // dynamic inode sizes
		FirstInode:       firstNonResInode,
		InodeSize:        InodeSize,
		FeatureCompat:    compatExtAttr,
		FeatureIncompat:  incompatFileType | incompatExtents | incompat64Bit,
		FeatureROCompat:  roCompatSparseSuper | roCompatLargeFile | roCompatExtraIsize,
		DescSize:         descSize,
		MinExtraIsize:    32,
		WantExtraIsize:   32,
		ChecksumType:     1, // crc32c
	}
	sb.setBlocksCount(totalBlocks)
	sb.UUID = [16]byte(cfg.uuid)
	copy(sb.VolumeName[:], cfg.volumeName)
	return sb
}

// descChecksumSeeded is the descriptor checksum with an explicit seed, for
// use before an engine exists.
func descChecksumSeeded(seed uint32, g uint32, gd *groupDesc) uint16 {
	scratch := *gd
	scratch.Checksum = 0

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &scratch)

	var gle [4]byte
	binary.LittleEndian.PutUint32(gle[:], g)

	crc := crc32c(seed, gle[:])
	crc = crc32c(crc, buf.Bytes())
	return uint16(crc & 0xFFFF)
}

// writeGroupMeta writes group g's bitmaps and zeroes its inode table.
func writeGroupMeta(dev BlockDevice, sb *superblock, g uint32, l groupLayout) error {
	inGroup := sb.blocksInGroup(g)

	// Block bitmap: metadata blocks used, the tail past the volume end
	// permanently used, everything else free.
	bb := NewBlock(l.blockBitmap)
	bm := NewBitmap(bb.Data, blocksPerGroup)
	for i := uint32(0); i < l.overhead; i++ {
		bm.Set(i)
	}
	if g == 0 {
		bm.Set(l.overhead) // root directory block
	}
	for i := inGroup; i < blocksPerGroup; i++ {
		bm.Set(i)
	}
	if err := dev.WriteBlock(bb); err != nil {
		return fmt.Errorf("group %d block bitmap: %w", g, err)
	}

	// Inode bitmap: the byte range past the real bits is padded with ones.
	ib := NewBlock(l.inodeBitmap)
	im := NewBitmap(ib.Data, inodesPerGroup)
	if g == 0 {
		for i := uint32(0); i < 10; i++ {
			im.Set(i)
		}
	}
	for i := inodesPerGroup / 8; i < BlockSize; i++ {
		ib.Data[i] = 0xFF
	}
	if err := dev.WriteBlock(ib); err != nil {
		return fmt.Errorf("group %d inode bitmap: %w", g, err)
	}

	zero := make([]byte, BlockSize)
	for i := PBlockId(0); i < itableBlocks; i++ {
		b := &Block{ID: l.inodeTable + i, Data: zero}
		if err := dev.WriteBlock(b); err != nil {
			return fmt.Errorf("group %d inode table: %w", g, err)
		}
	}
	return nil
}

// writeGDT writes the primary descriptor table and its sparse backups.
func writeGDT(dev BlockDevice, groups, gdtBlocks uint32, descs []groupDesc) error {
	table := make([]*Block, gdtBlocks)
	for i := range table {
		table[i] = NewBlock(0)
	}
	for g, gd := range descs {
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &gd); err != nil {
			return errWrap(EINVAL, "mkfs", err)
		}
		blk := table[g/descsPerBlock]
		copy(blk.Data[(g%descsPerBlock)*descSize:], buf.Bytes())
	}

	for g := uint32(0); g < groups; g++ {
		if !isSparseGroup(g) {
			continue
		}
		base := PBlockId(g) * blocksPerGroup
		for i, blk := range table {
			out := &Block{ID: base + 1 + PBlockId(i), Data: blk.Data}
			if err := dev.WriteBlock(out); err != nil {
				return fmt.Errorf("group %d descriptor table: %w", g, err)
			}
		}
	}
	return nil
}

// writeSuperblocks writes the primary superblock into block 0 at byte 1024
// and full-block copies at the start of every other sparse group.
func writeSuperblocks(dev BlockDevice, sb *superblock, groups, gdtBlocks uint32) error {
	for g := uint32(0); g < groups; g++ {
		if !isSparseGroup(g) {
			continue
		}
		cp := *sb
		cp.BlockGroupNr = uint16(g)

		b := NewBlock(PBlockId(g) * blocksPerGroup)
		off := 0
		if g == 0 {
			cp.BlockGroupNr = 0
			off = superblockOffset
		}

		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &cp); err != nil {
			return errWrap(EINVAL, "mkfs", err)
		}
		copy(b.Data[off:], buf.Bytes())
		if err := dev.WriteBlock(b); err != nil {
			return fmt.Errorf("superblock copy in group %d: %w", g, err)
		}
	}
	return nil
}

// writeRootDir seeds the root directory: one data block with "." and ".."
// pointing at the root itself, and the root inode record in group 0's table.
func writeRootDir(dev BlockDevice, sb *superblock, rootID InodeId, l groupLayout, cfg *MkfsConfig) error {
	rootBlk := l.dataStart

	dirb := NewBlock(rootBlk)
	dot := dirRecLen(1)
	encodeDirent(dirb.Data, 0, rootID, dot, FTDir, ".")
	encodeDirent(dirb.Data, dot, rootID, BlockSize-dot, FTDir, "..")
	if err := dev.WriteBlock(dirb); err != nil {
		return fmt.Errorf("root directory block: %w", err)
	}

	now := uint32(cfg.createdAt.Unix())
	ino := &inode{
		Mode:       S_IFDIR | 0o755,
		LinksCount: 2,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
		Crtime:     now,
		Flags:      inodeFlagExtents,
		ExtraIsize: 32,
	}
	ino.setSize(BlockSize)
	ino.addBlocksCharge(1)
	extInitRoot(ino)
	e := extent{LBlock: 0, Len: 1}
	e.setStart(rootBlk)
	extWriteLeaf(ino.Block[:], extentRootMax, []extent{e})

	tblBlock := l.inodeTable + PBlockId((rootID-1)/inodesPerBlock)
	b, err := dev.ReadBlock(tblBlock)
	if err != nil {
		return fmt.Errorf("root inode table block: %w", err)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, ino); err != nil {
		return errWrap(EINVAL, "mkfs", err)
	}
	copy(b.Data[int((rootID-1)%inodesPerBlock)*InodeSize:], buf.Bytes())
	if err := dev.WriteBlock(b); err != nil {
		return fmt.Errorf("root inode: %w", err)
	}
	return nil
}
