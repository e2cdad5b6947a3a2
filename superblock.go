package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// parseSuperblock decodes the superblock from block 0. No field other than
// Magic may be trusted before validate has run.
func parseSuperblock(block0 *Block) (superblock, error) {
	var sb superblock
	r := bytes.NewReader(block0.Data[superblockOffset : superblockOffset+1024])
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return sb, errWrap(EINVAL, "parse superblock", err)
	}
	return sb, nil
}

// validate rejects volumes the engine cannot serve. Structural corruption is
// fatal to the mount; the engine never attempts a partial mount or repair.
func (sb *superblock) validate() error {
	if sb.Magic != ext4Magic {
		return errWrap(EINVAL, "load",
			fmt.Errorf("bad superblock magic 0x%04X", sb.Magic))
	}
	if sb.InodeSize != InodeSize {
		return errWrap(EINVAL, "load",
			fmt.Errorf("unsupported inode size %d (want %d)", sb.InodeSize, InodeSize))
	}
	if sb.DescSize != descSize {
		return errWrap(EINVAL, "load",
			fmt.Errorf("unsupported descriptor size %d (want %d)", sb.DescSize, descSize))
	}
	// The engine hard-codes 4K blocks; a volume formatted with any other
	// block size is rejected rather than silently misread.
	if sb.LogBlockSize != blockSizeLog {
		return errWrap(EINVAL, "load",
			fmt.Errorf("unsupported block size %d (want %d)", 1024<<sb.LogBlockSize, BlockSize))
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return errWrap(EINVAL, "load", fmt.Errorf("zero group geometry"))
	}
	return nil
}

func (sb *superblock) blocksCount() uint64 {
	return uint64(sb.BlocksCountHi)<<32 | uint64(sb.BlocksCountLo)
}

func (sb *superblock) setBlocksCount(n uint64) {
	sb.BlocksCountLo = uint32(n)
	sb.BlocksCountHi = uint32(n >> 32)
}

func (sb *superblock) freeBlocksCount() uint64 {
	return uint64(sb.FreeBlocksCountHi)<<32 | uint64(sb.FreeBlocksCountLo)
}

func (sb *superblock) setFreeBlocksCount(n uint64) {
	sb.FreeBlocksCountLo = uint32(n)
	sb.FreeBlocksCountHi = uint32(n >> 32)
}

// groupCount derives the number of block groups from the volume geometry.
func (sb *superblock) groupCount() uint32 {
	bc := sb.blocksCount()
	per := uint64(sb.BlocksPerGroup)
	return uint32((bc + per - 1) / per)
}

// blocksInGroup returns the number of blocks group g actually covers; the
// last group may be short.
func (sb *superblock) blocksInGroup(g uint32) uint32 {
	if g == sb.groupCount()-1 {
		return uint32(sb.blocksCount() - uint64(g)*uint64(sb.BlocksPerGroup))
	}
	return sb.BlocksPerGroup
}

func (sb *superblock) volumeName() string {
	return strings.TrimRight(string(sb.VolumeName[:]), "\x00")
}

// encodeInto serializes the superblock back into a block-0 buffer at byte
// offset 1024, leaving the rest of the block untouched.
func (sb *superblock) encodeInto(block0 *Block) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, sb); err != nil {
		return errWrap(EINVAL, "encode superblock", err)
	}
	copy(block0.Data[superblockOffset:], buf.Bytes())
	return nil
}

// flushSuperblock writes the in-memory superblock counters back to disk.
// Only the primary copy is maintained during normal operation; backups are
// the formatter's concern.
func (fs *Ext4) flushSuperblock() error {
	block0, err := fs.dev.ReadBlock(0)
	if err != nil {
		return fmt.Errorf("flush superblock: %w", err)
	}
	if err := fs.sb.encodeInto(block0); err != nil {
		return err
	}
	if err := fs.writeMeta(block0); err != nil {
		return fmt.Errorf("flush superblock: %w", err)
	}
	return nil
}
