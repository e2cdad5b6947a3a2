package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const descsPerBlock = BlockSize / descSize

// gdtBlock returns the physical block holding group g's descriptor. The
// descriptor table starts in the block after the superblock.
func (fs *Ext4) gdtBlock(g uint32) PBlockId {
	return PBlockId(fs.sb.FirstDataBlock) + 1 + PBlockId(g/descsPerBlock)
}

// readGroupDesc fetches the 64-byte descriptor for group g. Descriptors are
// re-read per operation; the engine keeps no descriptor cache.
func (fs *Ext4) readGroupDesc(g uint32) (*groupDesc, error) {
	if g >= fs.sb.groupCount() {
		return nil, errWrap(EINVAL, "read group descriptor",
			fmt.Errorf("group %d out of range (%d groups)", g, fs.sb.groupCount()))
	}

	b, err := fs.dev.ReadBlock(fs.gdtBlock(g))
	if err != nil {
		return nil, fmt.Errorf("group %d descriptor: %w", g, err)
	}

	off := int(g%descsPerBlock) * descSize
	gd := &groupDesc{}
	r := bytes.NewReader(b.Data[off : off+descSize])
	if err := binary.Read(r, binary.LittleEndian, gd); err != nil {
		return nil, errWrap(EINVAL, "read group descriptor", err)
	}
	return gd, nil
}

// writeGroupDesc writes group g's descriptor back, refreshing its checksum.
// The write is a read-modify-write of the containing GDT block so sibling
// descriptors are preserved.
func (fs *Ext4) writeGroupDesc(g uint32, gd *groupDesc) error {
	gd.Checksum = fs.descChecksum(g, gd)

	b, err := fs.dev.ReadBlock(fs.gdtBlock(g))
	if err != nil {
		return fmt.Errorf("group %d descriptor: %w", g, err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, gd); err != nil {
		return errWrap(EINVAL, "write group descriptor", err)
	}
	copy(b.Data[int(g%descsPerBlock)*descSize:], buf.Bytes())

	if err := fs.writeMeta(b); err != nil {
		return fmt.Errorf("group %d descriptor: %w", g, err)
	}
	return nil
}

// descChecksum computes the descriptor checksum: crc32c over the volume
// UUID seed, the group number, and the descriptor with its checksum field
// zeroed, truncated to 16 bits.
func (fs *Ext4) descChecksum(g uint32, gd *groupDesc) uint16 {
	return descChecksumSeeded(csumSeed(fs.sb.UUID), g, gd)
}

// groupOfBlock maps a physical block to its block group.
func (fs *Ext4) groupOfBlock(pb PBlockId) uint32 {
	return uint32(pb / PBlockId(fs.sb.BlocksPerGroup))
}

// groupOfInode maps an inode id to its block group and index within that
// group's inode table. Inode ids are 1-based.
func (fs *Ext4) groupOfInode(id InodeId) (group, index uint32) {
	return (id - 1) / fs.sb.InodesPerGroup, (id - 1) % fs.sb.InodesPerGroup
}
