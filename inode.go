package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const inodesPerBlock = BlockSize / InodeSize

// InodeRef pairs an inode id with its decoded record. Refs are plain values:
// mutate the record, then hand the ref to writeInode to persist it. Two refs
// for the same id do not see each other's changes until written and re-read.
type InodeRef struct {
	ID    InodeId
	Inode *inode
}

// inodeLocation returns the physical block and byte offset of inode id
// within its group's inode table.
func (fs *Ext4) inodeLocation(id InodeId) (PBlockId, int, error) {
	if id == 0 || id > fs.sb.InodesCount {
		return 0, 0, errWrap(EINVAL, "locate inode",
			fmt.Errorf("inode %d out of range (%d inodes)", id, fs.sb.InodesCount))
	}

	g, index := fs.groupOfInode(id)
	gd, err := fs.readGroupDesc(g)
	if err != nil {
		return 0, 0, err
	}

	pb := gd.inodeTable() + PBlockId(index/inodesPerBlock)
	return pb, int(index%inodesPerBlock) * InodeSize, nil
}

// readInode fetches inode id from its table block.
func (fs *Ext4) readInode(id InodeId) (InodeRef, error) {
	pb, off, err := fs.inodeLocation(id)
	if err != nil {
		return InodeRef{}, err
	}

	b, err := fs.dev.ReadBlock(pb)
	if err != nil {
		return InodeRef{}, fmt.Errorf("inode %d: %w", id, err)
	}

	ino := &inode{}
	r := bytes.NewReader(b.Data[off : off+InodeSize])
	if err := binary.Read(r, binary.LittleEndian, ino); err != nil {
		return InodeRef{}, errWrap(EINVAL, "read inode", err)
	}
	return InodeRef{ID: id, Inode: ino}, nil
}

// writeInode persists the ref's record with a read-modify-write of its table
// block, preserving sibling inodes.
func (fs *Ext4) writeInode(ref InodeRef) error {
	pb, off, err := fs.inodeLocation(ref.ID)
	if err != nil {
		return err
	}

	b, err := fs.dev.ReadBlock(pb)
	if err != nil {
		return fmt.Errorf("inode %d: %w", ref.ID, err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, ref.Inode); err != nil {
		return errWrap(EINVAL, "write inode", err)
	}
	copy(b.Data[off:], buf.Bytes())

	if err := fs.writeMeta(b); err != nil {
		return fmt.Errorf("inode %d: %w", ref.ID, err)
	}
	return nil
}

// newInode builds a fresh in-core record for a just-allocated id. Regular
// files and directories get an empty inline extent root; symlink targets are
// stored by the caller. LinksCount starts at 0 and is raised by the first
// directory entry pointing at the inode.
func (fs *Ext4) newInode(id InodeId, mode uint16, uid, gid uint32) InodeRef {
	now := uint32(time.Now().Unix())
	ino := &inode{
		Mode:       mode,
		UID:        uint16(uid),
		UIDHi:      uint16(uid >> 16),
		GID:        uint16(gid),
		GIDHi:      uint16(gid >> 16),
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
		Crtime:     now,
		ExtraIsize: 32,
	}

	if mode&S_IFMT != S_IFLNK {
		ino.Flags = inodeFlagExtents
		extInitRoot(ino)
	}
	return InodeRef{ID: id, Inode: ino}
}

// touch updates the inode's modification and change times.
func (ino *inode) touch() {
	now := uint32(time.Now().Unix())
	ino.Mtime = now
	ino.Ctime = now
}

// SetAttr carries the attribute changes Ext4.SetAttr should apply. Nil
// fields are left untouched.
type SetAttr struct {
	Mode  *uint16
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// Stat is the caller-facing view of one inode.
type Stat struct {
	Ino        InodeId
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       uint64
	Links      uint16
	Blocks     uint64 // 512-byte units
	Atime      time.Time
	Mtime      time.Time
	Ctime      time.Time
	Crtime     time.Time
	XattrBlock PBlockId
}

func statOf(ref InodeRef) Stat {
	ino := ref.Inode
	return Stat{
		Ino:        ref.ID,
		Mode:       ino.Mode,
		UID:        uint32(ino.UIDHi)<<16 | uint32(ino.UID),
		GID:        uint32(ino.GIDHi)<<16 | uint32(ino.GID),
		Size:       ino.size(),
		Links:      ino.LinksCount,
		Blocks:     uint64(ino.BlocksHi)<<32 | uint64(ino.BlocksLo),
		Atime:      time.Unix(int64(ino.Atime), 0),
		Mtime:      time.Unix(int64(ino.Mtime), 0),
		Ctime:      time.Unix(int64(ino.Ctime), 0),
		Crtime:     time.Unix(int64(ino.Crtime), 0),
		XattrBlock: PBlockId(ino.FileACLHi)<<32 | PBlockId(ino.FileACLLo),
	}
}

// addBlocksCharge adjusts the inode's 512-byte sector count by delta blocks.
func (ino *inode) addBlocksCharge(delta int64) {
	cur := int64(uint64(ino.BlocksHi)<<32 | uint64(ino.BlocksLo))
	cur += delta * (BlockSize / 512)
	if cur < 0 {
		cur = 0
	}
	ino.BlocksLo = uint32(uint64(cur))
	ino.BlocksHi = uint16(uint64(cur) >> 32)
}
