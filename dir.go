package ext4

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Directory blocks hold a chain of variable-length records: a 4-byte inode,
// 2-byte record length, 1-byte name length, 1-byte file type, then the name.
// Record lengths are 4-byte aligned and always sum to exactly BlockSize, so
// the last record absorbs the block's tail. A record with inode 0 is a
// tombstone whose space can be reclaimed.

// dirRecLen returns the aligned on-disk size of a record with an n-byte name.
func dirRecLen(n int) int {
	return (direntHeaderSize + n + 3) &^ 3
}

// checkName rejects names a directory record cannot hold.
func checkName(op, name string) error {
	switch {
	case name == "":
		return errWrap(EINVAL, op, fmt.Errorf("empty name"))
	case strings.ContainsRune(name, '/'):
		return errWrap(EINVAL, op, fmt.Errorf("name %q contains a slash", name))
	case strings.ContainsRune(name, '\x00'):
		return errWrap(EINVAL, op, fmt.Errorf("name contains NUL"))
	case len(name) > maxNameLen:
		return errWrap(ENAMETOOLONG, op, fmt.Errorf("name is %d bytes", len(name)))
	}
	return nil
}

// rawDirent is one record at a byte offset within a directory block.
type rawDirent struct {
	off    int
	inode  InodeId
	recLen int
	ftype  uint8
	name   string
}

func decodeDirent(buf []byte, off int) (rawDirent, error) {
	if off+direntHeaderSize > BlockSize {
		return rawDirent{}, errWrap(EINVAL, "read directory",
			fmt.Errorf("record header at %d crosses block end", off))
	}
	d := rawDirent{
		off:    off,
		inode:  binary.LittleEndian.Uint32(buf[off : off+4]),
		recLen: int(binary.LittleEndian.Uint16(buf[off+4 : off+6])),
		ftype:  buf[off+7],
	}
	nameLen := int(buf[off+6])
	if d.recLen < dirRecLen(nameLen) || d.recLen%4 != 0 || off+d.recLen > BlockSize {
		return rawDirent{}, errWrap(EINVAL, "read directory",
			fmt.Errorf("bad record length %d at offset %d", d.recLen, off))
	}
	d.name = string(buf[off+direntHeaderSize : off+direntHeaderSize+nameLen])
	return d, nil
}

func encodeDirent(buf []byte, off int, inode InodeId, recLen int, ftype uint8, name string) {
	binary.LittleEndian.PutUint32(buf[off:off+4], inode)
	binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(recLen))
	buf[off+6] = uint8(len(name))
	buf[off+7] = ftype
	copy(buf[off+direntHeaderSize:], name)
}

// foreachDirent walks every record of every directory block, tombstones
// included. fn returns done=true to stop the walk early.
func (fs *Ext4) foreachDirent(ref InodeRef, fn func(lb LBlockId, b *Block, d rawDirent) (done bool, err error)) error {
	nblocks := LBlockId(ref.Inode.size() / BlockSize)
	for lb := LBlockId(0); lb < nblocks; lb++ {
		pb, ok, err := fs.extLookup(ref.Inode, lb)
		if err != nil {
			return err
		}
		if !ok {
			return errWrap(EINVAL, "read directory",
				fmt.Errorf("directory %d has unmapped block %d", ref.ID, lb))
		}

		b, err := fs.dev.ReadBlock(pb)
		if err != nil {
			return fmt.Errorf("directory block %d: %w", pb, err)
		}

		for off := 0; off < BlockSize; {
			d, err := decodeDirent(b.Data, off)
			if err != nil {
				return err
			}
			done, err := fn(lb, b, d)
			if err != nil || done {
				return err
			}
			off += d.recLen
		}
	}
	return nil
}

// dirFind looks name up in the directory. ENOENT when absent.
func (fs *Ext4) dirFind(ref InodeRef, name string) (DirEntry, error) {
	var found *DirEntry
	err := fs.foreachDirent(ref, func(_ LBlockId, _ *Block, d rawDirent) (bool, error) {
		if d.inode != 0 && d.name == name {
			found = &DirEntry{Inode: d.inode, FileType: d.ftype, Name: d.name}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return DirEntry{}, err
	}
	if found == nil {
		return DirEntry{}, errWrap(ENOENT, "lookup", fmt.Errorf("no entry %q", name))
	}
	return *found, nil
}

// dirList returns the live entries in on-disk order.
func (fs *Ext4) dirList(ref InodeRef) ([]DirEntry, error) {
	var out []DirEntry
	err := fs.foreachDirent(ref, func(_ LBlockId, _ *Block, d rawDirent) (bool, error) {
		if d.inode != 0 {
			out = append(out, DirEntry{Inode: d.inode, FileType: d.ftype, Name: d.name})
		}
		return false, nil
	})
	return out, err
}

// dirIsEmpty reports whether the directory holds nothing but "." and "..".
func (fs *Ext4) dirIsEmpty(ref InodeRef) (bool, error) {
	empty := true
	err := fs.foreachDirent(ref, func(_ LBlockId, _ *Block, d rawDirent) (bool, error) {
		if d.inode != 0 && d.name != "." && d.name != ".." {
			empty = false
			return true, nil
		}
		return false, nil
	})
	return empty, err
}

// dirInsert adds a record for name. It reuses the first slot with enough
// slack (a tombstone or a live record's tail padding) and extends the
// directory by one block when no slot fits. EEXIST when name is present.
// The caller persists ref.Inode afterwards.
func (fs *Ext4) dirInsert(ref InodeRef, name string, ino InodeId, ftype uint8) error {
	if err := checkName("insert entry", name); err != nil {
		return err
	}

	need := dirRecLen(len(name))
	inserted := false

	err := fs.foreachDirent(ref, func(_ LBlockId, b *Block, d rawDirent) (bool, error) {
		if d.inode != 0 && d.name == name {
			return true, errWrap(EEXIST, "insert entry", fmt.Errorf("entry %q exists", name))
		}

		if d.inode == 0 && d.recLen >= need {
			// Claim the tombstone, keeping its full record length.
			encodeDirent(b.Data, d.off, ino, d.recLen, ftype, name)
			inserted = true
			if err := fs.writeMeta(b); err != nil {
				return true, fmt.Errorf("directory block %d: %w", b.ID, err)
			}
			return true, nil
		}

		if used := dirRecLen(len(d.name)); d.inode != 0 && d.recLen-used >= need {
			// Shrink the live record to its real size and carve the new
			// record out of its tail.
			encodeDirent(b.Data, d.off, d.inode, used, d.ftype, d.name)
			encodeDirent(b.Data, d.off+used, ino, d.recLen-used, ftype, name)
			inserted = true
			if err := fs.writeMeta(b); err != nil {
				return true, fmt.Errorf("directory block %d: %w", b.ID, err)
			}
			return true, nil
		}
		return false, nil
	})
	if err != nil || inserted {
		return err
	}

	return fs.dirAppendBlock(ref, name, ino, ftype)
}

// dirAppendBlock grows the directory by one block holding just the new
// record (which therefore spans the whole block).
func (fs *Ext4) dirAppendBlock(ref InodeRef, name string, ino InodeId, ftype uint8) error {
	g, _ := fs.groupOfInode(ref.ID)
	pb, err := fs.allocBlock(PBlockId(g) * PBlockId(fs.sb.BlocksPerGroup))
	if err != nil {
		return err
	}

	b := NewBlock(pb)
	encodeDirent(b.Data, 0, ino, BlockSize, ftype, name)
	if err := fs.writeMeta(b); err != nil {
		return fmt.Errorf("directory block %d: %w", pb, err)
	}

	lb := LBlockId(ref.Inode.size() / BlockSize)
	if err := fs.extInsert(ref, lb, pb); err != nil {
		return err
	}
	ref.Inode.setSize(ref.Inode.size() + BlockSize)
	ref.Inode.addBlocksCharge(1)
	return nil
}

// dirRemove deletes name's record. The first record of a block becomes a
// tombstone; any other record is absorbed into its predecessor's length.
// The caller persists ref.Inode for the timestamp change.
func (fs *Ext4) dirRemove(ref InodeRef, name string) error {
	if err := checkName("remove entry", name); err != nil {
		return err
	}

	removed := false
	var prev rawDirent

	err := fs.foreachDirent(ref, func(_ LBlockId, b *Block, d rawDirent) (bool, error) {
		if d.inode == 0 || d.name != name {
			prev = d
			return false, nil
		}

		if d.off == 0 {
			encodeDirent(b.Data, 0, 0, d.recLen, 0, "")
		} else {
			encodeDirent(b.Data, prev.off, prev.inode, prev.recLen+d.recLen, prev.ftype, prev.name)
		}
		removed = true
		if err := fs.writeMeta(b); err != nil {
			return true, fmt.Errorf("directory block %d: %w", b.ID, err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !removed {
		return errWrap(ENOENT, "remove entry", fmt.Errorf("no entry %q", name))
	}
	return nil
}

// dirInitSelf writes the "." and ".." records into a brand-new directory's
// first block. The caller has already allocated pb and mapped it at logical
// block 0.
func (fs *Ext4) dirInitSelf(pb PBlockId, self, parent InodeId) error {
	b := NewBlock(pb)
	dot := dirRecLen(1)
	encodeDirent(b.Data, 0, self, dot, FTDir, ".")
	encodeDirent(b.Data, dot, parent, BlockSize-dot, FTDir, "..")
	if err := fs.writeMeta(b); err != nil {
		return fmt.Errorf("directory block %d: %w", pb, err)
	}
	return nil
}

// dirSetParent rewrites the ".." record, used when reparenting is needed.
func (fs *Ext4) dirSetParent(ref InodeRef, parent InodeId) error {
	updated := false
	err := fs.foreachDirent(ref, func(_ LBlockId, b *Block, d rawDirent) (bool, error) {
		if d.inode != 0 && d.name == ".." {
			encodeDirent(b.Data, d.off, parent, d.recLen, FTDir, "..")
			updated = true
			if err := fs.writeMeta(b); err != nil {
				return true, fmt.Errorf("directory block %d: %w", b.ID, err)
			}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !updated {
		return errWrap(EINVAL, "reparent", fmt.Errorf("directory %d has no \"..\"", ref.ID))
	}
	return nil
}
