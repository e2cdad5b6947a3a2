package ext4

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Extended attributes live in one dedicated block per inode, referenced by
// the inode's file_acl field. The block starts with a 32-byte header, entry
// records grow down from the header and value bytes grow up from the block
// end. The engine does not share xattr blocks between inodes; the header
// refcount is always 1.

// parseXattrName splits a fully qualified attribute name into its namespace
// index and the remainder. Unknown namespaces are rejected.
func parseXattrName(full string) (uint8, string, error) {
	dot := strings.IndexByte(full, '.')
	if dot <= 0 || dot == len(full)-1 {
		return 0, "", errWrap(EINVAL, "xattr",
			fmt.Errorf("name %q has no namespace prefix", full))
	}

	name := full[dot+1:]
	switch full[:dot] {
	case "user":
		return xattrIndexUser, name, nil
	case "trusted":
		return xattrIndexTrusted, name, nil
	case "security":
		return xattrIndexSecurity, name, nil
	case "system":
		switch name {
		case "posix_acl_access":
			return xattrIndexPosixACLAccess, "", nil
		case "posix_acl_default":
			return xattrIndexPosixACLDefault, "", nil
		}
		return xattrIndexSystem, name, nil
	}
	return 0, "", errWrap(EINVAL, "xattr",
		fmt.Errorf("unknown namespace in %q", full))
}

// xattrFullName reassembles the user-visible name from an entry.
func xattrFullName(e xattrEntry) string {
	switch e.NameIndex {
	case xattrIndexUser:
		return "user." + e.Name
	case xattrIndexPosixACLAccess:
		return "system.posix_acl_access"
	case xattrIndexPosixACLDefault:
		return "system.posix_acl_default"
	case xattrIndexTrusted:
		return "trusted." + e.Name
	case xattrIndexSecurity:
		return "security." + e.Name
	case xattrIndexSystem:
		return "system." + e.Name
	}
	return e.Name
}

func align4(n int) int { return (n + 3) &^ 3 }

// xattrEntryHash is the kernel's per-entry hash over the name and the value
// words.
func xattrEntryHash(e xattrEntry) uint32 {
	var h uint32
	for i := 0; i < len(e.Name); i++ {
		h = (h << 5) + (h >> 27) ^ uint32(e.Name[i])
	}
	v := e.Value
	for len(v)%4 != 0 {
		v = append(v, 0)
	}
	for i := 0; i < len(v); i += 4 {
		h = (h << 16) + (h >> 16) ^ binary.LittleEndian.Uint32(v[i:i+4])
	}
	return h
}

func xattrBlockHash(entries []xattrEntry) uint32 {
	var h uint32
	for _, e := range entries {
		h = (h << 16) + (h >> 16) ^ xattrEntryHash(e)
	}
	return h
}

// decodeXattrBlock parses every entry out of an xattr block buffer.
func decodeXattrBlock(buf []byte) ([]xattrEntry, error) {
	if binary.LittleEndian.Uint32(buf[0:4]) != xattrMagic {
		return nil, errWrap(EINVAL, "xattr",
			fmt.Errorf("bad xattr block magic"))
	}

	var out []xattrEntry
	off := xattrHeaderSize
	for off+xattrEntryHeaderSize <= BlockSize {
		nameLen := int(buf[off])
		if nameLen == 0 && buf[off+1] == 0 {
			break // terminator
		}

		valOff := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		valLen := int(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
		if off+xattrEntryHeaderSize+nameLen > BlockSize || valOff+valLen > BlockSize {
			return nil, errWrap(EINVAL, "xattr",
				fmt.Errorf("entry at %d overruns block", off))
		}

		e := xattrEntry{
			NameIndex: buf[off+1],
			Name:      string(buf[off+xattrEntryHeaderSize : off+xattrEntryHeaderSize+nameLen]),
			Value:     append([]byte(nil), buf[valOff:valOff+valLen]...),
		}
		out = append(out, e)
		off += align4(xattrEntryHeaderSize + nameLen)
	}
	return out, nil
}

// encodeXattrBlock lays the entries out into a fresh block buffer. ENOSPC
// when the entries plus values cannot share one block.
func encodeXattrBlock(buf []byte, entries []xattrEntry) error {
	// Deterministic layout regardless of insertion order.
	sorted := append([]xattrEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].NameIndex != sorted[j].NameIndex {
			return sorted[i].NameIndex < sorted[j].NameIndex
		}
		return sorted[i].Name < sorted[j].Name
	})

	need := xattrHeaderSize + 4 // header + terminator
	for _, e := range sorted {
		need += align4(xattrEntryHeaderSize+len(e.Name)) + align4(len(e.Value))
	}
	if need > BlockSize {
		return errWrap(ENOSPC, "set xattr",
			fmt.Errorf("attributes need %d bytes, block holds %d", need, BlockSize))
	}

	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], xattrMagic)
	binary.LittleEndian.PutUint32(buf[4:8], 1) // refcount
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], xattrBlockHash(sorted))

	off := xattrHeaderSize
	valEnd := BlockSize
	for _, e := range sorted {
		valEnd -= align4(len(e.Value))
		copy(buf[valEnd:], e.Value)

		buf[off] = uint8(len(e.Name))
		buf[off+1] = e.NameIndex
		binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(valEnd))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], 0) // value in this block
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(len(e.Value)))
		binary.LittleEndian.PutUint32(buf[off+12:off+16], xattrEntryHash(e))
		copy(buf[off+xattrEntryHeaderSize:], e.Name)
		off += align4(xattrEntryHeaderSize + len(e.Name))
	}
	return nil
}

func (ino *inode) xattrBlock() PBlockId {
	return PBlockId(ino.FileACLHi)<<32 | PBlockId(ino.FileACLLo)
}

func (ino *inode) setXattrBlock(pb PBlockId) {
	ino.FileACLLo = uint32(pb)
	ino.FileACLHi = uint16(pb >> 32)
}

// loadXattrs returns the inode's attributes, or an empty slice when the
// inode has no xattr block.
func (fs *Ext4) loadXattrs(ref InodeRef) ([]xattrEntry, error) {
	pb := ref.Inode.xattrBlock()
	if pb == 0 {
		return nil, nil
	}
	b, err := fs.dev.ReadBlock(pb)
	if err != nil {
		return nil, fmt.Errorf("xattr block %d: %w", pb, err)
	}
	return decodeXattrBlock(b.Data)
}

// storeXattrs persists the attribute set, allocating or freeing the xattr
// block as the set becomes non-empty or empty. The caller persists ref.Inode.
func (fs *Ext4) storeXattrs(ref InodeRef, entries []xattrEntry) error {
	pb := ref.Inode.xattrBlock()

	if len(entries) == 0 {
		if pb == 0 {
			return nil
		}
		if err := fs.freeBlock(pb); err != nil {
			return err
		}
		ref.Inode.setXattrBlock(0)
		ref.Inode.addBlocksCharge(-1)
		return nil
	}

	if pb == 0 {
		g, _ := fs.groupOfInode(ref.ID)
		var err error
		if pb, err = fs.allocBlock(PBlockId(g) * PBlockId(fs.sb.BlocksPerGroup)); err != nil {
			return err
		}
		ref.Inode.setXattrBlock(pb)
		ref.Inode.addBlocksCharge(1)
	}

	b := NewBlock(pb)
	if err := encodeXattrBlock(b.Data, entries); err != nil {
		return err
	}
	if err := fs.writeMeta(b); err != nil {
		return fmt.Errorf("xattr block %d: %w", pb, err)
	}
	return nil
}
