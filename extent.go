package ext4

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Extent tree mapping. The tree root lives in the inode's 60-byte block area
// and holds at most 4 entries; deeper nodes each fill one block. The tree
// starts as an inline leaf (depth 0) and grows as the file gains extents:
// full leaves split in half, splits promote an index entry one level up, and
// a full root pushes its entries into a fresh node and gains a level.
//
// Node mutation is in-memory first: helpers rewrite the inode's root area or
// a leaf block buffer, then the leaf blocks are written through writeMeta.
// Persisting the inode itself is the caller's job.

func extDecodeHeader(buf []byte) extentHeader {
	return extentHeader{
		Magic:      binary.LittleEndian.Uint16(buf[0:2]),
		Entries:    binary.LittleEndian.Uint16(buf[2:4]),
		Max:        binary.LittleEndian.Uint16(buf[4:6]),
		Depth:      binary.LittleEndian.Uint16(buf[6:8]),
		Generation: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func extEncodeHeader(buf []byte, h extentHeader) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], h.Entries)
	binary.LittleEndian.PutUint16(buf[4:6], h.Max)
	binary.LittleEndian.PutUint16(buf[6:8], h.Depth)
	binary.LittleEndian.PutUint32(buf[8:12], h.Generation)
}

func extEntrySlot(buf []byte, i int) []byte {
	off := extentHeaderSize + i*extentEntrySize
	return buf[off : off+extentEntrySize]
}

func extDecodeExtent(buf []byte, i int) extent {
	s := extEntrySlot(buf, i)
	return extent{
		LBlock:  binary.LittleEndian.Uint32(s[0:4]),
		Len:     binary.LittleEndian.Uint16(s[4:6]),
		StartHi: binary.LittleEndian.Uint16(s[6:8]),
		StartLo: binary.LittleEndian.Uint32(s[8:12]),
	}
}

func extEncodeExtent(buf []byte, i int, e extent) {
	s := extEntrySlot(buf, i)
	binary.LittleEndian.PutUint32(s[0:4], e.LBlock)
	binary.LittleEndian.PutUint16(s[4:6], e.Len)
	binary.LittleEndian.PutUint16(s[6:8], e.StartHi)
	binary.LittleEndian.PutUint32(s[8:12], e.StartLo)
}

func extDecodeIdx(buf []byte, i int) extentIdx {
	s := extEntrySlot(buf, i)
	return extentIdx{
		LBlock: binary.LittleEndian.Uint32(s[0:4]),
		LeafLo: binary.LittleEndian.Uint32(s[4:8]),
		LeafHi: binary.LittleEndian.Uint16(s[8:10]),
	}
}

func extEncodeIdx(buf []byte, i int, ix extentIdx) {
	s := extEntrySlot(buf, i)
	binary.LittleEndian.PutUint32(s[0:4], ix.LBlock)
	binary.LittleEndian.PutUint32(s[4:8], ix.LeafLo)
	binary.LittleEndian.PutUint16(s[8:10], ix.LeafHi)
	binary.LittleEndian.PutUint16(s[10:12], 0)
}

func extReadExtents(buf []byte, h extentHeader) []extent {
	out := make([]extent, h.Entries)
	for i := range out {
		out[i] = extDecodeExtent(buf, i)
	}
	return out
}

func extReadIdxs(buf []byte, h extentHeader) []extentIdx {
	out := make([]extentIdx, h.Entries)
	for i := range out {
		out[i] = extDecodeIdx(buf, i)
	}
	return out
}

// extWriteLeaf rewrites a node buffer as a leaf holding ents.
func extWriteLeaf(buf []byte, max uint16, ents []extent) {
	extEncodeHeader(buf, extentHeader{
		Magic:   extentMagic,
		Entries: uint16(len(ents)),
		Max:     max,
		Depth:   0,
	})
	for i, e := range ents {
		extEncodeExtent(buf, i, e)
	}
}

// extWriteIndex rewrites a node buffer as a depth-d index holding idxs.
func extWriteIndex(buf []byte, max, depth uint16, idxs []extentIdx) {
	extEncodeHeader(buf, extentHeader{
		Magic:   extentMagic,
		Entries: uint16(len(idxs)),
		Max:     max,
		Depth:   depth,
	})
	for i, ix := range idxs {
		extEncodeIdx(buf, i, ix)
	}
}

// extInitRoot resets the inode's root area to an empty inline leaf.
func extInitRoot(ino *inode) {
	for i := range ino.Block {
		ino.Block[i] = 0
	}
	extEncodeHeader(ino.Block[:], extentHeader{
		Magic: extentMagic,
		Max:   extentRootMax,
	})
}

func extCheckHeader(h extentHeader, op string) error {
	if h.Magic != extentMagic {
		return errWrap(EINVAL, op,
			fmt.Errorf("bad extent node magic 0x%04X", h.Magic))
	}
	return nil
}

// extLookup maps a logical block through the tree. The bool result is false
// for holes and for blocks past the last extent.
func (fs *Ext4) extLookup(ino *inode, lb LBlockId) (PBlockId, bool, error) {
	buf := ino.Block[:]
	h := extDecodeHeader(buf)
	if err := extCheckHeader(h, "map block"); err != nil {
		return 0, false, err
	}

	for h.Depth > 0 {
		idxs := extReadIdxs(buf, h)
		// Last index whose first covered block is <= lb.
		i := sort.Search(len(idxs), func(i int) bool { return idxs[i].LBlock > lb }) - 1
		if i < 0 {
			return 0, false, nil
		}

		child, err := fs.dev.ReadBlock(idxs[i].leaf())
		if err != nil {
			return 0, false, fmt.Errorf("extent node %d: %w", idxs[i].leaf(), err)
		}
		buf = child.Data
		ch := extDecodeHeader(buf)
		if err := extCheckHeader(ch, "map block"); err != nil {
			return 0, false, err
		}
		if ch.Depth != h.Depth-1 {
			return 0, false, errWrap(EINVAL, "map block",
				fmt.Errorf("extent depth %d under depth %d", ch.Depth, h.Depth))
		}
		h = ch
	}

	ents := extReadExtents(buf, h)
	i := sort.Search(len(ents), func(i int) bool { return ents[i].LBlock > lb }) - 1
	if i < 0 || !ents[i].covers(lb) {
		return 0, false, nil
	}
	return ents[i].start() + PBlockId(lb-ents[i].LBlock), true, nil
}

// extInsertSorted places a one-block mapping into a sorted extent slice,
// merging with a contiguous neighbor where possible. The caller guarantees
// lb is not already mapped.
func extInsertSorted(ents []extent, lb LBlockId, pb PBlockId) []extent {
	i := sort.Search(len(ents), func(i int) bool { return ents[i].LBlock > lb })

	// Grow the preceding extent when the new block continues its run.
	if i > 0 {
		p := &ents[i-1]
		if p.LBlock+uint32(p.Len) == lb && p.start()+PBlockId(p.Len) == pb && p.Len < extentMaxLen {
			p.Len++
			return ents
		}
	}
	// Or pull the following extent back by one.
	if i < len(ents) {
		n := &ents[i]
		if lb+1 == n.LBlock && pb+1 == n.start() && n.Len < extentMaxLen {
			n.LBlock = lb
			n.setStart(pb)
			n.Len++
			return ents
		}
	}

	e := extent{LBlock: lb, Len: 1}
	e.setStart(pb)
	ents = append(ents, extent{})
	copy(ents[i+1:], ents[i:])
	ents[i] = e
	return ents
}

// extInsert records the mapping lb -> pb in the inode's tree, growing the
// tree as needed. Tree blocks it allocates are charged to the inode; the
// caller persists the inode afterwards.
func (fs *Ext4) extInsert(ref InodeRef, lb LBlockId, pb PBlockId) error {
	_, err := fs.extInsertNode(ref, ref.Inode.Block[:], true, lb, pb)
	return err
}

// extInsertNode inserts into the subtree rooted at buf. A node that has to
// split hands back the index entry for its new sibling, which the caller
// registers one level up; the root absorbs its own overflow by gaining a
// level, so the top-level call never sees a promotion. Non-root node blocks
// are written by their parent after the recursion mutates them.
func (fs *Ext4) extInsertNode(ref InodeRef, buf []byte, isRoot bool, lb LBlockId, pb PBlockId) (*extentIdx, error) {
	h := extDecodeHeader(buf)
	if err := extCheckHeader(h, "insert extent"); err != nil {
		return nil, err
	}
	max := extentNodeMax
	if isRoot {
		max = extentRootMax
	}

	if h.Depth == 0 {
		ents := extInsertSorted(extReadExtents(buf, h), lb, pb)
		if len(ents) <= max {
			extWriteLeaf(buf, uint16(max), ents)
			return nil, nil
		}
		if isRoot {
			return nil, fs.extRootToIndex(ref, ents)
		}
		return fs.extSplitLeaf(ref, buf, ents)
	}

	idxs := extReadIdxs(buf, h)
	i := sort.Search(len(idxs), func(i int) bool { return idxs[i].LBlock > lb }) - 1
	if i < 0 {
		// Mapping before the first child's range: route it to the first
		// child and lower that child's index key.
		i = 0
		idxs[0].LBlock = lb
	}

	childID := idxs[i].leaf()
	child, err := fs.dev.ReadBlock(childID)
	if err != nil {
		return nil, fmt.Errorf("extent node %d: %w", childID, err)
	}
	ch := extDecodeHeader(child.Data)
	if err := extCheckHeader(ch, "insert extent"); err != nil {
		return nil, err
	}
	if ch.Depth != h.Depth-1 {
		return nil, errWrap(EINVAL, "insert extent",
			fmt.Errorf("extent depth %d under depth %d", ch.Depth, h.Depth))
	}

	promoted, err := fs.extInsertNode(ref, child.Data, false, lb, pb)
	if err != nil {
		return nil, err
	}
	if err := fs.writeMeta(child); err != nil {
		return nil, fmt.Errorf("extent node %d: %w", childID, err)
	}

	if promoted != nil {
		j := sort.Search(len(idxs), func(j int) bool { return idxs[j].LBlock > promoted.LBlock })
		idxs = append(idxs, extentIdx{})
		copy(idxs[j+1:], idxs[j:])
		idxs[j] = *promoted
	}

	if len(idxs) <= max {
		extWriteIndex(buf, uint16(max), h.Depth, idxs)
		return nil, nil
	}
	if isRoot {
		return nil, fs.extGrowRoot(ref, h.Depth, idxs)
	}
	return fs.extSplitIndex(ref, buf, h.Depth, idxs)
}

// inodeGoal is the default allocation goal for an inode's tree blocks: the
// start of its own group.
func (fs *Ext4) inodeGoal(ref InodeRef) PBlockId {
	g, _ := fs.groupOfInode(ref.ID)
	return PBlockId(g) * PBlockId(fs.sb.BlocksPerGroup)
}

// extRootToIndex converts an overflowing inline leaf into a depth-1 tree:
// the entries move to a fresh leaf block and the root becomes an index with
// a single entry pointing at it.
func (fs *Ext4) extRootToIndex(ref InodeRef, ents []extent) error {
	pb, err := fs.allocBlock(fs.inodeGoal(ref))
	if err != nil {
		return err
	}

	leaf := NewBlock(pb)
	extWriteLeaf(leaf.Data, extentNodeMax, ents)
	if err := fs.writeMeta(leaf); err != nil {
		return fmt.Errorf("extent leaf %d: %w", pb, err)
	}

	ix := extentIdx{LBlock: ents[0].LBlock}
	ix.setLeaf(pb)
	extWriteIndex(ref.Inode.Block[:], extentRootMax, 1, []extentIdx{ix})
	ref.Inode.addBlocksCharge(1)
	return nil
}

// extGrowRoot pushes an overflowing root index down into a fresh node block
// and leaves the root as a one-entry index a level higher.
func (fs *Ext4) extGrowRoot(ref InodeRef, depth uint16, idxs []extentIdx) error {
	pb, err := fs.allocBlock(fs.inodeGoal(ref))
	if err != nil {
		return err
	}

	node := NewBlock(pb)
	extWriteIndex(node.Data, extentNodeMax, depth, idxs)
	if err := fs.writeMeta(node); err != nil {
		return fmt.Errorf("extent node %d: %w", pb, err)
	}

	ix := extentIdx{LBlock: idxs[0].LBlock}
	ix.setLeaf(pb)
	extWriteIndex(ref.Inode.Block[:], extentRootMax, depth+1, []extentIdx{ix})
	ref.Inode.addBlocksCharge(1)
	return nil
}

// extSplitLeaf moves the upper half of an overflowing leaf into a new block,
// keeps the lower half in buf, and returns the new leaf's index entry.
func (fs *Ext4) extSplitLeaf(ref InodeRef, buf []byte, ents []extent) (*extentIdx, error) {
	newID, err := fs.allocBlock(fs.inodeGoal(ref))
	if err != nil {
		return nil, err
	}

	mid := len(ents) / 2
	low, high := ents[:mid], ents[mid:]

	sib := NewBlock(newID)
	extWriteLeaf(sib.Data, extentNodeMax, high)
	if err := fs.writeMeta(sib); err != nil {
		return nil, fmt.Errorf("extent leaf %d: %w", newID, err)
	}
	extWriteLeaf(buf, extentNodeMax, low)
	ref.Inode.addBlocksCharge(1)

	ix := extentIdx{LBlock: high[0].LBlock}
	ix.setLeaf(newID)
	return &ix, nil
}

// extSplitIndex is extSplitLeaf for index nodes.
func (fs *Ext4) extSplitIndex(ref InodeRef, buf []byte, depth uint16, idxs []extentIdx) (*extentIdx, error) {
	newID, err := fs.allocBlock(fs.inodeGoal(ref))
	if err != nil {
		return nil, err
	}

	mid := len(idxs) / 2
	low, high := idxs[:mid], idxs[mid:]

	sib := NewBlock(newID)
	extWriteIndex(sib.Data, extentNodeMax, depth, high)
	if err := fs.writeMeta(sib); err != nil {
		return nil, fmt.Errorf("extent node %d: %w", newID, err)
	}
	extWriteIndex(buf, extentNodeMax, depth, low)
	ref.Inode.addBlocksCharge(1)

	ix := extentIdx{LBlock: high[0].LBlock}
	ix.setLeaf(newID)
	return &ix, nil
}

// extEach calls fn for every extent in the inode's tree, in logical order.
func (fs *Ext4) extEach(ino *inode, fn func(extent) error) error {
	return fs.extEachNode(ino.Block[:], fn, nil)
}

// extEachNode walks one node buffer; nodeFn, when non-nil, additionally
// receives the physical id of every non-root tree block visited.
func (fs *Ext4) extEachNode(buf []byte, fn func(extent) error, nodeFn func(PBlockId) error) error {
	h := extDecodeHeader(buf)
	if err := extCheckHeader(h, "walk extents"); err != nil {
		return err
	}

	if h.Depth == 0 {
		for _, e := range extReadExtents(buf, h) {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}

	for _, ix := range extReadIdxs(buf, h) {
		child, err := fs.dev.ReadBlock(ix.leaf())
		if err != nil {
			return fmt.Errorf("extent node %d: %w", ix.leaf(), err)
		}
		if err := fs.extEachNode(child.Data, fn, nodeFn); err != nil {
			return err
		}
		if nodeFn != nil {
			if err := nodeFn(ix.leaf()); err != nil {
				return err
			}
		}
	}
	return nil
}

// extTruncate frees every data block and tree block of the inode and resets
// the root to an empty inline leaf. The caller persists the inode.
func (fs *Ext4) extTruncate(ref InodeRef) error {
	ino := ref.Inode

	freeExtent := func(e extent) error {
		for i := uint16(0); i < e.Len; i++ {
			if err := fs.freeBlock(e.start() + PBlockId(i)); err != nil {
				return err
			}
			ino.addBlocksCharge(-1)
		}
		return nil
	}
	freeNode := func(pb PBlockId) error {
		if err := fs.freeBlock(pb); err != nil {
			return err
		}
		ino.addBlocksCharge(-1)
		return nil
	}

	if err := fs.extEachNode(ino.Block[:], freeExtent, freeNode); err != nil {
		return err
	}

	extInitRoot(ino)
	return nil
}
