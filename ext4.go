package ext4

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ext4 is the filesystem engine. All public operations serialize on one
// mutex: the on-disk structures are shared mutable state and the engine
// favors correctness over intra-volume parallelism. Every mutating
// operation runs inside one journal transaction.
type Ext4 struct {
	mu   sync.Mutex
	dev  BlockDevice
	jbd  Jbd2
	log  *zap.Logger
	sb   superblock
	root InodeId
}

// Load mounts the volume on dev: it reads and validates the superblock,
// replays the journal if one is attached, and returns an engine ready to
// serve operations.
func Load(dev BlockDevice, opts ...Option) (*Ext4, error) {
	fs := &Ext4{
		dev:  dev,
		jbd:  nopJournal{},
		log:  zap.NewNop(),
		root: RootInode,
	}
	for _, o := range opts {
		o(fs)
	}

	block0, err := dev.ReadBlock(0)
	if err != nil {
		return nil, fmt.Errorf("load superblock: %w", err)
	}
	sb, err := parseSuperblock(block0)
	if err != nil {
		return nil, err
	}
	if err := sb.validate(); err != nil {
		return nil, err
	}
	fs.sb = sb

	if err := fs.jbd.LoadJournal(); err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if err := fs.jbd.Recover(); err != nil {
		return nil, fmt.Errorf("recover journal: %w", err)
	}
	if err := fs.jbd.JournalStart(); err != nil {
		return nil, fmt.Errorf("start journal: %w", err)
	}

	// A missing root is legal here: a skeleton volume becomes usable after
	// Init. Everything else fails per-operation with ENOTDIR until then.
	if root, err := fs.readInode(fs.root); err != nil {
		return nil, err
	} else if !root.Inode.isDir() {
		fs.log.Warn("root inode not initialized; call Init",
			zap.Uint32("inode", fs.root))
	}

	fs.log.Info("volume loaded",
		zap.String("volume", sb.volumeName()),
		zap.Uint64("blocks", sb.blocksCount()),
		zap.Uint32("groups", sb.groupCount()))
	return fs, nil
}

// Init materializes the root directory on a volume whose metadata skeleton
// exists but whose root inode was never written. Volumes formatted by Mkfs
// already have a root; for those Init is a no-op.
func (fs *Ext4) Init() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ref, err := fs.readInode(fs.root)
	if err != nil {
		return err
	}
	if ref.Inode.isDir() && ref.Inode.LinksCount > 0 {
		return nil
	}

	return fs.transaction(func() error {
		ref = fs.newInode(fs.root, S_IFDIR|0o755, 0, 0)
		ref.Inode.LinksCount = 2

		g, _ := fs.groupOfInode(fs.root)
		pb, err := fs.allocBlock(PBlockId(g) * PBlockId(fs.sb.BlocksPerGroup))
		if err != nil {
			return err
		}
		if err := fs.dirInitSelf(pb, fs.root, fs.root); err != nil {
			return err
		}
		if err := fs.extInsert(ref, 0, pb); err != nil {
			return err
		}
		ref.Inode.setSize(BlockSize)
		ref.Inode.addBlocksCharge(1)
		return fs.writeInode(ref)
	})
}

// Close stops the journal. The device stays open; closing it belongs to
// whoever created it.
func (fs *Ext4) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.jbd.JournalStop(); err != nil {
		return fmt.Errorf("stop journal: %w", err)
	}
	return nil
}

// Root returns the root directory inode id.
func (fs *Ext4) Root() InodeId {
	return fs.root
}

// FreeBlocks returns the superblock's free block counter.
func (fs *Ext4) FreeBlocks() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.freeBlocksCount()
}

// FreeInodes returns the superblock's free inode counter.
func (fs *Ext4) FreeInodes() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.FreeInodesCount
}

// VolumeName returns the label the volume was formatted with.
func (fs *Ext4) VolumeName() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.volumeName()
}

// readDir fetches inode id and verifies it is a directory.
func (fs *Ext4) readDir(op string, id InodeId) (InodeRef, error) {
	ref, err := fs.readInode(id)
	if err != nil {
		return InodeRef{}, err
	}
	if !ref.Inode.isDir() {
		return InodeRef{}, errWrap(ENOTDIR, op,
			fmt.Errorf("inode %d is not a directory", id))
	}
	return ref, nil
}

// Lookup resolves name within directory dir.
func (fs *Ext4) Lookup(dir InodeId, name string) (InodeId, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ref, err := fs.readDir("lookup", dir)
	if err != nil {
		return 0, err
	}
	ent, err := fs.dirFind(ref, name)
	if err != nil {
		return 0, err
	}
	return ent.Inode, nil
}

// ResolvePath walks an absolute or root-relative slash-separated path to an
// inode id. Symlinks along the path are not followed.
func (fs *Ext4) ResolvePath(path string) (InodeId, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur := fs.root
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		ref, err := fs.readDir("resolve path", cur)
		if err != nil {
			return 0, err
		}
		ent, err := fs.dirFind(ref, part)
		if err != nil {
			return 0, err
		}
		cur = ent.Inode
	}
	return cur, nil
}

// fileTypeOf maps inode mode bits to the directory-entry file type.
func fileTypeOf(mode uint16) uint8 {
	switch mode & S_IFMT {
	case S_IFREG:
		return FTRegFile
	case S_IFDIR:
		return FTDir
	case S_IFLNK:
		return FTSymlink
	case S_IFCHR:
		return FTChrDev
	case S_IFBLK:
		return FTBlkDev
	case S_IFIFO:
		return FTFifo
	case S_IFSOCK:
		return FTSock
	}
	return FTUnknown
}

// Create makes a regular file named name in dir and returns its inode id.
// mode supplies the permission bits; the regular-file type bit is implied.
func (fs *Ext4) Create(dir InodeId, name string, mode uint16, uid, gid uint32) (InodeId, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var id InodeId
	err := fs.transaction(func() error {
		parent, err := fs.readDir("create", dir)
		if err != nil {
			return err
		}
		if err := checkName("create", name); err != nil {
			return err
		}
		if _, err := fs.dirFind(parent, name); err == nil {
			return errWrap(EEXIST, "create", fmt.Errorf("entry %q exists", name))
		} else if !IsCode(err, ENOENT) {
			return err
		}

		g, _ := fs.groupOfInode(dir)
		id, err = fs.allocInode(g, false)
		if err != nil {
			return err
		}

		ref := fs.newInode(id, S_IFREG|mode&^S_IFMT, uid, gid)
		ref.Inode.LinksCount = 1
		if err := fs.writeInode(ref); err != nil {
			return err
		}

		if err := fs.dirInsert(parent, name, id, FTRegFile); err != nil {
			return err
		}
		parent.Inode.touch()
		return fs.writeInode(parent)
	})
	if err != nil {
		return 0, err
	}
	fs.log.Debug("created file", zap.String("name", name), zap.Uint32("inode", id))
	return id, nil
}

// Mkdir makes a directory named name in dir. The new directory starts with
// its "." and ".." entries and a link count of 2; the parent gains a link
// for the child's "..".
func (fs *Ext4) Mkdir(dir InodeId, name string, mode uint16, uid, gid uint32) (InodeId, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var id InodeId
	err := fs.transaction(func() error {
		parent, err := fs.readDir("mkdir", dir)
		if err != nil {
			return err
		}
		if err := checkName("mkdir", name); err != nil {
			return err
		}
		if _, err := fs.dirFind(parent, name); err == nil {
			return errWrap(EEXIST, "mkdir", fmt.Errorf("entry %q exists", name))
		} else if !IsCode(err, ENOENT) {
			return err
		}

		g, _ := fs.groupOfInode(dir)
		id, err = fs.allocInode(g, true)
		if err != nil {
			return err
		}

		ref := fs.newInode(id, S_IFDIR|mode&^S_IFMT, uid, gid)
		ref.Inode.LinksCount = 2 // "." plus the parent's entry

		ng, _ := fs.groupOfInode(id)
		pb, err := fs.allocBlock(PBlockId(ng) * PBlockId(fs.sb.BlocksPerGroup))
		if err != nil {
			return err
		}
		if err := fs.dirInitSelf(pb, id, dir); err != nil {
			return err
		}
		if err := fs.extInsert(ref, 0, pb); err != nil {
			return err
		}
		ref.Inode.setSize(BlockSize)
		ref.Inode.addBlocksCharge(1)
		if err := fs.writeInode(ref); err != nil {
			return err
		}

		if err := fs.dirInsert(parent, name, id, FTDir); err != nil {
			return err
		}
		parent.Inode.LinksCount++ // child's ".."
		parent.Inode.touch()
		return fs.writeInode(parent)
	})
	if err != nil {
		return 0, err
	}
	fs.log.Debug("created directory", zap.String("name", name), zap.Uint32("inode", id))
	return id, nil
}

// Symlink makes a symbolic link named name in dir pointing at target.
// Targets of at most 60 bytes are stored inside the inode (a fast symlink);
// longer targets get one data block.
func (fs *Ext4) Symlink(dir InodeId, name, target string, uid, gid uint32) (InodeId, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if target == "" {
		return 0, errWrap(EINVAL, "symlink", fmt.Errorf("empty target"))
	}

	var id InodeId
	err := fs.transaction(func() error {
		parent, err := fs.readDir("symlink", dir)
		if err != nil {
			return err
		}
		if err := checkName("symlink", name); err != nil {
			return err
		}
		if _, err := fs.dirFind(parent, name); err == nil {
			return errWrap(EEXIST, "symlink", fmt.Errorf("entry %q exists", name))
		} else if !IsCode(err, ENOENT) {
			return err
		}

		g, _ := fs.groupOfInode(dir)
		id, err = fs.allocInode(g, false)
		if err != nil {
			return err
		}

		ref := fs.newInode(id, S_IFLNK|0o777, uid, gid)
		ref.Inode.LinksCount = 1

		if len(target) <= fastSymlinkMax {
			copy(ref.Inode.Block[:], target)
		} else {
			ref.Inode.Flags = inodeFlagExtents
			extInitRoot(ref.Inode)
			if _, err := fs.writeAt(ref, 0, []byte(target)); err != nil {
				return err
			}
		}
		ref.Inode.setSize(uint64(len(target)))
		if err := fs.writeInode(ref); err != nil {
			return err
		}

		if err := fs.dirInsert(parent, name, id, FTSymlink); err != nil {
			return err
		}
		parent.Inode.touch()
		return fs.writeInode(parent)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Readlink returns a symlink's target.
func (fs *Ext4) Readlink(id InodeId) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ref, err := fs.readInode(id)
	if err != nil {
		return "", err
	}
	if !ref.Inode.isSymlink() {
		return "", errWrap(EINVAL, "readlink",
			fmt.Errorf("inode %d is not a symlink", id))
	}

	size := ref.Inode.size()
	if size <= fastSymlinkMax && !ref.Inode.usesExtents() {
		return string(ref.Inode.Block[:size]), nil
	}

	buf := make([]byte, size)
	if _, err := fs.readAt(ref, 0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Link adds a second directory entry for an existing inode. Directories
// cannot be hard-linked.
func (fs *Ext4) Link(dir InodeId, name string, target InodeId) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.transaction(func() error {
		parent, err := fs.readDir("link", dir)
		if err != nil {
			return err
		}
		if err := checkName("link", name); err != nil {
			return err
		}

		tref, err := fs.readInode(target)
		if err != nil {
			return err
		}
		if tref.Inode.isDir() {
			return errWrap(EPERM, "link",
				fmt.Errorf("inode %d is a directory", target))
		}
		if _, err := fs.dirFind(parent, name); err == nil {
			return errWrap(EEXIST, "link", fmt.Errorf("entry %q exists", name))
		} else if !IsCode(err, ENOENT) {
			return err
		}

		if err := fs.dirInsert(parent, name, target, fileTypeOf(tref.Inode.Mode)); err != nil {
			return err
		}
		tref.Inode.LinksCount++
		tref.Inode.Ctime = uint32(time.Now().Unix())
		if err := fs.writeInode(tref); err != nil {
			return err
		}

		parent.Inode.touch()
		return fs.writeInode(parent)
	})
}

// Unlink removes the directory entry for name and drops the target's link
// count. When the count reaches zero the inode's blocks, xattr block and
// the inode itself are freed.
func (fs *Ext4) Unlink(dir InodeId, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.transaction(func() error {
		parent, err := fs.readDir("unlink", dir)
		if err != nil {
			return err
		}
		ent, err := fs.dirFind(parent, name)
		if err != nil {
			return err
		}

		tref, err := fs.readInode(ent.Inode)
		if err != nil {
			return err
		}
		if tref.Inode.isDir() {
			return errWrap(EISDIR, "unlink",
				fmt.Errorf("%q is a directory", name))
		}

		if err := fs.dirRemove(parent, name); err != nil {
			return err
		}
		parent.Inode.touch()
		if err := fs.writeInode(parent); err != nil {
			return err
		}

		tref.Inode.LinksCount--
		if tref.Inode.LinksCount > 0 {
			tref.Inode.Ctime = uint32(time.Now().Unix())
			return fs.writeInode(tref)
		}
		return fs.destroyInode(tref, false)
	})
}

// Rmdir removes an empty directory.
func (fs *Ext4) Rmdir(dir InodeId, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.transaction(func() error {
		parent, err := fs.readDir("rmdir", dir)
		if err != nil {
			return err
		}
		ent, err := fs.dirFind(parent, name)
		if err != nil {
			return err
		}
		if name == "." || name == ".." {
			return errWrap(EINVAL, "rmdir", fmt.Errorf("cannot remove %q", name))
		}

		child, err := fs.readInode(ent.Inode)
		if err != nil {
			return err
		}
		if !child.Inode.isDir() {
			return errWrap(ENOTDIR, "rmdir",
				fmt.Errorf("%q is not a directory", name))
		}
		empty, err := fs.dirIsEmpty(child)
		if err != nil {
			return err
		}
		if !empty {
			return errWrap(ENOTEMPTY, "rmdir",
				fmt.Errorf("directory %q is not empty", name))
		}

		if err := fs.dirRemove(parent, name); err != nil {
			return err
		}
		parent.Inode.LinksCount-- // child's ".." goes away
		parent.Inode.touch()
		if err := fs.writeInode(parent); err != nil {
			return err
		}

		return fs.destroyInode(child, true)
	})
}

// destroyInode releases everything an inode owns and returns its id to the
// bitmap. The record is rewritten with a deletion time so offline tools see
// it as properly dead.
func (fs *Ext4) destroyInode(ref InodeRef, dir bool) error {
	if ref.Inode.usesExtents() {
		if err := fs.extTruncate(ref); err != nil {
			return err
		}
	}
	if err := fs.storeXattrs(ref, nil); err != nil {
		return err
	}

	ref.Inode.LinksCount = 0
	ref.Inode.Dtime = uint32(time.Now().Unix())
	ref.Inode.setSize(0)
	if err := fs.writeInode(ref); err != nil {
		return err
	}
	return fs.freeInode(ref.ID, dir)
}

// ReadAt reads up to len(p) bytes from the file at byte offset off. Holes
// read as zeros; reads past EOF are truncated.
func (fs *Ext4) ReadAt(id InodeId, off uint64, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ref, err := fs.readInode(id)
	if err != nil {
		return 0, err
	}
	if ref.Inode.isDir() {
		return 0, errWrap(EISDIR, "read", fmt.Errorf("inode %d is a directory", id))
	}
	return fs.readAt(ref, off, p)
}

// WriteAt writes p at byte offset off, allocating and extending as needed.
func (fs *Ext4) WriteAt(id InodeId, off uint64, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var n int
	err := fs.transaction(func() error {
		ref, err := fs.readInode(id)
		if err != nil {
			return err
		}
		if ref.Inode.isDir() {
			return errWrap(EISDIR, "write", fmt.Errorf("inode %d is a directory", id))
		}
		if !ref.Inode.isRegular() {
			return errWrap(EINVAL, "write", fmt.Errorf("inode %d is not a regular file", id))
		}

		n, err = fs.writeAt(ref, off, p)
		if err != nil {
			return err
		}
		ref.Inode.touch()
		return fs.writeInode(ref)
	})
	return n, err
}

// StatInode returns the inode's attributes.
func (fs *Ext4) StatInode(id InodeId) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ref, err := fs.readInode(id)
	if err != nil {
		return Stat{}, err
	}
	return statOf(ref), nil
}

// SetAttr applies the non-nil fields of attr to the inode. A size change on
// anything but a regular file fails.
func (fs *Ext4) SetAttr(id InodeId, attr SetAttr) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.transaction(func() error {
		ref, err := fs.readInode(id)
		if err != nil {
			return err
		}

		if attr.Size != nil {
			if ref.Inode.isDir() {
				return errWrap(EISDIR, "setattr", fmt.Errorf("inode %d is a directory", id))
			}
			if !ref.Inode.isRegular() {
				return errWrap(EINVAL, "setattr",
					fmt.Errorf("cannot resize inode %d", id))
			}
			if err := fs.truncateTo(ref, *attr.Size); err != nil {
				return err
			}
		}
		if attr.Mode != nil {
			ref.Inode.Mode = ref.Inode.Mode&S_IFMT | *attr.Mode&^S_IFMT
		}
		if attr.UID != nil {
			ref.Inode.UID = uint16(*attr.UID)
			ref.Inode.UIDHi = uint16(*attr.UID >> 16)
		}
		if attr.GID != nil {
			ref.Inode.GID = uint16(*attr.GID)
			ref.Inode.GIDHi = uint16(*attr.GID >> 16)
		}
		if attr.Atime != nil {
			ref.Inode.Atime = uint32(attr.Atime.Unix())
		}
		if attr.Mtime != nil {
			ref.Inode.Mtime = uint32(attr.Mtime.Unix())
		}
		ref.Inode.Ctime = uint32(time.Now().Unix())
		return fs.writeInode(ref)
	})
}

// ListDir returns the directory's live entries, "." and ".." included.
func (fs *Ext4) ListDir(id InodeId) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ref, err := fs.readDir("list", id)
	if err != nil {
		return nil, err
	}
	return fs.dirList(ref)
}

// GetXattr returns the value of the named attribute. ENODATA when unset.
func (fs *Ext4) GetXattr(id InodeId, name string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	index, short, err := parseXattrName(name)
	if err != nil {
		return nil, err
	}
	ref, err := fs.readInode(id)
	if err != nil {
		return nil, err
	}
	entries, err := fs.loadXattrs(ref)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.NameIndex == index && e.Name == short {
			return e.Value, nil
		}
	}
	return nil, errWrap(ENODATA, "get xattr", fmt.Errorf("no attribute %q", name))
}

// SetXattr creates or replaces the named attribute.
func (fs *Ext4) SetXattr(id InodeId, name string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	index, short, err := parseXattrName(name)
	if err != nil {
		return err
	}

	return fs.transaction(func() error {
		ref, err := fs.readInode(id)
		if err != nil {
			return err
		}
		entries, err := fs.loadXattrs(ref)
		if err != nil {
			return err
		}

		replaced := false
		for i := range entries {
			if entries[i].NameIndex == index && entries[i].Name == short {
				entries[i].Value = append([]byte(nil), value...)
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, xattrEntry{
				NameIndex: index,
				Name:      short,
				Value:     append([]byte(nil), value...),
			})
		}

		if err := fs.storeXattrs(ref, entries); err != nil {
			return err
		}
		ref.Inode.Ctime = uint32(time.Now().Unix())
		return fs.writeInode(ref)
	})
}

// RemoveXattr deletes the named attribute. ENODATA when unset.
func (fs *Ext4) RemoveXattr(id InodeId, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	index, short, err := parseXattrName(name)
	if err != nil {
		return err
	}

	return fs.transaction(func() error {
		ref, err := fs.readInode(id)
		if err != nil {
			return err
		}
		entries, err := fs.loadXattrs(ref)
		if err != nil {
			return err
		}

		kept := entries[:0]
		found := false
		for _, e := range entries {
			if e.NameIndex == index && e.Name == short {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		if !found {
			return errWrap(ENODATA, "remove xattr", fmt.Errorf("no attribute %q", name))
		}

		if err := fs.storeXattrs(ref, kept); err != nil {
			return err
		}
		ref.Inode.Ctime = uint32(time.Now().Unix())
		return fs.writeInode(ref)
	})
}

// ListXattr returns the fully qualified names of the inode's attributes.
func (fs *Ext4) ListXattr(id InodeId) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ref, err := fs.readInode(id)
	if err != nil {
		return nil, err
	}
	entries, err := fs.loadXattrs(ref)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, xattrFullName(e))
	}
	return names, nil
}
