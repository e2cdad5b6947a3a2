// Package ext4 implements the ext4 on-disk format against a pluggable block
// device. It parses and validates superblocks and block-group descriptors,
// allocates blocks and inodes through the on-disk bitmaps, maps file offsets
// through extent trees, and manages directory entries, hard links and
// extended attributes. The package is a synchronous library: every operation
// runs to completion on the calling goroutine and issues plain blocking
// ReadBlock/WriteBlock calls on the supplied device.
//
// The main entry point is Load, which reads block 0, validates the
// superblock and returns an engine ready to serve file operations:
//
//	dev, err := ext4.OpenFileDevice("disk.img")
//	if err != nil {
//		panic(err)
//	}
//	fs, err := ext4.Load(dev)
//	if err != nil {
//		panic(err)
//	}
//	ino, err := fs.Create(fs.Root(), "hello.txt", 0644, 0, 0)
package ext4

// PBlockId addresses a physical block on the device.
type PBlockId = uint64

// LBlockId addresses a logical block within a file.
type LBlockId = uint32

// InodeId addresses an inode. Inode numbering starts at 1.
type InodeId = uint32

const (
	// Block geometry. The engine only supports 4K-block volumes; Load
	// rejects anything else.
	BlockSize      = 4096
	blockSizeLog   = 2 // block_size = 1024 << blockSizeLog
	blocksPerGroup = 32768
	inodesPerGroup = 8192

	// InodeSize is the only on-disk inode record size the engine accepts.
	InodeSize = 256

	// descSize is the 64-bit block-group descriptor size. Legacy 32-byte
	// layouts are rejected at Load, not adapted.
	descSize = 64

	// Superblock lives at byte offset 1024 of the volume.
	superblockOffset = 1024

	ext4Magic   = 0xEF53
	extentMagic = 0xF30A

	// Reserved inodes
	badBlocksInode = 1
	// RootInode is the conventional root directory inode.
	RootInode = 2
	// FuseRootInode is used when the volume serves a FUSE front-end that
	// expects the root at 1.
	FuseRootInode    = 1
	journalInode     = 8
	firstNonResInode = 11

	// Directory entry file types
	FTUnknown = 0
	FTRegFile = 1
	FTDir     = 2
	FTChrDev  = 3
	FTBlkDev  = 4
	FTFifo    = 5
	FTSock    = 6
	FTSymlink = 7

	// Inode mode bits
	S_IFIFO  = 0x1000
	S_IFCHR  = 0x2000
	S_IFDIR  = 0x4000
	S_IFBLK  = 0x6000
	S_IFREG  = 0x8000
	S_IFLNK  = 0xA000
	S_IFSOCK = 0xC000
	S_IFMT   = 0xF000

	inodeFlagExtents = 0x00080000

	// Feature flags the formatter advertises and Load understands.
	compatExtAttr  = 0x0008
	compatDirIndex = 0x0020

	incompatFileType = 0x0002
	incompatExtents  = 0x0040
	incompat64Bit    = 0x0080

	roCompatSparseSuper = 0x0001
	roCompatLargeFile   = 0x0002
	roCompatExtraIsize  = 0x0040

	// Fast symlink targets fit into the inode block area.
	fastSymlinkMax = 60

	// Extent tree node geometry: a 12-byte header followed by 12-byte
	// entries. The root inside the inode holds at most 4 entries.
	extentHeaderSize = 12
	extentEntrySize  = 12
	extentRootMax    = 4
	extentNodeMax    = (BlockSize - extentHeaderSize) / extentEntrySize
	extentMaxLen     = 32768

	// Directory entries: fixed 8-byte header, 4-byte aligned records.
	direntHeaderSize = 8
	maxNameLen       = 255

	// Xattr block layout
	xattrMagic           = 0xEA020000
	xattrHeaderSize      = 32
	xattrEntryHeaderSize = 16

	xattrIndexUser            = 1
	xattrIndexPosixACLAccess  = 2
	xattrIndexPosixACLDefault = 3
	xattrIndexTrusted         = 4
	xattrIndexSecurity        = 6
	xattrIndexSystem          = 7
)

// ============================================================================
// On-disk structures (little-endian, must match the kernel layout exactly)
// ============================================================================

// superblock is the ext4 superblock (1024 bytes) as laid out by the Linux
// kernel's struct ext4_super_block. The engine parses it once at Load and
// writes back only the free-counter fields it maintains.
type superblock struct {
	InodesCount       uint32     // 0x00
	BlocksCountLo     uint32     // 0x04
	RBlocksCountLo    uint32     // 0x08
	FreeBlocksCountLo uint32     // 0x0C
	FreeInodesCount   uint32     // 0x10
	FirstDataBlock    uint32     // 0x14: 0 for 4K blocks
	LogBlockSize      uint32     // 0x18: block_size = 1024 << log_block_size
	LogClusterSize    uint32     // 0x1C
	BlocksPerGroup    uint32     // 0x20
	ClustersPerGroup  uint32     // 0x24
	InodesPerGroup    uint32     // 0x28
	MTime             uint32     // 0x2C
	WTime             uint32     // 0x30
	MntCount          uint16     // 0x34
	MaxMntCount       uint16     // 0x36
	Magic             uint16     // 0x38: 0xEF53
	State             uint16     // 0x3A: 1 = clean
	Errors            uint16     // 0x3C: 1 = continue
	MinorRevLevel     uint16     // 0x3E
	LastCheck         uint32     // 0x40
	CheckInterval     uint32     // 0x44
	CreatorOS         uint32     // 0x48: 0 = Linux
	RevLevel          uint32     // 0x4C: 1 = dynamic
	DefResUID         uint16     // 0x50
	DefResGID         uint16     // 0x52
	FirstInode        uint32     // 0x54: 11
	InodeSize         uint16     // 0x58: 256
	BlockGroupNr      uint16     // 0x5A
	FeatureCompat     uint32     // 0x5C
	FeatureIncompat   uint32     // 0x60
	FeatureROCompat   uint32     // 0x64
	UUID              [16]byte   // 0x68
	VolumeName        [16]byte   // 0x78
	LastMounted       [64]byte   // 0x88
	AlgorithmUsageBmp uint32     // 0xC8
	PreallocBlocks    uint8      // 0xCC
	PreallocDirBlocks uint8      // 0xCD
	ReservedGDTBlocks uint16     // 0xCE
	JournalUUID       [16]byte   // 0xD0
	JournalInum       uint32     // 0xE0
	JournalDev        uint32     // 0xE4
	LastOrphan        uint32     // 0xE8
	HashSeed          [4]uint32  // 0xEC
	DefHashVersion    uint8      // 0xFC
	JnlBackupType     uint8      // 0xFD
	DescSize          uint16     // 0xFE: 64 for the 64-bit layout
	DefaultMountOpts  uint32     // 0x100
	FirstMetaBg       uint32     // 0x104
	MkfsTime          uint32     // 0x108
	JnlBlocks         [17]uint32 // 0x10C
	BlocksCountHi     uint32     // 0x150
	RBlocksCountHi    uint32     // 0x154
	FreeBlocksCountHi uint32     // 0x158
	MinExtraIsize     uint16     // 0x15C
	WantExtraIsize    uint16     // 0x15E
	Flags             uint32     // 0x160
	RaidStride        uint16     // 0x164
	MmpInterval       uint16     // 0x166
	MmpBlock          uint64     // 0x168
	RaidStripeWidth   uint32     // 0x170
	LogGroupsPerFlex  uint8      // 0x174
	ChecksumType      uint8      // 0x175
	ReservedPad       uint16     // 0x176
	KBytesWritten     uint64     // 0x178
	SnapshotInum      uint32     // 0x180
	SnapshotID        uint32     // 0x184
	SnapshotRBlksCnt  uint64     // 0x188
	SnapshotList      uint32     // 0x190
	ErrorCount        uint32     // 0x194
	FirstErrorTime    uint32     // 0x198
	FirstErrorIno     uint32     // 0x19C
	FirstErrorBlock   uint64     // 0x1A0
	FirstErrorFunc    [32]byte   // 0x1A8
	FirstErrorLine    uint32     // 0x1C8
	LastErrorTime     uint32     // 0x1CC
	LastErrorIno      uint32     // 0x1D0
	LastErrorLine     uint32     // 0x1D4
	LastErrorBlock    uint64     // 0x1D8
	LastErrorFunc     [32]byte   // 0x1E0
	MountOpts         [64]byte   // 0x200
	UsrQuotaInum      uint32     // 0x240
	GrpQuotaInum      uint32     // 0x244
	OverheadBlocks    uint32     // 0x248
	BackupBgs         [2]uint32  // 0x24C
	EncryptAlgos      [4]uint8   // 0x254
	EncryptPwSalt     [16]byte   // 0x258
	LpfIno            uint32     // 0x268
	PrjQuotaInum      uint32     // 0x26C
	ChecksumSeed      uint32     // 0x270
	WtimeHi           uint8      // 0x274
	MtimeHi           uint8      // 0x275
	MkfsTimeHi        uint8      // 0x276
	LastcheckHi       uint8      // 0x277
	FirstErrorTimeHi  uint8      // 0x278
	LastErrorTimeHi   uint8      // 0x279
	ErrorTimePad      [2]uint8   // 0x27A
	Encoding          uint16     // 0x27C
	EncodingFlags     uint16     // 0x27E
	OrphanFileInum    uint32     // 0x280
	Reserved          [94]uint32 // 0x284
	Checksum          uint32     // 0x3FC
}

// groupDesc is the 64-byte block-group descriptor of the 64-bit layout.
// Locations and free counters are split into lo/hi halves; on a 4K-block
// volume smaller than 16 TiB the hi halves stay zero but are still carried
// so the record round-trips bit-exactly.
type groupDesc struct {
	BlockBitmapLo     uint32 // 0x00
	InodeBitmapLo     uint32 // 0x04
	InodeTableLo      uint32 // 0x08
	FreeBlocksCountLo uint16 // 0x0C
	FreeInodesCountLo uint16 // 0x0E
	UsedDirsCountLo   uint16 // 0x10
	Flags             uint16 // 0x12
	ExcludeBitmapLo   uint32 // 0x14
	BlockBitmapCsumLo uint16 // 0x18
	InodeBitmapCsumLo uint16 // 0x1A
	ItableUnusedLo    uint16 // 0x1C
	Checksum          uint16 // 0x1E
	BlockBitmapHi     uint32 // 0x20
	InodeBitmapHi     uint32 // 0x24
	InodeTableHi      uint32 // 0x28
	FreeBlocksCountHi uint16 // 0x2C
	FreeInodesCountHi uint16 // 0x2E
	UsedDirsCountHi   uint16 // 0x30
	ItableUnusedHi    uint16 // 0x32
	ExcludeBitmapHi   uint32 // 0x34
	BlockBitmapCsumHi uint16 // 0x38
	InodeBitmapCsumHi uint16 // 0x3A
	Reserved          uint32 // 0x3C
}

func (gd *groupDesc) blockBitmap() PBlockId {
	return PBlockId(gd.BlockBitmapHi)<<32 | PBlockId(gd.BlockBitmapLo)
}

func (gd *groupDesc) inodeBitmap() PBlockId {
	return PBlockId(gd.InodeBitmapHi)<<32 | PBlockId(gd.InodeBitmapLo)
}

func (gd *groupDesc) inodeTable() PBlockId {
	return PBlockId(gd.InodeTableHi)<<32 | PBlockId(gd.InodeTableLo)
}

func (gd *groupDesc) freeBlocks() uint32 {
	return uint32(gd.FreeBlocksCountHi)<<16 | uint32(gd.FreeBlocksCountLo)
}

func (gd *groupDesc) setFreeBlocks(n uint32) {
	gd.FreeBlocksCountLo = uint16(n)
	gd.FreeBlocksCountHi = uint16(n >> 16)
}

func (gd *groupDesc) freeInodes() uint32 {
	return uint32(gd.FreeInodesCountHi)<<16 | uint32(gd.FreeInodesCountLo)
}

func (gd *groupDesc) setFreeInodes(n uint32) {
	gd.FreeInodesCountLo = uint16(n)
	gd.FreeInodesCountHi = uint16(n >> 16)
}

func (gd *groupDesc) usedDirs() uint32 {
	return uint32(gd.UsedDirsCountHi)<<16 | uint32(gd.UsedDirsCountLo)
}

func (gd *groupDesc) setUsedDirs(n uint32) {
	gd.UsedDirsCountLo = uint16(n)
	gd.UsedDirsCountHi = uint16(n >> 16)
}

// inode is the 256-byte on-disk inode record. The Block field holds either
// the extent tree root or, for fast symlinks, the target path bytes.
type inode struct {
	Mode        uint16   // 0x00
	UID         uint16   // 0x02
	SizeLo      uint32   // 0x04
	Atime       uint32   // 0x08
	Ctime       uint32   // 0x0C
	Mtime       uint32   // 0x10
	Dtime       uint32   // 0x14
	GID         uint16   // 0x18
	LinksCount  uint16   // 0x1A
	BlocksLo    uint32   // 0x1C: 512-byte units
	Flags       uint32   // 0x20
	Version     uint32   // 0x24
	Block       [60]byte // 0x28: extent tree root / symlink target
	Generation  uint32   // 0x64
	FileACLLo   uint32   // 0x68: xattr block
	SizeHi      uint32   // 0x6C
	ObsoFAddr   uint32   // 0x70
	BlocksHi    uint16   // 0x74
	FileACLHi   uint16   // 0x76
	UIDHi       uint16   // 0x78
	GIDHi       uint16   // 0x7A
	ChecksumLo  uint16   // 0x7C
	Reserved    uint16   // 0x7E
	ExtraIsize  uint16   // 0x80
	ChecksumHi  uint16   // 0x82
	CtimeExtra  uint32   // 0x84
	MtimeExtra  uint32   // 0x88
	AtimeExtra  uint32   // 0x8C
	Crtime      uint32   // 0x90
	CrtimeExtra uint32   // 0x94
	VersionHi   uint32   // 0x98
	Projid      uint32   // 0x9C
	Padding     [96]byte // 0xA0-0xFF
}

func (ino *inode) size() uint64 {
	return uint64(ino.SizeHi)<<32 | uint64(ino.SizeLo)
}

func (ino *inode) setSize(size uint64) {
	ino.SizeLo = uint32(size)
	ino.SizeHi = uint32(size >> 32)
}

func (ino *inode) isDir() bool {
	return ino.Mode&S_IFMT == S_IFDIR
}

func (ino *inode) isRegular() bool {
	return ino.Mode&S_IFMT == S_IFREG
}

func (ino *inode) isSymlink() bool {
	return ino.Mode&S_IFMT == S_IFLNK
}

func (ino *inode) usesExtents() bool {
	return ino.Flags&inodeFlagExtents != 0
}

// DirEntry is the in-memory form of one directory record. On disk the record
// is variable length: a fixed 8-byte header followed by the name bytes,
// padded so record lengths stay 4-byte aligned and sum to exactly BlockSize
// within each directory block.
type DirEntry struct {
	Inode    InodeId
	FileType uint8
	Name     string
}

// extentHeader starts every extent tree node, inline root included.
type extentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// extent maps Len logical blocks starting at LBlock onto the contiguous
// physical run starting at start(). Only present in leaf nodes.
type extent struct {
	LBlock  uint32 // first logical block covered
	Len     uint16
	StartHi uint16
	StartLo uint32
}

func (e *extent) start() PBlockId {
	return PBlockId(e.StartHi)<<32 | PBlockId(e.StartLo)
}

func (e *extent) setStart(pb PBlockId) {
	e.StartLo = uint32(pb)
	e.StartHi = uint16(pb >> 32)
}

func (e *extent) covers(lb LBlockId) bool {
	return e.LBlock <= lb && lb < e.LBlock+uint32(e.Len)
}

// extentIdx points an internal node entry at the child node holding logical
// blocks >= LBlock. Entries are kept sorted so lookups can binary search.
type extentIdx struct {
	LBlock uint32
	LeafLo uint32
	LeafHi uint16
	Unused uint16
}

func (ix *extentIdx) leaf() PBlockId {
	return PBlockId(ix.LeafHi)<<32 | PBlockId(ix.LeafLo)
}

func (ix *extentIdx) setLeaf(pb PBlockId) {
	ix.LeafLo = uint32(pb)
	ix.LeafHi = uint16(pb >> 32)
}

// xattrEntry is one extended attribute: a namespace index, the name without
// its namespace prefix, and the raw value bytes.
type xattrEntry struct {
	NameIndex uint8
	Name      string
	Value     []byte
}
