package ext4

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Block is one fixed-size buffer tagged with the physical block it was read
// from or is destined for. Blocks are transient: the engine fetches one,
// uses it within the current operation, and discards it. Caching, if wanted,
// belongs to a layer between the engine and the device.
type Block struct {
	ID   PBlockId
	Data []byte // always BlockSize bytes
}

// NewBlock returns a zero-filled block for the given physical id.
func NewBlock(id PBlockId) *Block {
	return &Block{ID: id, Data: make([]byte, BlockSize)}
}

// BlockDevice is the engine's only I/O boundary. Implementations must be
// safe for concurrent use; the engine issues single-block calls only and
// never assumes vectored I/O. Failures are reported as EIO.
type BlockDevice interface {
	ReadBlock(id PBlockId) (*Block, error)
	WriteBlock(b *Block) error
}

// fileDevice serves blocks from a regular file or a raw device node.
type fileDevice struct {
	f *os.File
}

var _ BlockDevice = (*fileDevice)(nil)

// OpenFileDevice opens an existing image file as a block device.
func OpenFileDevice(path string) (BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errIO("open device", err)
	}
	return &fileDevice{f: f}, nil
}

// CreateFileDevice creates (or truncates) an image file of the given size
// and returns it as a block device. Parent directories are created as
// needed. The size must be a whole number of blocks.
func CreateFileDevice(path string, size uint64) (BlockDevice, error) {
	if size == 0 || size%BlockSize != 0 {
		return nil, errWrap(EINVAL, "create device",
			fmt.Errorf("size %d is not a multiple of %d", size, BlockSize))
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errIO("create device", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errIO("create device", err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, errIO("create device", err)
	}

	return &fileDevice{f: f}, nil
}

func (d *fileDevice) ReadBlock(id PBlockId) (*Block, error) {
	b := NewBlock(id)
	if _, err := d.f.ReadAt(b.Data, int64(id)*BlockSize); err != nil {
		return nil, errIO("read block", fmt.Errorf("block %d: %w", id, err))
	}
	return b, nil
}

func (d *fileDevice) WriteBlock(b *Block) error {
	if len(b.Data) != BlockSize {
		panic(fmt.Sprintf("ext4: write of %d-byte block buffer", len(b.Data)))
	}
	if _, err := d.f.WriteAt(b.Data, int64(b.ID)*BlockSize); err != nil {
		return errIO("write block", fmt.Errorf("block %d: %w", b.ID, err))
	}
	return nil
}

// Sync flushes pending writes to stable storage.
func (d *fileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return errIO("sync device", err)
	}
	return nil
}

// Close releases the underlying file. Safe to call more than once.
func (d *fileDevice) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	if err != nil {
		return errIO("close device", err)
	}
	return nil
}

// MemDevice is an in-memory block device used by tests and benchmarks to
// avoid file I/O. The mutex keeps concurrent single-block calls safe, as
// the BlockDevice contract requires.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

var _ BlockDevice = (*MemDevice)(nil)

// NewMemDevice allocates an in-memory device of the given size in bytes.
func NewMemDevice(size uint64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

func (d *MemDevice) ReadBlock(id PBlockId) (*Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := id * BlockSize
	if off+BlockSize > uint64(len(d.data)) {
		return nil, errIO("read block", fmt.Errorf("block %d beyond device end", id))
	}

	b := NewBlock(id)
	copy(b.Data, d.data[off:off+BlockSize])
	return b, nil
}

func (d *MemDevice) WriteBlock(b *Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := b.ID * BlockSize
	if off+BlockSize > uint64(len(d.data)) {
		return errIO("write block", fmt.Errorf("block %d beyond device end", b.ID))
	}

	copy(d.data[off:off+BlockSize], b.Data)
	return nil
}

// Size returns the device capacity in bytes.
func (d *MemDevice) Size() uint64 {
	return uint64(len(d.data))
}
