package ext4

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option configures an engine at Load time.
type Option func(*Ext4)

// WithLogger attaches a zap logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(fs *Ext4) {
		if l != nil {
			fs.log = l
		}
	}
}

// WithJournal attaches a journal provider. The default provider is a no-op.
func WithJournal(j Jbd2) Option {
	return func(fs *Ext4) {
		if j != nil {
			fs.jbd = j
		}
	}
}

// WithFuseRoot serves the root directory as inode 1 instead of 2, for FUSE
// front-ends that hard-code the root id. The volume must have been formatted
// with the same option.
func WithFuseRoot() Option {
	return func(fs *Ext4) {
		fs.root = FuseRootInode
	}
}

// MkfsConfig carries formatter settings; use the MkfsOption helpers.
type MkfsConfig struct {
	volumeName string
	uuid       uuid.UUID
	createdAt  time.Time
	fuseRoot   bool
}

// MkfsOption configures Mkfs.
type MkfsOption func(*MkfsConfig)

// WithVolumeName sets the volume label (at most 16 bytes).
func WithVolumeName(name string) MkfsOption {
	return func(c *MkfsConfig) { c.volumeName = name }
}

// WithUUID fixes the volume UUID instead of generating one. Useful for
// reproducible images.
func WithUUID(u uuid.UUID) MkfsOption {
	return func(c *MkfsConfig) { c.uuid = u }
}

// WithCreatedAt fixes the format timestamp. Useful for reproducible images.
func WithCreatedAt(t time.Time) MkfsOption {
	return func(c *MkfsConfig) { c.createdAt = t }
}

// WithFuseRootInode places the root directory at inode 1 instead of 2.
func WithFuseRootInode() MkfsOption {
	return func(c *MkfsConfig) { c.fuseRoot = true }
}
