package ext4

import (
	gopath "path"
	"strings"
)

// MountPoint wraps an engine with slash-separated path operations, saving
// callers the inode-by-inode walk, and carries the mount name for display
// purposes. Paths are interpreted relative to the volume root; a leading
// slash is optional.
type MountPoint struct {
	fs   *Ext4
	name string
}

// NewMountPoint returns a path-level view of fs. The mount name defaults to
// the volume label.
func NewMountPoint(fs *Ext4) *MountPoint {
	return &MountPoint{fs: fs, name: fs.VolumeName()}
}

// NewNamedMountPoint is NewMountPoint with an explicit mount name.
func NewNamedMountPoint(fs *Ext4, name string) *MountPoint {
	return &MountPoint{fs: fs, name: name}
}

// Name returns the mount name.
func (m *MountPoint) Name() string {
	return m.name
}

// Engine returns the underlying engine for inode-level work.
func (m *MountPoint) Engine() *Ext4 {
	return m.fs
}

// splitPath resolves everything but the last component and returns the
// parent directory's inode together with the final name.
func (m *MountPoint) splitPath(path string) (InodeId, string, error) {
	clean := gopath.Clean("/" + strings.TrimPrefix(path, "/"))
	if clean == "/" {
		return 0, "", errOf(EINVAL, "resolve path")
	}
	dir, name := gopath.Split(clean)
	parent, err := m.fs.ResolvePath(dir)
	if err != nil {
		return 0, "", err
	}
	return parent, name, nil
}

// Create makes a regular file at path.
func (m *MountPoint) Create(path string, mode uint16) (InodeId, error) {
	parent, name, err := m.splitPath(path)
	if err != nil {
		return 0, err
	}
	return m.fs.Create(parent, name, mode, 0, 0)
}

// Mkdir makes a directory at path.
func (m *MountPoint) Mkdir(path string, mode uint16) (InodeId, error) {
	parent, name, err := m.splitPath(path)
	if err != nil {
		return 0, err
	}
	return m.fs.Mkdir(parent, name, mode, 0, 0)
}

// MkdirAll makes every missing directory along path. Existing directories
// are not an error.
func (m *MountPoint) MkdirAll(path string, mode uint16) (InodeId, error) {
	cur := m.fs.Root()
	for _, part := range strings.Split(strings.Trim(gopath.Clean("/"+path), "/"), "/") {
		if part == "" {
			continue
		}
		id, err := m.fs.Lookup(cur, part)
		switch {
		case err == nil:
			cur = id
		case IsCode(err, ENOENT):
			if cur, err = m.fs.Mkdir(cur, part, mode, 0, 0); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
	return cur, nil
}

// WriteFile creates (or truncates) the file at path and writes data to it.
func (m *MountPoint) WriteFile(path string, data []byte, mode uint16) error {
	id, err := m.fs.ResolvePath(path)
	switch {
	case err == nil:
		zero := uint64(0)
		if err := m.fs.SetAttr(id, SetAttr{Size: &zero}); err != nil {
			return err
		}
	case IsCode(err, ENOENT):
		if id, err = m.Create(path, mode); err != nil {
			return err
		}
	default:
		return err
	}
	_, err = m.fs.WriteAt(id, 0, data)
	return err
}

// ReadFile returns the whole content of the file at path.
func (m *MountPoint) ReadFile(path string) ([]byte, error) {
	id, err := m.fs.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	st, err := m.fs.StatInode(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	n, err := m.fs.ReadAt(id, 0, buf)
	return buf[:n], err
}

// Remove unlinks the file or symlink at path.
func (m *MountPoint) Remove(path string) error {
	parent, name, err := m.splitPath(path)
	if err != nil {
		return err
	}
	return m.fs.Unlink(parent, name)
}

// RemoveDir removes the empty directory at path.
func (m *MountPoint) RemoveDir(path string) error {
	parent, name, err := m.splitPath(path)
	if err != nil {
		return err
	}
	return m.fs.Rmdir(parent, name)
}

// Symlink creates a symlink at path pointing at target.
func (m *MountPoint) Symlink(target, path string) error {
	parent, name, err := m.splitPath(path)
	if err != nil {
		return err
	}
	_, err = m.fs.Symlink(parent, name, target, 0, 0)
	return err
}

// Link creates a hard link at newpath to the inode at oldpath.
func (m *MountPoint) Link(oldpath, newpath string) error {
	target, err := m.fs.ResolvePath(oldpath)
	if err != nil {
		return err
	}
	parent, name, err := m.splitPath(newpath)
	if err != nil {
		return err
	}
	return m.fs.Link(parent, name, target)
}

// Stat returns the attributes of the inode at path.
func (m *MountPoint) Stat(path string) (Stat, error) {
	id, err := m.fs.ResolvePath(path)
	if err != nil {
		return Stat{}, err
	}
	return m.fs.StatInode(id)
}

// ReadDir lists the directory at path.
func (m *MountPoint) ReadDir(path string) ([]DirEntry, error) {
	id, err := m.fs.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return m.fs.ListDir(id)
}
