package storage

import "time"

// Attr is the attribute record stored for every inode. Ino always equals
// the inode the record is stored under. Times have second precision.
type Attr struct {
	Ino    uint64
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Size   int64
	Blocks int64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Target string // symlink target, empty for other types
}

// IsDir returns true if the inode is a directory
func (a *Attr) IsDir() bool {
	return a.Mode&ModeMask == ModeDir
}

// IsFile returns true if the inode is a regular file
func (a *Attr) IsFile() bool {
	return a.Mode&ModeMask == ModeFile
}

// IsSymlink returns true if the inode is a symbolic link
func (a *Attr) IsSymlink() bool {
	return a.Mode&ModeMask == ModeSymlink
}

// Permissions returns the permission bits
func (a *Attr) Permissions() uint32 {
	return a.Mode & PermMask
}

// Nlink is always 1; hard links are not supported.
func (a *Attr) Nlink() uint32 {
	return 1
}

// DirEntry represents a directory entry for listing. Mode is 0 when the
// child's record could not be read.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode uint32
}
