// Package fuse exposes a vfs.FS through the kernel FUSE interface.
//
// Nodes carry no state of their own: every callback recomputes the node's
// absolute path from the inode tree and hands it to vfs.FS, which resolves
// it again against the metadata store.
package fuse

import (
	"context"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"kvfs/internal/storage"
	"kvfs/internal/vfs"
)

// Node is one file, directory or symlink in the mounted tree.
type Node struct {
	fs.Inode

	fsys *vfs.FS
}

var (
	_ fs.InodeEmbedder  = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeAccesser   = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReleaser   = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
	_ fs.NodeWriter     = (*Node)(nil)
	_ fs.NodeFsyncer    = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeSymlinker  = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeOpendirer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
)

// NewRoot returns the root node for fsys.
func NewRoot(fsys *vfs.FS) *Node {
	return &Node{fsys: fsys}
}

// path returns the node's absolute path within the mount.
func (n *Node) path() string {
	return "/" + n.Path(nil)
}

func (n *Node) child(name string) string {
	return path.Join(n.path(), name)
}

// withCaller tags ctx with the uid/gid of the process issuing the request.
func withCaller(ctx context.Context) context.Context {
	if c, ok := fuse.FromContext(ctx); ok {
		return vfs.WithCaller(ctx, c.Uid, c.Gid)
	}
	return ctx
}

func (n *Node) newChild(ctx context.Context, attr storage.Attr, out *fuse.EntryOut) *fs.Inode {
	fillAttr(attr, &out.Attr)
	child := &Node{fsys: n.fsys}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode & storage.ModeMask, Ino: attr.Ino})
}

// Getattr implements fs.NodeGetattrer.
func (n *Node) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fsys.GetAttr(ctx, n.path())
	if err != nil {
		return vfs.ToErrno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

// Setattr implements fs.NodeSetattrer. Each requested change is applied
// through the matching verb, then the fresh record is returned.
func (n *Node) Setattr(ctx context.Context, _ fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.path()

	if size, ok := in.GetSize(); ok {
		if err := n.fsys.Truncate(ctx, p, int64(size)); err != nil {
			return vfs.ToErrno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.Chmod(ctx, p, mode); err != nil {
			return vfs.ToErrno(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := n.fsys.Chown(ctx, p, u, g); err != nil {
			return vfs.ToErrno(err)
		}
	}
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		var a, m *time.Time
		if aok {
			a = &atime
		}
		if mok {
			m = &mtime
		}
		if err := n.fsys.Utimens(ctx, p, a, m); err != nil {
			return vfs.ToErrno(err)
		}
	}

	return n.Getattr(ctx, nil, out)
}

// Lookup implements fs.NodeLookuper.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, err := n.fsys.GetAttr(ctx, n.child(name))
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

// Access implements fs.NodeAccesser.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return vfs.ToErrno(n.fsys.Access(ctx, n.path(), mask))
}

// Open implements fs.NodeOpener. No handle is returned; reads and writes
// land on the node and re-resolve the path.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	if err := n.fsys.Open(ctx, p, int(flags)); err != nil {
		return nil, 0, vfs.ToErrno(err)
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := n.fsys.Truncate(ctx, p, 0); err != nil {
			return nil, 0, vfs.ToErrno(err)
		}
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

// Release implements fs.NodeReleaser.
func (n *Node) Release(ctx context.Context, _ fs.FileHandle) syscall.Errno {
	return vfs.ToErrno(n.fsys.Release(ctx, n.path()))
}

// Read implements fs.NodeReader.
func (n *Node) Read(ctx context.Context, _ fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(ctx, n.path(), len(dest), off)
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write implements fs.NodeWriter.
func (n *Node) Write(ctx context.Context, _ fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.fsys.Write(ctx, n.path(), data, off)
	if err != nil {
		return 0, vfs.ToErrno(err)
	}
	return uint32(written), 0
}

// Fsync implements fs.NodeFsyncer.
func (n *Node) Fsync(ctx context.Context, _ fs.FileHandle, _ uint32) syscall.Errno {
	return vfs.ToErrno(n.fsys.Fsync(ctx, n.path()))
}

// Create implements fs.NodeCreater.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	attr, err := n.fsys.Create(withCaller(ctx), n.child(name), mode)
	if err != nil {
		return nil, nil, 0, vfs.ToErrno(err)
	}
	return n.newChild(ctx, attr, out), nil, fuse.FOPEN_DIRECT_IO, 0
}

// Mkdir implements fs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, err := n.fsys.Mkdir(withCaller(ctx), n.child(name), mode)
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

// Symlink implements fs.NodeSymlinker.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, err := n.fsys.Symlink(withCaller(ctx), target, n.child(name))
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

// Readlink implements fs.NodeReadlinker.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(ctx, n.path())
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return []byte(target), 0
}

// Unlink implements fs.NodeUnlinker.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return vfs.ToErrno(n.fsys.Unlink(ctx, n.child(name)))
}

// Rmdir implements fs.NodeRmdirer.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return vfs.ToErrno(n.fsys.Rmdir(ctx, n.child(name)))
}

// Rename implements fs.NodeRenamer. RENAME_EXCHANGE and RENAME_NOREPLACE
// are not supported.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	dst := path.Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	return vfs.ToErrno(n.fsys.Rename(ctx, n.child(name), dst))
}

// Opendir implements fs.NodeOpendirer.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	return vfs.ToErrno(n.fsys.OpenDir(ctx, n.path()))
}

// Readdir implements fs.NodeReaddirer. The kernel synthesizes "." and
// "..", so they are dropped from the listing.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(ctx, n.path())
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return fs.NewListDirStream(dirEntries(entries)), 0
}

// Statfs implements fs.NodeStatfser.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.StatFs(ctx)
	if err != nil {
		return vfs.ToErrno(err)
	}
	out.Bsize = st.Bsize
	out.Frsize = st.Frsize
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = st.NameMax
	return 0
}

func dirEntries(entries []storage.DirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if e.Mode == 0 {
			log.Debugf("[FUSE] Readdir: entry %q has no readable record", e.Name)
		}
		out = append(out, fuse.DirEntry{
			Name: e.Name,
			Ino:  e.Ino,
			Mode: e.Mode & storage.ModeMask,
		})
	}
	return out
}

// fillAttr copies a stored record into a kernel attribute reply.
func fillAttr(attr storage.Attr, out *fuse.Attr) {
	out.Ino = attr.Ino
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink()
	out.Uid = attr.Uid
	out.Gid = attr.Gid
	out.Size = uint64(attr.Size)
	out.Blocks = uint64(attr.Blocks)
	out.Blksize = 4096
	out.Atime = uint64(attr.Atime.Unix())
	out.Mtime = uint64(attr.Mtime.Unix())
	out.Ctime = uint64(attr.Ctime.Unix())
	out.Atimensec = 0
	out.Mtimensec = 0
	out.Ctimensec = 0
}
