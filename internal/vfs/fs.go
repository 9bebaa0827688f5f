// Package vfs implements the filesystem verbs on top of a metadata store
// and a data store. Every verb takes an absolute path and re-resolves it;
// no open-file state is kept between calls.
package vfs

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"kvfs/internal/common"
	"kvfs/internal/metrics"
	"kvfs/internal/storage"
)

// Fixed capacity figures reported by StatFs.
const (
	statBlockSize = 4096
	statBlocks    = 256 * 1024 * 1024
	statFiles     = 1024 * 1024
)

// StatFs describes filesystem capacity.
type StatFs struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Favail  uint64
	NameMax uint32
}

// FS is the filesystem operation layer. It holds no locks: concurrent calls
// on the same paths interleave at backend round trips.
type FS struct {
	meta     storage.MetaStore
	blobs    storage.DataStore
	resolver *Resolver
	metrics  *metrics.Metrics
}

// New returns an FS over meta and blobs. m may be nil.
func New(meta storage.MetaStore, blobs storage.DataStore, m *metrics.Metrics) *FS {
	return &FS{
		meta:     meta,
		blobs:    blobs,
		resolver: NewResolver(meta),
		metrics:  m,
	}
}

// Meta returns the metadata store.
func (fs *FS) Meta() storage.MetaStore {
	return fs.meta
}

// Blobs returns the data store.
func (fs *FS) Blobs() storage.DataStore {
	return fs.blobs
}

// observe records metrics for one verb and turns a panic into EIO.
func (fs *FS) observe(op string, start time.Time, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", op, r, debug.Stack())
		*err = EIO
	}
	elapsed := time.Since(start)
	fs.metrics.ObserveOperation(op, *err, elapsed)
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[VFS] %s → %v (%v)", op, *err, elapsed)
	}
}

// warn reports a failed secondary step of op. The primary effect of op
// has already happened and is not rolled back.
func (fs *FS) warn(op string, ino uint64, step string, err error) {
	log.WithFields(log.Fields{"op": op, "ino": ino, "step": step}).
		WithError(err).
		Warn("[VFS] best-effort metadata step failed")
	fs.metrics.IntegrityWarning(op)
}

// updateAttr re-reads ino's record, applies mutate and writes it back.
// Failures are reported through warn and never returned.
func (fs *FS) updateAttr(ctx context.Context, op string, ino uint64, mutate func(*storage.Attr)) {
	attr, err := fs.meta.GetNode(ctx, ino)
	if err != nil {
		fs.warn(op, ino, "get", err)
		return
	}
	mutate(&attr)
	if err := fs.meta.UpdateNode(ctx, attr); err != nil {
		fs.warn(op, ino, "update", err)
	}
}

func now() time.Time {
	return time.Unix(time.Now().Unix(), 0)
}

// inodeOf resolves p to its inode; the root short-cuts to RootIno.
func (fs *FS) inodeOf(ctx context.Context, p string) (uint64, error) {
	return fs.resolver.ResolveInode(ctx, p)
}

// --- Lifecycle ---

// Init creates the root directory if its record does not exist yet.
func (fs *FS) Init(ctx context.Context) (err error) {
	defer fs.observe("init", time.Now(), &err)

	_, err = fs.meta.GetNode(ctx, storage.RootIno)
	if err == nil {
		log.Debug("[VFS] Init: root exists")
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return fsErr(err)
	}
	if _, err := fs.meta.CreateRoot(ctx); err != nil {
		return fsErr(err)
	}
	return nil
}

// Destroy releases the metadata store.
func (fs *FS) Destroy(ctx context.Context) (err error) {
	defer fs.observe("destroy", time.Now(), &err)
	log.Debug("[VFS] Destroy")
	return fsErr(fs.meta.Close())
}

// --- Attribute queries ---

// GetAttr returns the record of the inode p names.
func (fs *FS) GetAttr(ctx context.Context, p string) (attr storage.Attr, err error) {
	defer fs.observe("getattr", time.Now(), &err)
	log.Debugf("[VFS] GetAttr: path=%q", p)

	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	attr, err = fs.meta.GetNode(ctx, ino)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	return attr, nil
}

// Lookup returns the inode p names.
func (fs *FS) Lookup(ctx context.Context, p string) (ino uint64, err error) {
	defer fs.observe("lookup", time.Now(), &err)
	log.Debugf("[VFS] Lookup: path=%q", p)

	ino, err = fs.inodeOf(ctx, p)
	if err != nil {
		return 0, fsErr(err)
	}
	return ino, nil
}

// Access accepts every request; permissions are not enforced.
func (fs *FS) Access(ctx context.Context, p string, mask uint32) error {
	log.Debugf("[VFS] Access: path=%q mask=%o", p, mask)
	return nil
}

// Open is a no-op; reads and writes re-resolve the path.
func (fs *FS) Open(ctx context.Context, p string, flags int) error {
	log.Debugf("[VFS] Open: path=%q flags=%d", p, flags)
	return nil
}

// Release is a no-op.
func (fs *FS) Release(ctx context.Context, p string) error {
	return nil
}

// OpenDir is a no-op.
func (fs *FS) OpenDir(ctx context.Context, p string) error {
	log.Debugf("[VFS] OpenDir: path=%q", p)
	return nil
}

// ReleaseDir is a no-op.
func (fs *FS) ReleaseDir(ctx context.Context, p string) error {
	return nil
}

// StatFs reports fixed capacity figures.
func (fs *FS) StatFs(ctx context.Context) (StatFs, error) {
	return StatFs{
		Bsize:   statBlockSize,
		Frsize:  statBlockSize,
		Blocks:  statBlocks,
		Bfree:   statBlocks,
		Bavail:  statBlocks,
		Files:   statFiles,
		Ffree:   statFiles,
		Favail:  statFiles,
		NameMax: common.MaxNameLen,
	}, nil
}

// --- Data ---

// Read returns up to size bytes at off. Reading a never-written file or
// past its end yields fewer (possibly zero) bytes, not an error.
func (fs *FS) Read(ctx context.Context, p string, size int, off int64) (data []byte, err error) {
	defer fs.observe("read", time.Now(), &err)
	log.Debugf("[VFS] Read: path=%q size=%d off=%d", p, size, off)

	if size < 0 || off < 0 {
		return nil, EINVAL
	}
	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return nil, fsErr(err)
	}
	data, err = fs.blobs.Read(ino, size, off)
	if err != nil {
		return nil, fsErr(err)
	}
	fs.metrics.AddBytesRead(len(data))
	return data, nil
}

// Write stores data at off, then grows the recorded size to cover it and
// bumps mtime. The attribute update is best-effort.
func (fs *FS) Write(ctx context.Context, p string, data []byte, off int64) (n int, err error) {
	defer fs.observe("write", time.Now(), &err)
	log.Debugf("[VFS] Write: path=%q len=%d off=%d", p, len(data), off)

	if off < 0 {
		return 0, EINVAL
	}
	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return 0, fsErr(err)
	}
	n, err = fs.blobs.Write(ino, data, off)
	if err != nil {
		return n, fsErr(err)
	}
	fs.metrics.AddBytesWritten(n)

	end := off + int64(n)
	fs.updateAttr(ctx, "write", ino, func(a *storage.Attr) {
		if end > a.Size {
			a.Size = end
		}
		a.Blocks = storage.BlocksFor(a.Size)
		a.Mtime = now()
	})
	return n, nil
}

// Truncate sets the file length. A data failure returns before any
// attribute change; the attribute update itself is best-effort.
func (fs *FS) Truncate(ctx context.Context, p string, size int64) (err error) {
	defer fs.observe("truncate", time.Now(), &err)
	log.Debugf("[VFS] Truncate: path=%q size=%d", p, size)

	if size < 0 {
		return EINVAL
	}
	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return fsErr(err)
	}
	if err := fs.blobs.Truncate(ino, size); err != nil {
		return fsErr(err)
	}
	fs.updateAttr(ctx, "truncate", ino, func(a *storage.Attr) {
		a.Size = size
		a.Blocks = storage.BlocksFor(size)
		a.Mtime = now()
	})
	return nil
}

// Fsync flushes the file's blob.
func (fs *FS) Fsync(ctx context.Context, p string) (err error) {
	defer fs.observe("fsync", time.Now(), &err)
	log.Debugf("[VFS] Fsync: path=%q", p)

	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return fsErr(err)
	}
	return fsErr(fs.blobs.Sync(ino))
}

// --- Namespace ---

// prepareCreate resolves p for a new entry and checks that the parent is a
// directory and the name is free.
func (fs *FS) prepareCreate(ctx context.Context, p string) (uint64, string, error) {
	parent, leaf, err := fs.resolver.Resolve(ctx, p)
	if err != nil {
		return 0, "", err
	}
	if leaf == "" {
		return 0, "", common.ErrExists
	}
	if err := common.ValidateName(leaf); err != nil {
		return 0, "", err
	}
	pattr, err := fs.meta.GetNode(ctx, parent)
	if err != nil {
		return 0, "", err
	}
	if !pattr.IsDir() {
		return 0, "", common.ErrNotDir
	}
	if _, err := fs.meta.Lookup(ctx, parent, leaf); err == nil {
		return 0, "", common.ErrExists
	} else if !errors.Is(err, common.ErrNotFound) {
		return 0, "", err
	}
	return parent, leaf, nil
}

// Create makes an empty regular file with the permission bits of mode.
func (fs *FS) Create(ctx context.Context, p string, mode uint32) (attr storage.Attr, err error) {
	defer fs.observe("create", time.Now(), &err)
	log.Debugf("[VFS] Create: path=%q mode=%o", p, mode)

	parent, leaf, err := fs.prepareCreate(ctx, p)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	uid, gid := callerFrom(ctx)
	attr, err = fs.meta.CreateNode(ctx, parent, leaf, storage.ModeFile|mode&storage.PermMask, uid, gid)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	return attr, nil
}

// Mkdir makes an empty directory with the permission bits of mode.
func (fs *FS) Mkdir(ctx context.Context, p string, mode uint32) (attr storage.Attr, err error) {
	defer fs.observe("mkdir", time.Now(), &err)
	log.Debugf("[VFS] Mkdir: path=%q mode=%o", p, mode)

	parent, leaf, err := fs.prepareCreate(ctx, p)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	uid, gid := callerFrom(ctx)
	attr, err = fs.meta.CreateNode(ctx, parent, leaf, storage.ModeDir|mode&storage.PermMask, uid, gid)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	return attr, nil
}

// Symlink creates p as a symbolic link to target.
func (fs *FS) Symlink(ctx context.Context, target, p string) (attr storage.Attr, err error) {
	defer fs.observe("symlink", time.Now(), &err)
	log.Debugf("[VFS] Symlink: path=%q target=%q", p, target)

	if target == "" {
		return storage.Attr{}, ENOENT
	}
	parent, leaf, err := fs.prepareCreate(ctx, p)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	uid, gid := callerFrom(ctx)
	attr, err = fs.meta.CreateSymlink(ctx, parent, leaf, target, uid, gid)
	if err != nil {
		return storage.Attr{}, fsErr(err)
	}
	return attr, nil
}

// Readlink returns the target of the symbolic link p.
func (fs *FS) Readlink(ctx context.Context, p string) (target string, err error) {
	defer fs.observe("readlink", time.Now(), &err)
	log.Debugf("[VFS] Readlink: path=%q", p)

	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return "", fsErr(err)
	}
	attr, err := fs.meta.GetNode(ctx, ino)
	if err != nil {
		return "", fsErr(err)
	}
	if !attr.IsSymlink() {
		return "", EINVAL
	}
	return attr.Target, nil
}

// Unlink removes a non-directory: its entry, then its blob, then its
// record. Every step is attempted; only a failed entry removal is reported.
func (fs *FS) Unlink(ctx context.Context, p string) (err error) {
	defer fs.observe("unlink", time.Now(), &err)
	log.Debugf("[VFS] Unlink: path=%q", p)

	parent, leaf, err := fs.resolver.Resolve(ctx, p)
	if err != nil {
		return fsErr(err)
	}
	if leaf == "" {
		return EISDIR
	}
	ino, err := fs.meta.Lookup(ctx, parent, leaf)
	if err != nil {
		return fsErr(err)
	}
	if attr, err := fs.meta.GetNode(ctx, ino); err == nil && attr.IsDir() {
		return EISDIR
	}

	entryErr := fs.meta.UnlinkEntry(ctx, parent, leaf)
	if entryErr != nil {
		fs.warn("unlink", ino, "entry", entryErr)
	}
	if err := fs.blobs.Delete(ino); err != nil {
		fs.warn("unlink", ino, "blob", err)
	}
	if err := fs.meta.DeleteNode(ctx, ino); err != nil {
		fs.warn("unlink", ino, "record", err)
	}
	return fsErr(entryErr)
}

// Rmdir removes an empty directory. A non-empty directory is left
// untouched and ENOTEMPTY is returned.
func (fs *FS) Rmdir(ctx context.Context, p string) (err error) {
	defer fs.observe("rmdir", time.Now(), &err)
	log.Debugf("[VFS] Rmdir: path=%q", p)

	parent, leaf, err := fs.resolver.Resolve(ctx, p)
	if err != nil {
		return fsErr(err)
	}
	if leaf == "" {
		return EBUSY
	}
	ino, err := fs.meta.Lookup(ctx, parent, leaf)
	if err != nil {
		return fsErr(err)
	}
	if attr, err := fs.meta.GetNode(ctx, ino); err == nil && !attr.IsDir() {
		return ENOTDIR
	}

	entries, err := fs.meta.ReadDir(ctx, ino)
	if err != nil {
		return fsErr(err)
	}
	if len(entries) > 0 {
		return ENOTEMPTY
	}

	if err := fs.meta.UnlinkEntry(ctx, parent, leaf); err != nil {
		fs.warn("rmdir", ino, "entry", err)
		if err := fs.meta.DeleteNode(ctx, ino); err != nil {
			fs.warn("rmdir", ino, "record", err)
		}
		return fsErr(err)
	}
	if err := fs.meta.DeleteNode(ctx, ino); err != nil {
		fs.warn("rmdir", ino, "record", err)
	}
	return nil
}

// Rename moves the entry at oldPath to newPath. An existing destination is
// overwritten. Blobs are keyed by inode and do not move.
func (fs *FS) Rename(ctx context.Context, oldPath, newPath string) (err error) {
	defer fs.observe("rename", time.Now(), &err)
	log.Debugf("[VFS] Rename: %q → %q", oldPath, newPath)

	oldParent, oldLeaf, err := fs.resolver.Resolve(ctx, oldPath)
	if err != nil {
		return fsErr(err)
	}
	newParent, newLeaf, err := fs.resolver.Resolve(ctx, newPath)
	if err != nil {
		return fsErr(err)
	}
	if oldLeaf == "" || newLeaf == "" {
		return EBUSY
	}
	if err := common.ValidateName(newLeaf); err != nil {
		return fsErr(err)
	}
	if isWithin(newPath, oldPath) {
		return EINVAL
	}
	pattr, err := fs.meta.GetNode(ctx, newParent)
	if err != nil {
		return fsErr(err)
	}
	if !pattr.IsDir() {
		return ENOTDIR
	}
	return fsErr(fs.meta.Rename(ctx, oldParent, oldLeaf, newParent, newLeaf))
}

// isWithin reports whether p lies strictly below dir.
func isWithin(p, dir string) bool {
	dir = "/" + strings.Join(common.SplitPath(dir), "/")
	p = "/" + strings.Join(common.SplitPath(p), "/")
	return strings.HasPrefix(p, dir+"/")
}

// ReadDir lists the directory p, starting with "." and "..".
func (fs *FS) ReadDir(ctx context.Context, p string) (entries []storage.DirEntry, err error) {
	defer fs.observe("readdir", time.Now(), &err)
	log.Debugf("[VFS] ReadDir: path=%q", p)

	parent, leaf, err := fs.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, fsErr(err)
	}
	ino := parent
	if leaf != "" {
		ino, err = fs.meta.Lookup(ctx, parent, leaf)
		if err != nil {
			return nil, fsErr(err)
		}
	}
	if attr, err := fs.meta.GetNode(ctx, ino); err == nil && !attr.IsDir() {
		return nil, ENOTDIR
	}

	children, err := fs.meta.ReadDir(ctx, ino)
	if err != nil {
		return nil, fsErr(err)
	}
	entries = make([]storage.DirEntry, 0, len(children)+2)
	entries = append(entries,
		storage.DirEntry{Name: ".", Ino: ino, Mode: storage.ModeDir},
		storage.DirEntry{Name: "..", Ino: parent, Mode: storage.ModeDir},
	)
	return append(entries, children...), nil
}

// --- Attribute set ---

// Chmod replaces the permission bits; the file type is kept. A failed
// record fetch is logged and the call still succeeds.
func (fs *FS) Chmod(ctx context.Context, p string, mode uint32) (err error) {
	defer fs.observe("chmod", time.Now(), &err)
	log.Debugf("[VFS] Chmod: path=%q mode=%o", p, mode)

	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return fsErr(err)
	}
	fs.updateAttr(ctx, "chmod", ino, func(a *storage.Attr) {
		a.Mode = a.Mode&storage.ModeMask | mode&storage.PermMask
		a.Ctime = now()
	})
	return nil
}

// Chown sets owner and group. A value of -1 leaves that field unchanged.
func (fs *FS) Chown(ctx context.Context, p string, uid, gid int) (err error) {
	defer fs.observe("chown", time.Now(), &err)
	log.Debugf("[VFS] Chown: path=%q uid=%d gid=%d", p, uid, gid)

	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return fsErr(err)
	}
	fs.updateAttr(ctx, "chown", ino, func(a *storage.Attr) {
		if uid >= 0 {
			a.Uid = uint32(uid)
		}
		if gid >= 0 {
			a.Gid = uint32(gid)
		}
		a.Ctime = now()
	})
	return nil
}

// Utimens sets access and modification times. A nil time is left unchanged.
func (fs *FS) Utimens(ctx context.Context, p string, atime, mtime *time.Time) (err error) {
	defer fs.observe("utimens", time.Now(), &err)
	log.Debugf("[VFS] Utimens: path=%q", p)

	ino, err := fs.inodeOf(ctx, p)
	if err != nil {
		return fsErr(err)
	}
	fs.updateAttr(ctx, "utimens", ino, func(a *storage.Attr) {
		if atime != nil {
			a.Atime = time.Unix(atime.Unix(), 0)
		}
		if mtime != nil {
			a.Mtime = time.Unix(mtime.Unix(), 0)
		}
	})
	return nil
}
