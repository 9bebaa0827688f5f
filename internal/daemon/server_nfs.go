// Copyright 2025 kvfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"kvfs/internal/common"
	"kvfs/internal/storage"
	"kvfs/internal/vfs"
)

// nfsHandleCacheSize bounds the file handle cache of the NFS handler.
const nfsHandleCacheSize = 65536

// NFSServer wraps the go-nfs server
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
}

// NewNFSServer creates a new NFS server for fsys
func NewNFSServer(fsys *vfs.FS) *NFSServer {
	// Set go-nfs log level to match ours
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(fsys))
	cacheHelper := nfshelper.NewCachingHandler(handler, nfsHandleCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		cancel: cancel,
	}
}

// Listen binds addr. Use port 0 to pick a free port.
func (s *NFSServer) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return listener.Addr(), nil
}

// Serve accepts connections until Shutdown.
func (s *NFSServer) Serve() error {
	if s.listener == nil {
		return errors.New("NFS server is not listening")
	}
	return s.server.Serve(s.listener)
}

// Shutdown stops accepting connections and cancels in-flight handlers.
func (s *NFSServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// BillyAdapter presents a vfs.FS as a billy filesystem for go-nfs. Files
// are path handles: every read and write goes back through the path.
type BillyAdapter struct {
	fs  *vfs.FS
	ctx context.Context
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
)

// NewBillyAdapter creates a billy adapter for fsys. Nodes it creates are
// owned by the serving process's uid/gid.
func NewBillyAdapter(fsys *vfs.FS) *BillyAdapter {
	return &BillyAdapter{
		fs:  fsys,
		ctx: vfs.WithCaller(context.Background(), uint32(os.Getuid()), uint32(os.Getgid())),
	}
}

func abs(name string) string {
	return path.Join("/", name)
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	p := abs(filename)
	attr, err := b.fs.GetAttr(b.ctx, p)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, os.ErrExist
		}
		if attr.IsDir() && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
			return nil, vfs.EISDIR
		}
		if flag&os.O_TRUNC != 0 {
			if err := b.fs.Truncate(b.ctx, p, 0); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, fs.ErrNotExist) && flag&os.O_CREATE != 0:
		if _, err := b.fs.Create(b.ctx, p, uint32(perm.Perm())); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if err := b.fs.Open(b.ctx, p, flag); err != nil {
		return nil, err
	}
	return &BillyFile{adapter: b, name: filename, path: p, flags: flag}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	return b.Lstat(filename)
}

// Lstat returns the record of filename itself; symlinks are not followed.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	attr, err := b.fs.GetAttr(b.ctx, abs(filename))
	if err != nil {
		return nil, err
	}
	return &BillyFileInfo{name: path.Base(abs(filename)), attr: attr}, nil
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return b.fs.Rename(b.ctx, abs(oldpath), abs(newpath))
}

func (b *BillyAdapter) Remove(filename string) error {
	p := abs(filename)
	attr, err := b.fs.GetAttr(b.ctx, p)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		return b.fs.Rmdir(b.ctx, p)
	}
	return b.fs.Unlink(b.ctx, p)
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

// ReadDir lists dirname with full attributes, which go-nfs needs for
// READDIRPLUS. An entry whose record cannot be read is listed with its
// type only.
func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	p := abs(dirname)
	entries, err := b.fs.ReadDir(b.ctx, p)
	if err != nil {
		return nil, err
	}

	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		attr, err := b.fs.GetAttr(b.ctx, path.Join(p, e.Name))
		if err != nil {
			log.WithError(err).Debugf("[NFS] ReadDir: stat %q failed", e.Name)
			attr = storage.Attr{Ino: e.Ino, Mode: e.Mode}
		}
		result = append(result, &BillyFileInfo{name: e.Name, attr: attr})
	}
	return result, nil
}

// MkdirAll creates filename and any missing parents. Existing directories
// along the way are fine; an existing non-directory is ENOTDIR.
func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	p := "/"
	for _, name := range common.SplitPath(abs(filename)) {
		p = path.Join(p, name)
		attr, err := b.fs.GetAttr(b.ctx, p)
		if err == nil {
			if !attr.IsDir() {
				return vfs.ENOTDIR
			}
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if _, err := b.fs.Mkdir(b.ctx, p, uint32(perm.Perm())); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	_, err := b.fs.Symlink(b.ctx, target, abs(link))
	return err
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return b.fs.Readlink(b.ctx, abs(link))
}

func (b *BillyAdapter) Chroot(p string) (billy.Filesystem, error) {
	return chroot.New(b, abs(p)), nil
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	return b.fs.Chmod(b.ctx, abs(name), uint32(mode.Perm()))
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	return b.fs.Chown(b.ctx, abs(name), uid, gid)
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	return b.fs.Chown(b.ctx, abs(name), uid, gid)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	return b.fs.Utimens(b.ctx, abs(name), &atime, &mtime)
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile is an open file: a path plus a cursor.
type BillyFile struct {
	adapter *BillyAdapter
	name    string
	path    string
	flags   int
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	if f.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, os.ErrPermission
	}
	if f.flags&os.O_APPEND != 0 {
		attr, err := f.adapter.fs.GetAttr(f.adapter.ctx, f.path)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size
	}
	n, err = f.adapter.fs.Write(f.adapter.ctx, f.path, p, f.offset)
	if err == nil {
		f.offset += int64(n)
	}
	return
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return
}

// ReadAt follows io.ReaderAt: a short read reports io.EOF.
func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	data, err := f.adapter.fs.Read(f.adapter.ctx, f.path, len(p), off)
	if err != nil {
		return 0, err
	}
	n = copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attr, err := f.adapter.fs.GetAttr(f.adapter.ctx, f.path)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size + offset
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, vfs.EINVAL
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return f.adapter.fs.Release(f.adapter.ctx, f.path)
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return f.adapter.fs.Truncate(f.adapter.ctx, f.path, size)
}

// BillyFileInfo is an os.FileInfo over a stored record.
type BillyFileInfo struct {
	name string
	attr storage.Attr
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return fi.attr.Size
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	perm := os.FileMode(fi.attr.Permissions() & 0777)
	switch fi.attr.Mode & storage.ModeMask {
	case storage.ModeDir:
		return os.ModeDir | perm
	case storage.ModeSymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}

func (fi *BillyFileInfo) ModTime() time.Time {
	return fi.attr.Mtime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.attr.IsDir()
}

// Sys returns file.FileInfo from go-nfs/file; go-nfs only reads ownership
// and the file id from that type.
func (fi *BillyFileInfo) Sys() interface{} {
	return &nfsfile.FileInfo{
		Nlink:  fi.attr.Nlink(),
		UID:    fi.attr.Uid,
		GID:    fi.attr.Gid,
		Fileid: fi.attr.Ino,
	}
}
