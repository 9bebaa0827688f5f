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

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"kvfs/internal/common"
)

// blobPrefix names blob files: data_<ino>.
const blobPrefix = "data_"

// DataStore holds file contents as one byte blob per inode.
type DataStore interface {
	// Write stores data at off, creating the blob and zero-filling any gap.
	Write(ino uint64, data []byte, off int64) (int, error)
	// Read returns up to size bytes at off. A missing blob reads as empty.
	Read(ino uint64, size int, off int64) ([]byte, error)
	// Truncate sets the blob length exactly, creating it if missing.
	Truncate(ino uint64, size int64) error
	// Delete removes the blob. A missing blob is not an error.
	Delete(ino uint64) error
	// Sync flushes the blob to stable storage. A missing blob is not an error.
	Sync(ino uint64) error
	// SizeOf returns the blob length, 0 when missing.
	SizeOf(ino uint64) (int64, error)
	// List returns the inodes that have a blob.
	List() ([]uint64, error)
}

// BlobStore is a DataStore on a billy filesystem. Every call opens its own
// handle, so concurrent use is safe as far as the filesystem allows.
type BlobStore struct {
	fs billy.Filesystem
}

var _ DataStore = (*BlobStore)(nil)

// NewBlobStore stores blobs at the root of fs.
func NewBlobStore(fs billy.Filesystem) *BlobStore {
	return &BlobStore{fs: fs}
}

// OpenBlobDir creates dir if needed and stores blobs in it.
func OpenBlobDir(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return NewBlobStore(osfs.New(dir)), nil
}

// BlobName returns the file name holding ino's contents.
func BlobName(ino uint64) string {
	return blobPrefix + strconv.FormatUint(ino, 10)
}

func blobErr(op string, ino uint64, err error) error {
	return fmt.Errorf("%s blob %d: %w: %w", op, ino, common.ErrIO, err)
}

// Write stores data at off, creating the blob on first use. A gap past the
// current end reads back as zeros.
func (b *BlobStore) Write(ino uint64, data []byte, off int64) (int, error) {
	f, err := b.fs.OpenFile(BlobName(ino), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, blobErr("open", ino, err)
	}
	defer f.Close()

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, blobErr("seek", ino, err)
	}
	n, err := f.Write(data)
	if err != nil {
		return n, blobErr("write", ino, err)
	}
	return n, nil
}

// Read returns up to size bytes at off. A missing blob or an offset past
// the end yields an empty slice, not an error.
func (b *BlobStore) Read(ino uint64, size int, off int64) ([]byte, error) {
	f, err := b.fs.Open(BlobName(ino))
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, blobErr("open", ino, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, blobErr("read", ino, err)
	}
	return buf[:n], nil
}

// Truncate sets the blob length to size, creating the blob if needed.
func (b *BlobStore) Truncate(ino uint64, size int64) error {
	f, err := b.fs.OpenFile(BlobName(ino), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return blobErr("open", ino, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return blobErr("truncate", ino, err)
	}
	return nil
}

// Delete removes the blob; a missing blob is not an error.
func (b *BlobStore) Delete(ino uint64) error {
	err := b.fs.Remove(BlobName(ino))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return blobErr("delete", ino, err)
	}
	return nil
}

type syncer interface {
	Sync() error
}

func (b *BlobStore) Sync(ino uint64) error {
	f, err := b.fs.OpenFile(BlobName(ino), os.O_WRONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return blobErr("open", ino, err)
	}
	defer f.Close()

	// In-memory filesystems have nothing to flush.
	if s, ok := f.(syncer); ok {
		if err := s.Sync(); err != nil {
			return blobErr("sync", ino, err)
		}
	}
	return nil
}

// SizeOf returns the blob length, 0 when there is no blob.
func (b *BlobStore) SizeOf(ino uint64) (int64, error) {
	fi, err := b.fs.Stat(BlobName(ino))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, blobErr("stat", ino, err)
	}
	return fi.Size(), nil
}

// List returns the inodes of all blobs in the directory, skipping files
// that are not named like blobs.
func (b *BlobStore) List() ([]uint64, error) {
	infos, err := b.fs.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w: %w", common.ErrIO, err)
	}
	var inos []uint64
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || !strings.HasPrefix(name, blobPrefix) {
			continue
		}
		ino, err := strconv.ParseUint(strings.TrimPrefix(name, blobPrefix), 10, 64)
		if err != nil {
			continue
		}
		inos = append(inos, ino)
	}
	return inos, nil
}
