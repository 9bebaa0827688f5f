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
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"kvfs/internal/common"
	"kvfs/internal/kv"
	"kvfs/internal/metrics"
)

// MetaStore persists attribute records and directory entries.
// Implementations must be safe for concurrent use.
type MetaStore interface {
	// AllocateInode returns a fresh inode number. Values strictly increase.
	AllocateInode(ctx context.Context) (uint64, error)
	// CreateNode allocates an inode, writes its record and inserts the
	// entry name under parent as one unit.
	CreateNode(ctx context.Context, parent uint64, name string, mode, uid, gid uint32) (Attr, error)
	// CreateSymlink is CreateNode for a symbolic link pointing at target.
	CreateSymlink(ctx context.Context, parent uint64, name, target string, uid, gid uint32) (Attr, error)
	// CreateRoot writes the record of RootIno as a 0755 directory.
	CreateRoot(ctx context.Context) (Attr, error)
	GetNode(ctx context.Context, ino uint64) (Attr, error)
	// UpdateNode overwrites the whole record; last writer wins.
	UpdateNode(ctx context.Context, attr Attr) error
	Lookup(ctx context.Context, parent uint64, name string) (uint64, error)
	ReadDir(ctx context.Context, dir uint64) ([]DirEntry, error)
	// UnlinkEntry removes the entry only; the record is untouched.
	UnlinkEntry(ctx context.Context, parent uint64, name string) error
	// DeleteNode removes the record only.
	DeleteNode(ctx context.Context, ino uint64) error
	// Rename moves an entry. An existing destination entry is overwritten
	// and its inode is not reclaimed.
	Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error
	// Inodes lists every inode that has a stored record.
	Inodes(ctx context.Context) ([]uint64, error)
	Close() error
}

// KVMeta implements MetaStore on a kv.Store using the node:/dir:/lookup
// key layout, optionally namespaced by a key prefix.
type KVMeta struct {
	store   kv.Store
	prefix  string
	metrics *metrics.Metrics
}

var _ MetaStore = (*KVMeta)(nil)

// NewKVMeta returns a MetaStore over store. m may be nil.
func NewKVMeta(store kv.Store, prefix string, m *metrics.Metrics) *KVMeta {
	return &KVMeta{store: store, prefix: prefix, metrics: m}
}

func (s *KVMeta) nodeKey(ino uint64) string {
	return s.prefix + nodeKeyPrefix + strconv.FormatUint(ino, 10)
}

func (s *KVMeta) dirKey(ino uint64) string {
	return s.prefix + dirKeyPrefix + strconv.FormatUint(ino, 10)
}

func (s *KVMeta) lookupKey() string {
	return s.prefix + lookupKey
}

// backendErr classifies a kv error: a missing key becomes ErrNotFound,
// anything else ErrIO with the backend error kept in the chain.
func backendErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, kv.ErrNil) {
		return fmt.Errorf("%s: %w", msg, common.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", msg, common.ErrIO, err)
}

// AllocateInode increments the lookup counter. RootIno is reserved: on a
// store whose root was never created, the counter's first value is
// skipped.
func (s *KVMeta) AllocateInode(ctx context.Context) (uint64, error) {
	for {
		n, err := s.store.Incr(ctx, s.lookupKey())
		if err != nil {
			return 0, backendErr(err, "allocate inode")
		}
		if n <= 0 {
			return 0, fmt.Errorf("allocate inode: counter returned %d: %w", n, common.ErrCorrupt)
		}
		if uint64(n) != RootIno {
			return uint64(n), nil
		}
	}
}

// CreateNode allocates an inode and writes its record together with the
// entry name in parent.
func (s *KVMeta) CreateNode(ctx context.Context, parent uint64, name string, mode, uid, gid uint32) (Attr, error) {
	return s.create(ctx, parent, name, Attr{Mode: mode, Uid: uid, Gid: gid})
}

// CreateSymlink is CreateNode for a symlink; the record's size is the
// target length.
func (s *KVMeta) CreateSymlink(ctx context.Context, parent uint64, name, target string, uid, gid uint32) (Attr, error) {
	return s.create(ctx, parent, name, Attr{
		Mode:   DefaultSymlinkMode,
		Uid:    uid,
		Gid:    gid,
		Size:   int64(len(target)),
		Target: target,
	})
}

func (s *KVMeta) create(ctx context.Context, parent uint64, name string, attr Attr) (Attr, error) {
	ino, err := s.AllocateInode(ctx)
	if err != nil {
		return Attr{}, err
	}

	now := time.Unix(time.Now().Unix(), 0)
	attr.Ino = ino
	attr.Atime, attr.Mtime, attr.Ctime = now, now, now

	b := kv.NewBatch().
		Set(s.nodeKey(ino), EncodeAttr(attr)).
		HSet(s.dirKey(parent), name, strconv.FormatUint(ino, 10))
	if err := s.store.Exec(ctx, b); err != nil {
		return Attr{}, backendErr(err, "create %q in %d", name, parent)
	}

	log.WithFields(log.Fields{"ino": ino, "parent": parent, "name": name, "mode": fmt.Sprintf("%o", attr.Mode)}).
		Debug("created node")
	return attr, nil
}

// CreateRoot writes the root record. It consumes one counter value so
// that inode 1 is never allocated to anything else.
func (s *KVMeta) CreateRoot(ctx context.Context) (Attr, error) {
	// Consume a counter value so inode 1 is never handed out again.
	if _, err := s.store.Incr(ctx, s.lookupKey()); err != nil {
		return Attr{}, backendErr(err, "create root")
	}

	now := time.Unix(time.Now().Unix(), 0)
	root := Attr{
		Ino:   RootIno,
		Mode:  DefaultDirMode,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	if err := s.store.Set(ctx, s.nodeKey(RootIno), EncodeAttr(root)); err != nil {
		return Attr{}, backendErr(err, "create root")
	}
	log.Info("created root directory")
	return root, nil
}

// GetNode returns ErrNotFound when ino has no record.
func (s *KVMeta) GetNode(ctx context.Context, ino uint64) (Attr, error) {
	raw, err := s.store.Get(ctx, s.nodeKey(ino))
	if err != nil {
		return Attr{}, backendErr(err, "get node %d", ino)
	}
	attr, err := DecodeAttr(raw)
	if err != nil {
		return Attr{}, fmt.Errorf("get node %d: %w", ino, err)
	}
	return attr, nil
}

// UpdateNode overwrites the record of attr.Ino; last writer wins.
func (s *KVMeta) UpdateNode(ctx context.Context, attr Attr) error {
	if err := s.store.Set(ctx, s.nodeKey(attr.Ino), EncodeAttr(attr)); err != nil {
		return backendErr(err, "update node %d", attr.Ino)
	}
	return nil
}

func (s *KVMeta) Lookup(ctx context.Context, parent uint64, name string) (uint64, error) {
	raw, err := s.store.HGet(ctx, s.dirKey(parent), name)
	if err != nil {
		return 0, backendErr(err, "lookup %q in %d", name, parent)
	}
	ino, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("lookup %q in %d: entry value %q: %w", name, parent, raw, common.ErrCorrupt)
	}
	return ino, nil
}

// ReadDir returns the entries of dir sorted by name. An entry whose record
// cannot be read is still listed, with mode 0.
func (s *KVMeta) ReadDir(ctx context.Context, dir uint64) ([]DirEntry, error) {
	fields, err := s.store.HGetAll(ctx, s.dirKey(dir))
	if err != nil {
		return nil, backendErr(err, "read dir %d", dir)
	}

	entries := make([]DirEntry, 0, len(fields))
	for name, raw := range fields {
		ino, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			log.WithFields(log.Fields{"dir": dir, "name": name, "value": raw}).
				Warn("skipping corrupt directory entry")
			continue
		}
		e := DirEntry{Name: name, Ino: ino}
		if attr, err := s.GetNode(ctx, ino); err == nil {
			e.Mode = attr.Mode
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// UnlinkEntry removes the entry only; the record is left to the caller.
func (s *KVMeta) UnlinkEntry(ctx context.Context, parent uint64, name string) error {
	if err := s.store.HDel(ctx, s.dirKey(parent), name); err != nil {
		return backendErr(err, "unlink %q in %d", name, parent)
	}
	return nil
}

func (s *KVMeta) DeleteNode(ctx context.Context, ino uint64) error {
	if err := s.store.Del(ctx, s.nodeKey(ino)); err != nil {
		return backendErr(err, "delete node %d", ino)
	}
	return nil
}

// Rename moves an entry in one batch. An existing destination entry is
// replaced and its inode orphaned: the record stays, a warning is logged
// and the orphan counter incremented.
func (s *KVMeta) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error {
	ino, err := s.Lookup(ctx, oldParent, oldName)
	if err != nil {
		return err
	}

	if oldParent != newParent || oldName != newName {
		if displaced, err := s.Lookup(ctx, newParent, newName); err == nil && displaced != ino {
			log.WithFields(log.Fields{"ino": displaced, "parent": newParent, "name": newName}).
				Warn("rename overwrites entry; displaced inode is orphaned")
			s.metrics.OrphanedInode()
		}
	}

	b := kv.NewBatch().
		HDel(s.dirKey(oldParent), oldName).
		HSet(s.dirKey(newParent), newName, strconv.FormatUint(ino, 10))
	if err := s.store.Exec(ctx, b); err != nil {
		return backendErr(err, "rename %q in %d to %q in %d", oldName, oldParent, newName, newParent)
	}
	return nil
}

// Inodes lists every inode with a stored record, in ascending order.
func (s *KVMeta) Inodes(ctx context.Context) ([]uint64, error) {
	prefix := s.prefix + nodeKeyPrefix
	keys, err := s.store.Keys(ctx, prefix)
	if err != nil {
		return nil, backendErr(err, "list inodes")
	}
	inos := make([]uint64, 0, len(keys))
	for _, k := range keys {
		ino, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		inos = append(inos, ino)
	}
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })
	return inos, nil
}

func (s *KVMeta) Close() error {
	return s.store.Close()
}
