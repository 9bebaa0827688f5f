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

	log "github.com/sirupsen/logrus"

	"kvfs/internal/common"
)

// DanglingEntry is a directory entry whose inode has no record.
type DanglingEntry struct {
	Parent uint64
	Name   string
	Ino    uint64
}

// SizeMismatch is a file whose recorded size is smaller than its blob.
type SizeMismatch struct {
	Ino      uint64
	AttrSize int64
	BlobSize int64
}

// Report is the result of a consistency check.
type Report struct {
	Reachable      int
	Orphans        []uint64 // records not reachable from the root
	Dangling       []DanglingEntry
	OrphanBlobs    []uint64 // blobs without a reachable record
	SizeMismatches []SizeMismatch
}

// Clean reports whether no problems were found.
func (r *Report) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Dangling) == 0 &&
		len(r.OrphanBlobs) == 0 && len(r.SizeMismatches) == 0
}

// Check walks the namespace from the root and compares it with every stored
// record and blob.
func Check(ctx context.Context, meta MetaStore, blobs DataStore) (*Report, error) {
	if _, err := meta.GetNode(ctx, RootIno); err != nil {
		return nil, fmt.Errorf("fsck: root: %w", err)
	}

	r := &Report{}
	reachable := map[uint64]bool{RootIno: true}
	queue := []uint64{RootIno}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := meta.ReadDir(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("fsck: %w", err)
		}
		for _, e := range entries {
			attr, err := meta.GetNode(ctx, e.Ino)
			if errors.Is(err, common.ErrNotFound) {
				r.Dangling = append(r.Dangling, DanglingEntry{Parent: dir, Name: e.Name, Ino: e.Ino})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("fsck: %w", err)
			}
			if reachable[e.Ino] {
				continue
			}
			reachable[e.Ino] = true
			if attr.IsDir() {
				queue = append(queue, e.Ino)
			}
			if attr.IsFile() {
				size, err := blobs.SizeOf(e.Ino)
				if err != nil {
					return nil, fmt.Errorf("fsck: %w", err)
				}
				if attr.Size < size {
					r.SizeMismatches = append(r.SizeMismatches, SizeMismatch{Ino: e.Ino, AttrSize: attr.Size, BlobSize: size})
				}
			}
		}
	}
	r.Reachable = len(reachable)

	inos, err := meta.Inodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("fsck: %w", err)
	}
	for _, ino := range inos {
		if !reachable[ino] {
			r.Orphans = append(r.Orphans, ino)
		}
	}

	blobInos, err := blobs.List()
	if err != nil {
		return nil, fmt.Errorf("fsck: %w", err)
	}
	for _, ino := range blobInos {
		if !reachable[ino] {
			r.OrphanBlobs = append(r.OrphanBlobs, ino)
		}
	}

	log.WithFields(log.Fields{
		"reachable":  r.Reachable,
		"orphans":    len(r.Orphans),
		"dangling":   len(r.Dangling),
		"blobs":      len(r.OrphanBlobs),
		"mismatches": len(r.SizeMismatches),
	}).Info("fsck complete")
	return r, nil
}

// Prune removes orphaned records, orphaned blobs and dangling entries.
// It keeps going after a failure and returns the first error.
func (r *Report) Prune(ctx context.Context, meta MetaStore, blobs DataStore) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, ino := range r.Orphans {
		if attr, err := meta.GetNode(ctx, ino); err == nil && attr.IsDir() {
			entries, err := meta.ReadDir(ctx, ino)
			keep(err)
			for _, e := range entries {
				keep(meta.UnlinkEntry(ctx, ino, e.Name))
			}
		}
		keep(meta.DeleteNode(ctx, ino))
	}
	for _, ino := range r.OrphanBlobs {
		keep(blobs.Delete(ino))
	}
	for _, d := range r.Dangling {
		keep(meta.UnlinkEntry(ctx, d.Parent, d.Name))
	}
	return first
}
