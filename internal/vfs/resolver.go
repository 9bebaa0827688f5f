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

package vfs

import (
	"context"

	"kvfs/internal/common"
	"kvfs/internal/storage"
)

// Resolver turns absolute paths into (parent inode, leaf name) pairs by
// walking directory entries from the root.
type Resolver struct {
	meta storage.MetaStore
}

// NewResolver returns a Resolver reading entries from meta.
func NewResolver(meta storage.MetaStore) *Resolver {
	return &Resolver{meta: meta}
}

// Resolve looks up every segment but the last and returns the parent inode
// together with the unverified leaf name. "/" resolves to (RootIno, "").
// Repeated and trailing slashes are ignored.
func (r *Resolver) Resolve(ctx context.Context, p string) (uint64, string, error) {
	if !common.IsAbs(p) {
		return 0, "", common.ErrInvalidPath
	}
	parts := common.SplitPath(p)
	if len(parts) == 0 {
		return storage.RootIno, "", nil
	}

	parent := storage.RootIno
	for _, seg := range parts[:len(parts)-1] {
		ino, err := r.meta.Lookup(ctx, parent, seg)
		if err != nil {
			return 0, "", err
		}
		parent = ino
	}
	return parent, parts[len(parts)-1], nil
}

// ResolveInode resolves p all the way to the inode it names.
func (r *Resolver) ResolveInode(ctx context.Context, p string) (uint64, error) {
	parent, leaf, err := r.Resolve(ctx, p)
	if err != nil {
		return 0, err
	}
	if leaf == "" {
		return parent, nil
	}
	return r.meta.Lookup(ctx, parent, leaf)
}
