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

package fuse

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"kvfs/internal/storage"
	"kvfs/internal/vfs"
)

// MountOptions configures a FUSE mount.
type MountOptions struct {
	// Mountpoint is the directory the filesystem is attached to. It is
	// created if missing.
	Mountpoint string

	// FsName shows up as the device column in mount(8).
	FsName string

	// AllowOther lets users other than the mounting one access the tree.
	// Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// EntryTimeout and AttrTimeout bound how long the kernel caches names
	// and attributes. Zero means every access reaches the backend, which
	// keeps the mount coherent with other clients of the same store.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// Debug logs every FUSE request.
	Debug bool
}

// Mount attaches fsys at opts.Mountpoint. The caller must Unmount the
// returned server.
func Mount(fsys *vfs.FS, opts MountOptions) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if opts.FsName == "" {
		opts.FsName = "kvfs"
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	entryTimeout := opts.EntryTimeout
	attrTimeout := opts.AttrTimeout
	server, err := fs.Mount(opts.Mountpoint, NewRoot(fsys), &fs.Options{
		EntryTimeout:   &entryTimeout,
		AttrTimeout:    &attrTimeout,
		RootStableAttr: &fs.StableAttr{Mode: syscall.S_IFDIR, Ino: storage.RootIno},
		MountOptions: fuse.MountOptions{
			FsName:     opts.FsName,
			Name:       "kvfs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", opts.Mountpoint, err)
	}

	log.WithFields(log.Fields{"mountpoint": opts.Mountpoint, "fsname": opts.FsName}).Info("FUSE filesystem mounted")
	return server, nil
}
