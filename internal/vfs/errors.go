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
	"errors"
	"syscall"

	"kvfs/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT       = syscall.ENOENT       // No such file or directory
	EEXIST       = syscall.EEXIST       // File exists
	ENOTDIR      = syscall.ENOTDIR      // Not a directory
	EISDIR       = syscall.EISDIR       // Is a directory
	EINVAL       = syscall.EINVAL       // Invalid argument
	ENOTSUP      = syscall.ENOTSUP      // Operation not supported
	EIO          = syscall.EIO          // I/O error
	EBUSY        = syscall.EBUSY        // Device or resource busy
	ENOTEMPTY    = syscall.ENOTEMPTY    // Directory not empty
	ENAMETOOLONG = syscall.ENAMETOOLONG // File name too long
)

// ToErrno maps an error from the storage layers onto the errno reported to
// the kernel. Unclassified failures become EIO.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrInvalidName):
		return EINVAL
	case errors.Is(err, common.ErrNameTooLong):
		return ENAMETOOLONG
	case errors.Is(err, common.ErrIO), errors.Is(err, common.ErrCorrupt):
		return EIO
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return EIO
}

// fsErr converts err for return from an FS verb, keeping nil as nil.
func fsErr(err error) error {
	if err == nil {
		return nil
	}
	return ToErrno(err)
}
