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

// File mode constants (POSIX)
const (
	ModeDir     = 0040000 // Directory
	ModeFile    = 0100000 // Regular file
	ModeSymlink = 0120000 // Symbolic link
	ModeMask    = 0170000 // Type mask
	PermMask    = 07777
)

// Default permissions
const (
	DefaultDirMode     = ModeDir | 0755  // rwxr-xr-x
	DefaultFileMode    = ModeFile | 0644 // rw-r--r--
	DefaultSymlinkMode = ModeSymlink | 0777
)

// Root inode number
const RootIno uint64 = 1

// Key layout in the metadata backend.
const (
	nodeKeyPrefix = "node:"  // node:<ino> -> encoded Attr
	dirKeyPrefix  = "dir:"   // dir:<ino> -> hash of name -> child ino
	lookupKey     = "lookup" // inode allocation counter
)

// blockSize is the unit st_blocks is counted in.
const blockSize = 512

// BlocksFor returns the number of 512-byte blocks covering size bytes.
func BlocksFor(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize
}
