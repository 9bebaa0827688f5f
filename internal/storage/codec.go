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
	"fmt"
	"strconv"
	"strings"
	"time"

	"kvfs/internal/common"
)

// numericFields is the count of fixed numeric fields in an encoded record.
const numericFields = 9

// EncodeAttr serializes a record as
// ino:mode:uid:gid:size:blocks:atime:mtime:ctime[:target]
// with decimal integers and Unix-second timestamps.
func EncodeAttr(a Attr) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%d:%d:%d:%d:%d:%d:%d:%d",
		a.Ino, a.Mode, a.Uid, a.Gid, a.Size, a.Blocks,
		a.Atime.Unix(), a.Mtime.Unix(), a.Ctime.Unix())
	if a.Target != "" {
		b.WriteByte(':')
		b.WriteString(a.Target)
	}
	return b.String()
}

// DecodeAttr parses a record produced by EncodeAttr. Everything after the
// ninth delimiter is the symlink target and may itself contain ':'.
func DecodeAttr(s string) (Attr, error) {
	parts := strings.SplitN(s, ":", numericFields+1)
	if len(parts) < numericFields {
		return Attr{}, fmt.Errorf("%w: %d fields in %q", common.ErrCorrupt, len(parts), s)
	}

	var nums [numericFields]uint64
	for i := range numericFields {
		n, err := strconv.ParseUint(parts[i], 10, 64)
		if err != nil {
			return Attr{}, fmt.Errorf("%w: field %d of %q: %v", common.ErrCorrupt, i, s, err)
		}
		nums[i] = n
	}

	a := Attr{
		Ino:    nums[0],
		Mode:   uint32(nums[1]),
		Uid:    uint32(nums[2]),
		Gid:    uint32(nums[3]),
		Size:   int64(nums[4]),
		Blocks: int64(nums[5]),
		Atime:  time.Unix(int64(nums[6]), 0),
		Mtime:  time.Unix(int64(nums[7]), 0),
		Ctime:  time.Unix(int64(nums[8]), 0),
	}
	if len(parts) == numericFields+1 {
		a.Target = parts[numericFields]
	}
	return a, nil
}
