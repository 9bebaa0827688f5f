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

package common

import (
	"path"
	"strings"
)

// MaxNameLen is the longest directory entry name accepted.
const MaxNameLen = 255

// IsAbs reports whether p is an absolute slash-separated path.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// SplitPath splits an absolute path into its non-empty components.
// Repeated and trailing slashes are ignored; "/" yields nil.
func SplitPath(p string) []string {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

// JoinPath joins a directory path and a child name into an absolute path.
func JoinPath(dir, name string) string {
	return path.Join("/", dir, name)
}

// ParentPath returns the parent directory of an absolute path.
func ParentPath(p string) string {
	return path.Dir(path.Join("/", p))
}

// BaseName returns the last component of a path, or "" for the root.
func BaseName(p string) string {
	parts := SplitPath(p)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ValidateName checks that name can be stored as a directory entry.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidName
	case len(name) > MaxNameLen:
		return ErrNameTooLong
	case strings.ContainsAny(name, "/\x00"):
		return ErrInvalidName
	}
	return nil
}
