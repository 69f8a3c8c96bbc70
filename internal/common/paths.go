// Copyright 2025 Snapindex Authors
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
	"path/filepath"
	"strings"
)

// NormalizePath cleans a path and strips any trailing separator.
func NormalizePath(path string) string {
	path = filepath.Clean(path)
	if path == "." {
		return ""
	}
	return path
}

// EnsureTrailingSep appends the platform separator if the path does not
// already end with one. Volume keys in the file cache and the changed-dirs
// table are stored with a trailing separator.
func EnsureTrailingSep(path string) string {
	if path == "" || strings.HasSuffix(path, string(filepath.Separator)) {
		return path
	}
	return path + string(filepath.Separator)
}

// RemoveTrailingSep strips a single trailing separator, leaving "/" intact.
func RemoveTrailingSep(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, string(filepath.Separator)) {
		return path[:len(path)-1]
	}
	return path
}

// VolumeOf returns the volume a path resides on. On Unix systems this is the
// filesystem root; callers with mount-aware capabilities override the result.
func VolumeOf(path string) string {
	vol := filepath.VolumeName(path)
	if vol == "" {
		return string(filepath.Separator)
	}
	return vol
}

// SplitPath splits a normalized path into its components.
func SplitPath(path string) []string {
	path = strings.Trim(NormalizePath(path), string(filepath.Separator))
	if path == "" {
		return nil
	}
	return strings.Split(path, string(filepath.Separator))
}

// ParentPath returns the parent directory of a path, or "" at the root.
func ParentPath(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == path {
		return ""
	}
	return dir
}
