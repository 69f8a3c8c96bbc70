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

// Package changeset supplies the "directories changed since the last
// backup" and "files currently open" sets the walker uses to decide which
// directories can be served from the file cache.
package changeset

import (
	"context"
	"sort"
)

// Source yields the changed-directory and open-file sets of a volume.
type Source interface {
	// CanWatch reports whether the source actually watches the volume. A
	// volume that cannot be watched forces a full filesystem scan.
	CanWatch(vol string) bool

	// SnapshotChangedSet returns the directories changed since the last
	// call (sorted) and the files currently open for writing. Open files
	// perturb their change indicator so a file open during the snapshot is
	// retransmitted once it closes.
	SnapshotChangedSet(ctx context.Context, vol string) (changedDirs, openFiles []string, err error)

	// SnapshotDeletedDirs returns directories removed since the last call, sorted.
	SnapshotDeletedDirs(ctx context.Context, vol string) ([]string, error)

	// Freeze stops the set from advancing while a snapshot is taken.
	Freeze()

	// Unfreeze resumes watching after the snapshot exists.
	Unfreeze()

	// UpdateAndWait flushes pending watcher events so the next
	// SnapshotChangedSet reflects everything up to now.
	UpdateAndWait(ctx context.Context) error
}

// AllDirsSource is the fallback for platforms without a journal watcher.
// Every directory is considered changed, forcing a full scan.
type AllDirsSource struct{}

func (AllDirsSource) CanWatch(string) bool { return false }

func (AllDirsSource) SnapshotChangedSet(context.Context, string) ([]string, []string, error) {
	return nil, nil, nil
}

func (AllDirsSource) SnapshotDeletedDirs(context.Context, string) ([]string, error) {
	return nil, nil
}

func (AllDirsSource) Freeze()   {}
func (AllDirsSource) Unfreeze() {}

func (AllDirsSource) UpdateAndWait(context.Context) error { return nil }

// ChangedSet is a sorted changed-directory set with membership lookup. An
// invalid (nil) set reports everything as changed.
type ChangedSet struct {
	valid bool
	dirs  []string
	open  map[string]bool
}

// NewChangedSet builds a set from sorted changed dirs and open files.
// Passing valid=false yields the "everything changed" set.
func NewChangedSet(valid bool, changedDirs, openFiles []string) *ChangedSet {
	open := make(map[string]bool, len(openFiles))
	for _, f := range openFiles {
		open[f] = true
	}
	dirs := append([]string(nil), changedDirs...)
	sort.Strings(dirs)
	return &ChangedSet{valid: valid, dirs: dirs, open: open}
}

// Contains reports whether dir must be re-enumerated from the filesystem.
func (s *ChangedSet) Contains(dir string) bool {
	if s == nil || !s.valid {
		return true
	}
	i := sort.SearchStrings(s.dirs, dir)
	return i < len(s.dirs) && s.dirs[i] == dir
}

// Add injects a directory discovered during the walk (hard-link siblings).
func (s *ChangedSet) Add(dir string) {
	if s == nil || !s.valid {
		return
	}
	i := sort.SearchStrings(s.dirs, dir)
	if i < len(s.dirs) && s.dirs[i] == dir {
		return
	}
	s.dirs = append(s.dirs, "")
	copy(s.dirs[i+1:], s.dirs[i:])
	s.dirs[i] = dir
}

// OpenFile reports whether path was open for writing during the snapshot.
func (s *ChangedSet) OpenFile(path string) bool {
	return s != nil && s.open[path]
}

// AddOpenFile injects an open file discovered during the walk.
func (s *ChangedSet) AddOpenFile(path string) {
	if s == nil {
		return
	}
	if s.open == nil {
		s.open = make(map[string]bool)
	}
	s.open[path] = true
}

// Valid reports whether the set actually restricts the walk.
func (s *ChangedSet) Valid() bool { return s != nil && s.valid }
