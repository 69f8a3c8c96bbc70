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

package indexer

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoHardlinkEnum is returned on platforms without link enumeration.
var ErrNoHardlinkEnum = errors.New("hard link enumeration not supported")

// Capabilities is the narrow platform interface the walker needs beyond
// plain directory enumeration: stable file reference numbers and the link
// names of a multiply-linked file.
type Capabilities interface {
	// FileID returns the (high, low) file reference number and link count
	// of a file; ok is false when the platform has no stable ids.
	FileID(path string, info os.FileInfo) (frnHigh, frnLow int64, nlinks int, ok bool)

	// EnumerateHardlinks returns every link name of the file on the same
	// volume, the given path included.
	EnumerateHardlinks(vol, path string) ([]string, error)
}

// NoneCapabilities disables hard-link handling entirely.
type NoneCapabilities struct{}

func (NoneCapabilities) FileID(string, os.FileInfo) (int64, int64, int, bool) {
	return 0, 0, 0, false
}

func (NoneCapabilities) EnumerateHardlinks(string, string) ([]string, error) {
	return nil, ErrNoHardlinkEnum
}

// MemCapabilities is a test double with scripted ids and link sets.
type MemCapabilities struct {
	mu    sync.Mutex
	ids   map[string][2]int64
	links map[string][]string // any link name -> all link names
	next  int64
}

// NewMemCapabilities returns an empty test capability set.
func NewMemCapabilities() *MemCapabilities {
	return &MemCapabilities{
		ids:   make(map[string][2]int64),
		links: make(map[string][]string),
	}
}

// Link registers a set of paths as hard links of one file.
func (c *MemCapabilities) Link(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := [2]int64{0, c.next}
	for _, p := range paths {
		c.ids[filepath.Clean(p)] = id
		c.links[filepath.Clean(p)] = paths
	}
}

func (c *MemCapabilities) FileID(path string, info os.FileInfo) (int64, int64, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := filepath.Clean(path)
	id, ok := c.ids[p]
	if !ok {
		c.next++
		id = [2]int64{0, c.next}
		c.ids[p] = id
	}
	nlinks := 1
	if l, ok := c.links[p]; ok {
		nlinks = len(l)
	}
	return id[0], id[1], nlinks, true
}

func (c *MemCapabilities) EnumerateHardlinks(vol, path string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[filepath.Clean(path)]; ok {
		return append([]string(nil), l...), nil
	}
	return []string{path}, nil
}
