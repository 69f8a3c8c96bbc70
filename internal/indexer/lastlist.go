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
	"bufio"
	"os"

	"snapindex/internal/storage"
)

// LastListCursor is a restartable forward cursor over the previous run's
// file list. Depth tracks descends (dir entries) and ascends (close tokens)
// so the cursor can be aligned to any (depth, name) position at or after
// the current one.
type LastListCursor struct {
	f     *os.File
	sc    *bufio.Scanner
	entry *ListEntry
	depth int
	err   error
}

// OpenLastList opens the previous file list. A missing file yields a nil
// cursor, which disables keep alignment.
func OpenLastList(path string) (*LastListCursor, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	c := &LastListCursor{f: f, sc: sc}
	c.fetch()
	return c, nil
}

func (c *LastListCursor) fetch() {
	c.entry = nil
	for c.sc.Scan() {
		entry, err := ParseListLine(c.sc.Text())
		if err != nil {
			c.err = err
			return
		}
		if entry != nil {
			c.entry = entry
			return
		}
	}
	c.err = c.sc.Err()
}

// Valid reports whether the cursor has a current entry.
func (c *LastListCursor) Valid() bool { return c != nil && c.entry != nil }

// Entry returns the current entry.
func (c *LastListCursor) Entry() *ListEntry { return c.entry }

// Depth returns the directory depth of the current position.
func (c *LastListCursor) Depth() int { return c.depth }

// Advance consumes the current entry, adjusting depth for directory opens
// and closes.
func (c *LastListCursor) Advance() {
	if c.entry == nil {
		return
	}
	switch {
	case c.entry.IsClose:
		c.depth--
	case c.entry.IsDir:
		c.depth++
	}
	c.fetch()
}

// Err returns the first parse or read error.
func (c *LastListCursor) Err() error {
	if c == nil {
		return nil
	}
	return c.err
}

// Close releases the underlying file.
func (c *LastListCursor) Close() error {
	if c == nil || c.f == nil {
		return nil
	}
	return c.f.Close()
}

// Emitter writes the new file list, interleaving "keep" entries from the
// previous list: before each new entry the cursor is advanced past
// everything lexicographically behind it, copying those lines verbatim
// (whole subtrees included); a cursor entry equal to the new one is
// consumed silently so the fresh metadata wins.
type Emitter struct {
	lw     *ListWriter
	cursor *LastListCursor
	depth  int
}

// NewEmitter creates an emitter. cursor may be nil (no keep semantics).
func NewEmitter(lw *ListWriter, cursor *LastListCursor) *Emitter {
	return &Emitter{lw: lw, cursor: cursor}
}

// Entries sort files before directories, then by name. behind reports
// whether the cursor entry precedes the new (isDir, name) key.
func behindEntry(ce *ListEntry, isDir bool, name string) bool {
	if ce.IsDir != isDir {
		return !ce.IsDir
	}
	return ce.Name < name
}

func (e *Emitter) copyCursor() error {
	if err := e.lw.WriteRaw(e.cursor.Entry().Raw); err != nil {
		return err
	}
	e.cursor.Advance()
	return nil
}

// align copies cursor entries behind the upcoming (isDir, name) key and
// consumes an exact match.
func (e *Emitter) align(isDir bool, name string) error {
	if !e.cursor.Valid() {
		return e.cursor.Err()
	}
	for e.cursor.Valid() {
		ce := e.cursor.Entry()
		if e.cursor.Depth() > e.depth {
			// Inside a carried-forward subtree.
			if err := e.copyCursor(); err != nil {
				return err
			}
			continue
		}
		if e.cursor.Depth() < e.depth {
			// The cursor never entered this directory.
			break
		}
		if ce.IsClose {
			break
		}
		if behindEntry(ce, isDir, name) {
			if err := e.copyCursor(); err != nil {
				return err
			}
			continue
		}
		break
	}
	if e.cursor.Valid() && e.cursor.Depth() == e.depth {
		ce := e.cursor.Entry()
		if !ce.IsClose && ce.IsDir == isDir && ce.Name == name {
			// Same entry in both lists: step the cursor, emit the new one.
			e.cursor.Advance()
		}
	}
	return e.cursor.Err()
}

// EmitFile writes one non-dir entry, keeping aligned old entries first.
func (e *Emitter) EmitFile(f *storage.FileAndHash, extras *Extras) error {
	if e.cursor != nil {
		if err := e.align(false, f.Name); err != nil {
			return err
		}
	}
	return e.lw.WriteFile(f, extras)
}

// EmitDirOpen writes a directory entry and descends.
func (e *Emitter) EmitDirOpen(d *storage.FileAndHash, extras *Extras) error {
	if e.cursor != nil {
		if err := e.align(true, d.Name); err != nil {
			return err
		}
	}
	if err := e.lw.WriteDirOpen(d, extras); err != nil {
		return err
	}
	e.depth++
	return nil
}

// EmitDirClose copies the old list's remaining entries of this directory,
// then writes the close token and ascends.
func (e *Emitter) EmitDirClose() error {
	if e.cursor != nil {
		for e.cursor.Valid() {
			ce := e.cursor.Entry()
			if e.cursor.Depth() > e.depth {
				if err := e.copyCursor(); err != nil {
					return err
				}
				continue
			}
			if e.cursor.Depth() < e.depth {
				break
			}
			if ce.IsClose {
				// The old list's close of the same directory.
				e.cursor.Advance()
				break
			}
			if err := e.copyCursor(); err != nil {
				return err
			}
		}
		if err := e.cursor.Err(); err != nil {
			return err
		}
	}
	if err := e.lw.WriteDirClose(); err != nil {
		return err
	}
	e.depth--
	return nil
}

// Finish copies whatever the old list still holds and flushes.
func (e *Emitter) Finish() error {
	if e.cursor != nil {
		for e.cursor.Valid() {
			if err := e.copyCursor(); err != nil {
				return err
			}
		}
		if err := e.cursor.Err(); err != nil {
			return err
		}
	}
	return e.lw.Flush()
}
