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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"snapindex/internal/changeset"
	"snapindex/internal/common"
	"snapindex/internal/match"
	"snapindex/internal/storage"
)

func joinFS(dir, name string) string { return filepath.Join(dir, name) }

// run carries the state of one backup run through the walk.
type run struct {
	ctx context.Context
	idx *Indexer

	group        int
	flags        storage.RootFlag
	matcher      *match.Matcher
	changed      *changeset.ChangedSet
	emitter      *Emitter
	hashAlgo     HashAlgo
	parallelHash bool
	useCache     bool
	verify       bool
	vol          string
	fs           billy.Filesystem // snapshot view

	stop       *atomic.Bool
	indexError bool
	// visited guards FollowSymlinks against link cycles.
	visited map[string]bool
}

// walkParams addresses one directory of the walk.
type walkParams struct {
	origPath  string // path on the live filesystem (cache key)
	snapPath  string // same directory inside the snapshot view
	namedPath string // logical path used for include/exclude matching
	depth     int
	symlinked bool
}

// walkRoot indexes one backup root into the emitter.
func (r *run) walkRoot(root storage.BackupRoot, snapPath string) error {
	info, err := r.fs.Stat(snapPath)
	if err != nil || !info.IsDir() {
		optional := root.Flags.Has(storage.FlagOptional) ||
			(root.Symlinked && root.Flags.Has(storage.FlagSymlinksOptional))
		if optional {
			r.idx.warnf("Optional backup root %q not present, skipping", root.Name)
			return nil
		}
		r.indexError = true
		r.idx.warnf("Cannot access backup root %q at %s: %v", root.Name, snapPath, err)
		return nil
	}

	dirEntry := &storage.FileAndHash{Name: root.Name, IsDir: true}
	if err := r.emitter.EmitDirOpen(dirEntry, r.rootExtras(root)); err != nil {
		return err
	}
	err = r.walkDir(walkParams{
		origPath:  root.Path,
		snapPath:  snapPath,
		namedPath: string(filepath.Separator) + root.Name,
		symlinked: root.Symlinked,
	})
	if err != nil {
		return err
	}
	return r.emitter.EmitDirClose()
}

func (r *run) rootExtras(root storage.BackupRoot) *Extras {
	extras := &Extras{}
	if root.Path != root.Name {
		extras.Add(ExtraOrigPath, root.Path)
		extras.Add(ExtraOrigSep, string(filepath.Separator))
	}
	if r.idx.cbt.Enabled(r.vol) {
		// The sidecar sequence lets the server detect that the chunk
		// hashes it cached for this volume were invalidated in between.
		seq := r.idx.cbt.SequenceID(r.vol)
		extras.Add(ExtraSequenceNext, strconv.FormatInt(seq+1, 10))
		extras.Add(ExtraSequenceID, strconv.FormatInt(seq, 10))
	}
	return extras
}

// walkDir emits the contribution of one directory subtree.
func (r *run) walkDir(p walkParams) error {
	if r.stop != nil && r.stop.Load() {
		return common.ErrStopped
	}

	files, err := r.getFilesProxy(p)
	if err != nil {
		return err
	}

	var plain, dirs []storage.FileAndHash
	for _, f := range files {
		namedPath := joinFS(p.namedPath, f.Name)
		origPath := joinFS(p.origPath, f.Name)
		if r.matcher != nil {
			if r.matcher.IsExcluded(origPath) || r.matcher.IsExcluded(namedPath) {
				continue
			}
			inc1, worthless1 := r.matcher.IncludedWithWorthless(origPath)
			inc2, worthless2 := r.matcher.IncludedWithWorthless(namedPath)
			if !inc1 && !inc2 && worthless1 && worthless2 {
				continue
			}
		}
		if f.IsDir {
			dirs = append(dirs, f)
		} else {
			plain = append(plain, f)
		}
	}

	for i := range plain {
		f := &plain[i]
		if f.NLinks > 1 {
			r.recordHardlinks(p, f)
		}
		var verifyHash []byte
		if r.verify && !f.IsSym && !f.IsSpecial {
			sum, err := hashFile(r.fs, joinFS(p.snapPath, f.Name), HashSHA256)
			if err != nil {
				r.idx.warnf("Error hashing %s for verification: %v", joinFS(p.snapPath, f.Name), err)
			} else {
				verifyHash = sum
			}
		}
		if err := r.emitter.EmitFile(f, r.fileExtras(f, verifyHash)); err != nil {
			return err
		}
	}

	for i := range dirs {
		d := &dirs[i]
		if err := r.emitter.EmitDirOpen(d, r.dirExtras(d)); err != nil {
			return err
		}
		sub := walkParams{
			origPath:  joinFS(p.origPath, d.Name),
			snapPath:  joinFS(p.snapPath, d.Name),
			namedPath: joinFS(p.namedPath, d.Name),
			depth:     p.depth + 1,
			symlinked: p.symlinked,
		}
		if d.IsSym {
			// A followed directory symlink is walked at its target.
			sub.origPath = d.SymlinkTarget
			sub.snapPath = d.SymlinkTarget
			if r.visited[sub.origPath] {
				r.idx.warnf("Symlink cycle at %s, not descending", joinFS(p.origPath, d.Name))
				if err := r.emitter.EmitDirClose(); err != nil {
					return err
				}
				continue
			}
			r.visited[sub.origPath] = true
			r.idx.confirmSymlinkTarget(r.ctx, sub.origPath)
		}
		if err := r.walkDir(sub); err != nil {
			return err
		}
		if err := r.emitter.EmitDirClose(); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) fileExtras(f *storage.FileAndHash, verifyHash []byte) *Extras {
	extras := &Extras{}
	if len(f.Hash) > 0 {
		if key := r.hashAlgo.extraKey(); key != "" {
			extras.AddHex(key, f.Hash)
		}
	}
	if f.IsSym {
		extras.Add(ExtraSymTarget, outputSymTarget(f))
	}
	if f.IsSpecial {
		extras.Add(ExtraSpecial, "1")
	}
	if len(verifyHash) > 0 {
		extras.AddHex(ExtraSHA256Verify, verifyHash)
	}
	return extras
}

func (r *run) dirExtras(d *storage.FileAndHash) *Extras {
	extras := &Extras{}
	if d.IsSym {
		extras.Add(ExtraSymTarget, outputSymTarget(d))
	}
	return extras
}

// outputSymTarget is the link target the list carries, which may be remapped
// away from the raw filesystem target.
func outputSymTarget(f *storage.FileAndHash) string {
	if f.OutputSymTarget != "" {
		return f.OutputSymTarget
	}
	return f.SymlinkTarget
}

// getFilesProxy resolves a directory listing: from the filesystem when the
// change set lists the directory (or nothing can be watched), from the
// cache otherwise. Hashes are carried forward from the cache when the
// entry is unchanged and computed for the rest.
func (r *run) getFilesProxy(p walkParams) ([]storage.FileAndHash, error) {
	pathKey := common.EnsureTrailingSep(p.origPath)

	cached, generation, exists, err := r.idx.dao.GetFiles(r.ctx, pathKey, r.group)
	if err != nil {
		return nil, err
	}

	if r.useCache && exists && !r.changed.Contains(pathKey) {
		// Served from the cache; only newly required hashes are computed.
		if r.hashAlgo != HashNone {
			if changed := r.fillMissingHashes(p, cached); changed {
				r.persist(pathKey, cached, generation, exists)
			}
		}
		return cached, nil
	}

	files, err := r.enumerateDir(p)
	if err != nil {
		r.idx.warnf("Error listing %s: %v", p.snapPath, err)
		if exists {
			return cached, nil
		}
		return nil, nil
	}

	r.carryHashes(files, cached)
	if r.hashAlgo != HashNone {
		var need []int
		for i := range files {
			f := &files[i]
			if !f.IsDir && !f.IsSym && !f.IsSpecial && len(f.Hash) == 0 {
				need = append(need, i)
			}
		}
		hashPending(r.fs, p.snapPath, files, need, r.hashAlgo, r.parallelHash, func(path string, err error) {
			r.idx.warnf("Error hashing %s: %v", path, err)
		})
	}

	if r.useCache {
		r.persist(pathKey, files, generation, exists)
	}
	return files, nil
}

// persist writes a cache row, retrying once against a bumped generation.
func (r *run) persist(pathKey string, files []storage.FileAndHash, generation int64, exists bool) {
	var err error
	if !exists {
		err = r.idx.dao.AddFiles(r.ctx, pathKey, r.group, files)
	} else {
		err = r.idx.dao.ModifyFiles(r.ctx, pathKey, r.group, files, generation)
		if errors.Is(err, common.ErrGenerationMismatch) {
			_, newGen, stillExists, gerr := r.idx.dao.GetFiles(r.ctx, pathKey, r.group)
			if gerr == nil && stillExists {
				err = r.idx.dao.ModifyFiles(r.ctx, pathKey, r.group, files, newGen)
			}
		}
	}
	if err != nil {
		log.Warnf("persisting file cache row %q: %v", pathKey, err)
	}
}

// carryHashes copies hashes from the cached listing for entries whose
// (name, change indicator, size) did not change.
func (r *run) carryHashes(files []storage.FileAndHash, cached []storage.FileAndHash) {
	if len(cached) == 0 {
		return
	}
	byName := make(map[string]*storage.FileAndHash, len(cached))
	for i := range cached {
		byName[cached[i].Name] = &cached[i]
	}
	for i := range files {
		f := &files[i]
		if f.IsDir || f.IsSpecial || len(f.Hash) > 0 {
			continue
		}
		c, ok := byName[f.Name]
		if !ok || c.IsDir {
			continue
		}
		if c.ChangeIndicator == f.ChangeIndicator && c.Size == f.Size && len(c.Hash) > 0 {
			f.Hash = c.Hash
		}
	}
}

// fillMissingHashes computes hashes absent from a cache-served listing.
func (r *run) fillMissingHashes(p walkParams, files []storage.FileAndHash) bool {
	var need []int
	for i := range files {
		f := &files[i]
		if !f.IsDir && !f.IsSym && !f.IsSpecial && len(f.Hash) == 0 {
			need = append(need, i)
		}
	}
	if len(need) == 0 {
		return false
	}
	hashPending(r.fs, p.snapPath, files, need, r.hashAlgo, r.parallelHash, func(path string, err error) {
		r.idx.warnf("Error hashing %s: %v", path, err)
	})
	return true
}

// enumerateDir lists one directory of the snapshot view.
func (r *run) enumerateDir(p walkParams) ([]storage.FileAndHash, error) {
	entries, err := r.fs.ReadDir(p.snapPath)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	files := make([]storage.FileAndHash, 0, len(entries))
	for _, info := range entries {
		f := storage.FileAndHash{
			Name:            info.Name(),
			Size:            info.Size(),
			ChangeIndicator: storage.IndicatorValue(info.ModTime().UnixNano()),
			IsDir:           info.IsDir(),
		}
		path := joinFS(p.snapPath, f.Name)

		switch mode := info.Mode(); {
		case mode&os.ModeSymlink != 0:
			f.IsSym = true
			f.Size = 0
			f.ChangeIndicator = storage.MarkSymlink(f.ChangeIndicator)
			f.SymlinkTarget = r.readSymlink(path)
			f.OutputSymTarget = f.SymlinkTarget
			if r.flags.Has(storage.FlagFollowSymlinks) && f.SymlinkTarget != "" {
				if ti, err := r.fs.Stat(path); err == nil && ti.IsDir() {
					f.IsDir = true
				}
			}
		case mode&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) != 0:
			f.IsSpecial = true
			f.Size = 0
			f.ChangeIndicator = storage.MarkSpecial(f.ChangeIndicator)
		}

		if !f.IsDir && !f.IsSym && !f.IsSpecial {
			origPath := joinFS(p.origPath, f.Name)
			if r.changed.OpenFile(origPath) {
				// A file open during the snapshot must be retransmitted
				// once it closes, so nudge its indicator.
				f.ChangeIndicator = perturbIndicator(f.ChangeIndicator)
			}
			if _, _, nlinks, ok := r.idx.caps.FileID(origPath, info); ok {
				f.NLinks = nlinks
			}
		}
		files = append(files, f)
	}
	return files, nil
}

func (r *run) readSymlink(path string) string {
	if target, err := r.fs.Readlink(path); err == nil {
		return target
	}
	return ""
}

// perturbIndicator shifts the orderable bits down by one, keeping the tag
// bits intact, so the next close looks like a change.
func perturbIndicator(ci int64) int64 {
	value := storage.IndicatorValue(ci)
	if value > 0 {
		value--
	}
	return (ci ^ storage.IndicatorValue(ci)) | value
}

// recordHardlinks persists the link graph of a multiply-linked file and
// injects the sibling directories into the changed set, so a hard-link
// copy that moved is re-examined on the next run.
func (r *run) recordHardlinks(p walkParams, f *storage.FileAndHash) {
	origPath := joinFS(p.origPath, f.Name)
	info, err := r.fs.Lstat(joinFS(p.snapPath, f.Name))
	if err != nil {
		return
	}
	frnHigh, frnLow, _, ok := r.idx.caps.FileID(origPath, info)
	if !ok {
		return
	}

	links, err := r.idx.caps.EnumerateHardlinks(r.vol, origPath)
	if err != nil {
		if !errors.Is(err, ErrNoHardlinkEnum) {
			r.idx.warnf("Enumerating hard links of %s: %v", origPath, err)
		}
		return
	}

	if err := r.idx.dao.ResetHardlink(r.ctx, r.vol, frnHigh, frnLow); err != nil {
		log.Warnf("resetting hard link key: %v", err)
		return
	}
	seen := make(map[[2]int64]bool)
	for _, link := range links {
		dir := filepath.Dir(link)
		dirInfo, err := r.fs.Lstat(dir)
		if err != nil {
			continue
		}
		parentHigh, parentLow, _, ok := r.idx.caps.FileID(dir, dirInfo)
		if !ok {
			continue
		}
		key := [2]int64{parentHigh, parentLow}
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := r.idx.dao.AddHardlink(r.ctx, r.vol, frnHigh, frnLow, parentHigh, parentLow); err != nil {
			log.Warnf("adding hard link edge: %v", err)
		}
		if link != origPath {
			r.changed.Add(common.EnsureTrailingSep(dir))
			if r.changed.OpenFile(origPath) {
				r.changed.AddOpenFile(link)
			}
		}
	}
}
