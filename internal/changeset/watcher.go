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

package changeset

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"snapindex/internal/common"
	"snapindex/internal/storage"
)

// WatcherSource feeds the changed-directory tables from filesystem
// notifications. Changed directories are staged in memory and flushed to
// the database by UpdateAndWait; entries staged since the last flush exist
// only in memory and are lost if the process exits before the next flush.
type WatcherSource struct {
	dao     *storage.ClientDAO
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	frozen   bool
	backlog  []fsnotify.Event // events received while frozen
	pending  map[string]map[string]struct{} // vol -> changed dirs
	deleted  map[string]map[string]struct{} // vol -> deleted dirs
	open     map[string]map[string]struct{} // vol -> open (written) files
	volumes  []string

	done chan struct{}
}

// NewWatcherSource starts a watcher persisting into dao.
func NewWatcherSource(dao *storage.ClientDAO) (*WatcherSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &WatcherSource{
		dao:     dao,
		watcher: w,
		pending: make(map[string]map[string]struct{}),
		deleted: make(map[string]map[string]struct{}),
		open:    make(map[string]map[string]struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Close stops the watcher.
func (s *WatcherSource) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}

// WatchRoot registers a backup root and all directories below it.
func (s *WatcherSource) WatchRoot(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("watcher: skipping %s: %v", path, err)
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if err := s.watcher.Add(path); err != nil {
			log.Warnf("watcher: cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (s *WatcherSource) run() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.mu.Lock()
			if s.frozen {
				s.backlog = append(s.backlog, ev)
			} else {
				s.handleEventLocked(ev)
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (s *WatcherSource) handleEventLocked(ev fsnotify.Event) {
	vol := common.VolumeOf(ev.Name)
	dir := common.EnsureTrailingSep(filepath.Dir(ev.Name))

	mark(s.pending, vol, dir)

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		// The watch on a removed directory dies with it; recording the
		// path lets the indexer drop its cache rows.
		mark(s.deleted, vol, common.EnsureTrailingSep(ev.Name))
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.watcher.Add(ev.Name); err != nil {
				log.Warnf("watcher: cannot watch new dir %s: %v", ev.Name, err)
			}
			mark(s.pending, vol, common.EnsureTrailingSep(ev.Name))
		}
	case ev.Op.Has(fsnotify.Write):
		mark(s.open, vol, ev.Name)
	}
}

func mark(m map[string]map[string]struct{}, vol, key string) {
	set, ok := m[vol]
	if !ok {
		set = make(map[string]struct{})
		m[vol] = set
	}
	set[key] = struct{}{}
}

func (s *WatcherSource) CanWatch(vol string) bool { return true }

// Freeze buffers incoming events so the changed set stays coherent with a
// snapshot being taken.
func (s *WatcherSource) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Unfreeze replays the backlog accumulated during the freeze.
func (s *WatcherSource) Unfreeze() {
	s.mu.Lock()
	s.frozen = false
	backlog := s.backlog
	s.backlog = nil
	for _, ev := range backlog {
		s.handleEventLocked(ev)
	}
	s.mu.Unlock()
}

// UpdateAndWait flushes the staged sets to the database.
func (s *WatcherSource) UpdateAndWait(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	deleted := s.deleted
	s.pending = make(map[string]map[string]struct{})
	s.deleted = make(map[string]map[string]struct{})
	s.mu.Unlock()

	for vol, dirs := range pending {
		for dir := range dirs {
			if err := s.dao.AddChangedDir(ctx, vol, dir); err != nil {
				return err
			}
		}
	}
	for vol, dirs := range deleted {
		for dir := range dirs {
			if err := s.dao.AddDeletedDir(ctx, vol, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// SnapshotChangedSet consumes the persisted changed dirs of a volume and
// returns them together with the files seen open since the last snapshot.
func (s *WatcherSource) SnapshotChangedSet(ctx context.Context, vol string) ([]string, []string, error) {
	if err := s.UpdateAndWait(ctx); err != nil {
		return nil, nil, err
	}
	dirs, err := s.dao.ChangedDirs(ctx, vol, true)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	var open []string
	for f := range s.open[vol] {
		open = append(open, f)
	}
	delete(s.open, vol)
	s.mu.Unlock()

	return dirs, open, nil
}

// SnapshotDeletedDirs consumes the persisted deleted dirs of a volume.
func (s *WatcherSource) SnapshotDeletedDirs(ctx context.Context, vol string) ([]string, error) {
	if err := s.UpdateAndWait(ctx); err != nil {
		return nil, err
	}
	return s.dao.DeletedDirs(ctx, vol, true)
}
