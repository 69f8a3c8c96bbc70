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

package cbt

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Engine coordinates per-volume bitmaps and hash sidecars. The two .cbt
// files of a volume partition unseen changes: when a file backup finishes,
// the union is saved for the next image backup and the pending file bitmap
// is consumed; vice versa for image backups.
type Engine struct {
	dir     string
	tracker Tracker

	mu        sync.Mutex
	volumes   map[string]bool
	shadowIDs map[string]int32
	seqIDs    map[string]int64
}

// NewEngine creates an engine writing its sidecars below dir.
func NewEngine(dir string, tracker Tracker) *Engine {
	return &Engine{
		dir:       dir,
		tracker:   tracker,
		volumes:   make(map[string]bool),
		shadowIDs: make(map[string]int32),
		seqIDs:    make(map[string]int64),
	}
}

// convVolume flattens a volume path into a filename component.
func convVolume(vol string) string {
	vol = strings.ToLower(vol)
	vol = strings.Trim(vol, "/\\")
	if vol == "" {
		vol = "root"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "")
	return r.Replace(vol)
}

func (e *Engine) imgCbtPath(vol string) string {
	return filepath.Join(e.dir, "hdat_img_"+convVolume(vol)+".cbt")
}

func (e *Engine) fileCbtPath(vol string) string {
	return filepath.Join(e.dir, "hdat_file_"+convVolume(vol)+".cbt")
}

func (e *Engine) imgDatPath(vol string) string {
	return filepath.Join(e.dir, "hdat_img_"+convVolume(vol)+".dat")
}

func (e *Engine) fileDatPath(vol string) string {
	return filepath.Join(e.dir, "hdat_file_"+convVolume(vol)+".dat")
}

// SetVolumes reconfigures which volumes have tracking enabled. Volumes that
// drop out have their sidecars deleted; newly enabled volumes are armed
// with every block marked changed so the first backup reads everything.
func (e *Engine) SetVolumes(vols []string) {
	e.mu.Lock()
	next := make(map[string]bool, len(vols))
	for _, v := range vols {
		next[strings.ToLower(v)] = true
	}
	var dropped, added []string
	for v := range e.volumes {
		if !next[v] {
			dropped = append(dropped, v)
		}
	}
	for v := range next {
		if !e.volumes[v] {
			added = append(added, v)
		}
	}
	e.volumes = next
	e.mu.Unlock()

	for _, v := range dropped {
		e.Disable(v, "tracking disabled by settings")
	}
	for _, v := range added {
		if !e.tracker.Active(v) {
			continue
		}
		if err := e.tracker.ResetStart(v); err != nil {
			log.Warnf("starting tracking on %s: %v", v, err)
			continue
		}
		if err := e.tracker.MarkAll(v); err != nil {
			log.Warnf("marking %s fully changed: %v", v, err)
		}
	}
}

// Enabled reports whether tracking is configured and active for a volume.
func (e *Engine) Enabled(vol string) bool {
	e.mu.Lock()
	configured := e.volumes[strings.ToLower(vol)]
	e.mu.Unlock()
	return configured && e.tracker.Active(vol)
}

// ShadowID returns the shadow id written to the image sidecar of a volume.
func (e *Engine) ShadowID(vol string) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shadowIDs[strings.ToLower(vol)]
}

// SequenceID returns the file-sidecar sequence id of a volume. It is bumped
// whenever a file backup consumes the pending bitmap, invalidating cached
// chunk hashes held by readers.
func (e *Engine) SequenceID(vol string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqIDs[strings.ToLower(vol)]
}

// Disable turns tracking off for a volume and deletes its sidecars, so a
// later re-enable starts from a full read.
func (e *Engine) Disable(vol, reason string) {
	log.Warnf("disabling change block tracking on %s: %s", vol, reason)
	for _, p := range []string{e.imgCbtPath(vol), e.fileCbtPath(vol), e.imgDatPath(vol), e.fileDatPath(vol)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warnf("removing %s: %v", p, err)
		}
	}
	e.mu.Lock()
	delete(e.volumes, strings.ToLower(vol))
	e.mu.Unlock()
}

// SnapshotBitmap takes one bitmap sample and merges it into both persisted
// bitmaps without running a backup.
func (e *Engine) SnapshotBitmap(vol string) error {
	bm, err := e.tracker.Retrieve(vol)
	if err != nil {
		return err
	}
	if err := bm.ValidateMagic(); err != nil {
		e.Disable(vol, err.Error())
		return err
	}
	if bm.ChangedBlocks().IsEmpty() {
		return nil
	}
	if err := SaveMergeBitmap(e.imgCbtPath(vol), bm); err != nil {
		return err
	}
	return SaveMergeBitmap(e.fileCbtPath(vol), bm)
}

// Finish finalizes tracking after a backup of a volume: it merges the
// volume's and the snapshot's bitmaps, persists the union for the next
// backup of the other kind, zeroes the stale entries of the corresponding
// hash sidecar and rearms the tracker. Any bitmap corruption disables
// tracking for the volume.
func (e *Engine) Finish(vol string, shadowID int32, snapVol string, forImage bool) error {
	err := e.finish(vol, shadowID, snapVol, forImage)
	if err != nil {
		e.Disable(vol, err.Error())
	}
	return err
}

func (e *Engine) finish(vol string, shadowID int32, snapVol string, forImage bool) error {
	bm, err := e.tracker.Retrieve(vol)
	if err != nil {
		return fmt.Errorf("retrieving bitmap of %s: %w", vol, err)
	}
	if err := bm.ValidateMagic(); err != nil {
		return err
	}

	if snapVol != "" {
		snapBm, err := e.tracker.Retrieve(snapVol)
		if err != nil {
			return fmt.Errorf("retrieving snapshot bitmap of %s: %w", snapVol, err)
		}
		if err := snapBm.ValidateMagic(); err != nil {
			return err
		}
		if err := bm.Merge(snapBm); err != nil {
			return err
		}
		// Blocks written between snapshot creation and now must stay
		// tracked for the next backup.
		if err := e.tracker.ApplyBitmap(vol, snapBm); err != nil {
			return fmt.Errorf("applying snapshot bitmap to %s: %w", vol, err)
		}
	}

	if forImage {
		if err := e.finishImage(vol, shadowID, bm); err != nil {
			return err
		}
	} else {
		if err := e.finishFile(vol, bm); err != nil {
			return err
		}
	}

	if err := e.tracker.ResetFinish(vol); err != nil {
		return fmt.Errorf("rearming tracking on %s: %w", vol, err)
	}
	return nil
}

func (e *Engine) finishImage(vol string, shadowID int32, bm *VolumeBitmap) error {
	// Persist the union for the next file backup before consuming the
	// pending image bitmap. An empty sample has nothing to persist.
	if !bm.ChangedBlocks().IsEmpty() {
		if err := SaveMergeBitmap(e.fileCbtPath(vol), bm); err != nil {
			return err
		}
	}
	if err := ReadMergeBitmap(e.imgCbtPath(vol), bm); err != nil {
		return err
	}

	numBlocks := bm.NumBlocks()
	f, err := os.OpenFile(e.imgDatPath(vol), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(int64(ShadowIDSize) + int64(numBlocks)*SHA256Size); err != nil {
		return err
	}

	var idBuf [ShadowIDSize]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(shadowID))
	if _, err := f.WriteAt(idBuf[:], 0); err != nil {
		return err
	}

	e.mu.Lock()
	e.shadowIDs[strings.ToLower(vol)] = shadowID
	e.mu.Unlock()

	zero := make([]byte, SHA256Size)
	changed := bm.ChangedBlocks()
	it := changed.Iterator()
	for it.HasNext() {
		block := int64(it.Next())
		if _, err := f.WriteAt(zero, int64(ShadowIDSize)+block*SHA256Size); err != nil {
			return err
		}
	}
	log.Debugf("zeroed %d image hash entries on %s", changed.GetCardinality(), vol)

	if err := f.Sync(); err != nil {
		return err
	}
	return removeIfExists(e.imgCbtPath(vol))
}

func (e *Engine) finishFile(vol string, bm *VolumeBitmap) error {
	// Persist the union for the next image backup before consuming the
	// pending file bitmap. An empty sample has nothing to persist.
	if !bm.ChangedBlocks().IsEmpty() {
		if err := SaveMergeBitmap(e.imgCbtPath(vol), bm); err != nil {
			return err
		}
	}
	if err := ReadMergeBitmap(e.fileCbtPath(vol), bm); err != nil {
		return err
	}

	e.mu.Lock()
	e.seqIDs[strings.ToLower(vol)]++
	e.mu.Unlock()

	numBlocks := bm.NumBlocks()
	f, err := os.OpenFile(e.fileDatPath(vol), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(int64(numBlocks) * ChunkHashRecordSize); err != nil {
		return err
	}

	zero := make([]byte, ChunkHashRecordSize)
	changed := bm.ChangedBlocks()
	it := changed.Iterator()
	prev := int64(-2)
	for it.HasNext() {
		block := int64(it.Next())
		// Chunk records are variable-length underneath: the record before
		// the first block of a run may straddle into it, so zero it too.
		if block != prev+1 && block > 0 {
			if _, err := f.WriteAt(zero, (block-1)*ChunkHashRecordSize); err != nil {
				return err
			}
		}
		if _, err := f.WriteAt(zero, block*ChunkHashRecordSize); err != nil {
			return err
		}
		prev = block
	}
	log.Debugf("zeroed %d file hash entries on %s", changed.GetCardinality(), vol)

	if err := f.Sync(); err != nil {
		return err
	}
	return removeIfExists(e.fileCbtPath(vol))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
