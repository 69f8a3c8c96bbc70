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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"snapindex/internal/changeset"
	"snapindex/internal/common"
	"snapindex/internal/match"
	"snapindex/internal/snapshot"
	"snapindex/internal/storage"
	"snapindex/internal/util"
)

// DrainTimeout bounds how long a release waits for in-flight file-server
// transfers before replying "in use".
var DrainTimeout = 5 * time.Second

// Run drains the message queue until a stop message arrives. One message
// runs to completion before the next is dequeued.
func (idx *Indexer) Run() {
	for msg := range idx.msgs {
		reply := idx.handle(msg)
		if msg.Reply != nil {
			msg.Reply <- reply
		}
		if msg.Action == ActionStop {
			return
		}
	}
}

func (idx *Indexer) handle(msg Message) string {
	ctx := context.Background()
	switch msg.Action {
	case ActionStartFullFileBackup:
		return idx.startFileBackup(ctx, msg, true)
	case ActionStartIncrFileBackup:
		return idx.startFileBackup(ctx, msg, false)
	case ActionCreateShadowcopy:
		return idx.createShadowcopy(ctx, msg, true)
	case ActionReferenceShadowcopy:
		return idx.createShadowcopy(ctx, msg, false)
	case ActionReleaseShadowcopy:
		return idx.releaseShadowcopy(ctx, msg)
	case ActionPing:
		if err := idx.snapman.PingToken(ctx, msg.StartToken); err != nil {
			return errorReply(err)
		}
		return ReplyDone
	case ActionUpdateCbt:
		idx.cbt.SetVolumes(idx.cfg.CbtVolumes)
		return ReplyDone
	case ActionSnapshotCbt:
		for _, vol := range idx.cfg.CbtVolumes {
			if err := idx.cbt.SnapshotBitmap(vol); err != nil {
				return errorReply(err)
			}
		}
		return ReplyDone
	case ActionGetLog:
		var lines []string
		for _, e := range idx.logRing.Drain() {
			lines = append(lines, fmt.Sprintf("%d-%s", e.Time.Unix(), e.Message))
		}
		return strings.Join(lines, "\n")
	case ActionStop:
		return ReplyDone
	default:
		return errorReply(fmt.Errorf("unknown action %q", msg.Action))
	}
}

func errorReply(err error) string {
	return "error - " + err.Error()
}

func unfinishedFullKey(group int) string {
	return fmt.Sprintf("last_full_unfinished_%d", group)
}

func lastFiletimeKey(group int) string {
	return fmt.Sprintf("last_filebackup_filetime_%d", group)
}

// startFileBackup runs a full or incremental index to completion.
func (idx *Indexer) startFileBackup(ctx context.Context, msg Message, full bool) string {
	idx.stopIndex.Store(false)

	// A full that did not finish last time promotes a requested full to a
	// virtual full: the cache is cleared and every directory is enumerated
	// as in a full, but the unfinished-full marker is not set again.
	virtualFull := false
	if full {
		if v, err := idx.dao.MiscValue(ctx, unfinishedFullKey(msg.Group)); err == nil && v == "1" {
			log.Info("Last full index unfinished. Performing incremental (virtual full) indexing...")
			full = false
			virtualFull = true
		}
	}

	if err := idx.runHook(HookPreFileBackup, msg.StartToken, fmt.Sprint(msg.Group)); err != nil {
		return errorReply(err)
	}

	if full || virtualFull {
		if err := idx.dao.ClearFileCache(ctx, msg.Group); err != nil {
			return errorReply(err)
		}
		if msg.Flags.Has(storage.FlagShareHashes) && msg.Group != storage.GroupDefault {
			if err := idx.dao.ClearFileCache(ctx, storage.GroupDefault); err != nil {
				return errorReply(err)
			}
		}
	}
	if full {
		if err := idx.dao.SetMiscValue(ctx, unfinishedFullKey(msg.Group), "1"); err != nil {
			return errorReply(err)
		}
	}

	if err := idx.writeTokenFile(msg.StartToken); err != nil {
		idx.warnf("Writing token file: %v", err)
	}

	earlyReply, indexError := idx.indexDirs(ctx, msg, full || virtualFull)
	if earlyReply != "" {
		return earlyReply
	}

	if err := idx.runHook(HookPostFileIndex, msg.StartToken, fmt.Sprint(msg.Group)); err != nil {
		return errorReply(err)
	}

	if indexError {
		return ReplyFailed
	}

	if full || virtualFull {
		if err := idx.dao.SetMiscValue(ctx, unfinishedFullKey(msg.Group), ""); err != nil {
			return errorReply(err)
		}
	}
	if err := idx.dao.SetMiscValue(ctx, lastFiletimeKey(msg.Group), fmt.Sprint(time.Now().Unix())); err != nil {
		return errorReply(err)
	}

	if msg.AsyncTicket != "" {
		// Hashing continues on the parallel pool; the server picks the
		// results up through the phash channel.
		return ReplyPhash
	}
	return ReplyDone
}

// filelistName returns the published list name of a group.
func filelistName(group int) string {
	if group == storage.GroupDefault {
		return "filelist.ub"
	}
	return fmt.Sprintf("filelist_%d.ub", group)
}

// indexDirs walks every backup root of the group into a staged file list
// and publishes it atomically. Returns a non-empty early reply for
// stop/no-dirs conditions, plus the index error flag.
func (idx *Indexer) indexDirs(ctx context.Context, msg Message, full bool) (string, bool) {
	allRoots, err := idx.dao.BackupRoots(ctx)
	if err != nil {
		return errorReply(err), false
	}
	var roots []storage.BackupRoot
	for _, root := range allRoots {
		if root.Group != msg.Group {
			continue
		}
		if root.Symlinked && !root.SymlinkedConfirmed {
			// Unconfirmed symlinked roots stay tombstoned until a walk
			// traverses into them.
			continue
		}
		roots = append(roots, root)
	}
	if len(roots) == 0 {
		return ReplyNoBackupDirs, false
	}

	if err := idx.source.UpdateAndWait(ctx); err != nil {
		idx.warnf("Updating change journal: %v", err)
	}

	matcher := match.New(idx.cfg.ExcludePatterns, idx.cfg.IncludePatterns, idx.cfg.BackupIgnoreLines)

	publishPath := filepath.Join(idx.cfg.FilelistDir, filelistName(msg.Group))
	stagePath := publishPath + ".new"

	var cursor *LastListCursor
	keep := false
	for _, root := range roots {
		if root.Flags.Has(storage.FlagKeepFiles) && !root.ResetKeep {
			keep = true
		}
	}
	if keep {
		cursor, err = OpenLastList(publishPath)
		if err != nil {
			idx.warnf("Opening previous file list: %v", err)
		}
	}
	defer cursor.Close()

	if err := os.MkdirAll(idx.cfg.FilelistDir, 0700); err != nil {
		return errorReply(err), false
	}
	out, err := os.Create(stagePath)
	if err != nil {
		return errorReply(err), false
	}
	lw := NewListWriter(out, idx.cfg.ProperSymlinks)
	emitter := NewEmitter(lw, cursor)

	ssetID := uuid.New()
	indexError := false
	var sharedDirs []string

	for _, root := range roots {
		if idx.stopIndex.Load() {
			return idx.abortIndex(ctx, msg, out, stagePath, sharedDirs), false
		}

		vol := common.VolumeOf(root.Path)
		snapPath := root.Path
		snapVolPath := ""

		if idx.snapman != nil {
			key := snapshot.ScopedKey{
				StartToken:    msg.StartToken,
				ClientSubname: msg.ClientSubname,
				Dir:           root.Name,
			}
			sd := idx.snapman.EnsureScopedDir(key, root.Path, true)
			// The changed set must not advance while the snapshot is taken,
			// or changes landing in between would be attributed to the
			// wrong side of it.
			idx.source.Freeze()
			ref, _, err := idx.snapman.Acquire(ctx, sd, snapshot.AcquireOptions{
				StartToken:        msg.StartToken,
				ClientSubname:     msg.ClientSubname,
				AllowRestart:      true,
				SimultaneousOther: msg.RunningJobs > 1,
				SsetID:            ssetID,
				Cbt:               idx.cbt.Enabled(vol),
			})
			idx.source.Unfreeze()
			switch {
			case err != nil && root.Flags.Has(storage.FlagRequireSnapshot):
				idx.warnf("Snapshot of %q failed and the root requires one: %v", root.Name, err)
				idx.snapman.DropScopedDir(key)
				indexError = true
				continue
			case err != nil:
				idx.warnf("Backing up %q without snapshot: %v", root.Name, err)
				idx.snapman.DropScopedDir(key)
				idx.cbt.Disable(vol, "no snapshot for this backup")
			default:
				snapPath = sd.Target
				snapVolPath = ref.VolPath
			}
		}

		changedDirs, openFiles, err := idx.source.SnapshotChangedSet(ctx, vol)
		if err != nil {
			idx.warnf("Reading changed directories of %s: %v", vol, err)
		}
		changed := changeset.NewChangedSet(idx.source.CanWatch(vol) && !full, changedDirs, openFiles)

		if deleted, err := idx.source.SnapshotDeletedDirs(ctx, vol); err == nil {
			for _, d := range deleted {
				if err := idx.dao.RemoveDeletedDir(ctx, d, msg.Group); err != nil {
					log.Warnf("dropping cache row of deleted dir %s: %v", d, err)
				}
			}
		}

		r := &run{
			ctx:          ctx,
			idx:          idx,
			group:        msg.Group,
			flags:        msg.Flags | root.Flags,
			matcher:      matcher,
			changed:      changed,
			emitter:      emitter,
			hashAlgo:     msg.HashAlgo,
			parallelHash: msg.AsyncTicket != "",
			useCache:     true,
			verify:       idx.cfg.EndToEndVerification,
			vol:          vol,
			fs:           idx.fs,
			stop:         &idx.stopIndex,
			visited:      make(map[string]bool),
		}
		if err := r.walkRoot(root, snapPath); err != nil {
			if errors.Is(err, common.ErrStopped) {
				return idx.abortIndex(ctx, msg, out, stagePath, sharedDirs), false
			}
			idx.warnf("Indexing %q: %v", root.Name, err)
			indexError = true
			continue
		}
		if r.indexError {
			indexError = true
		}

		if idx.cbt.Enabled(vol) {
			if err := idx.cbt.Finish(vol, idx.cbt.ShadowID(vol), snapVolPath, false); err != nil {
				idx.warnf("Finalizing change block tracking on %s: %v", vol, err)
			}
		}

		if err := idx.filesrv.ShareDir(root.Name, snapPath); err != nil {
			idx.warnf("Sharing %q with the file server: %v", root.Name, err)
		} else {
			sharedDirs = append(sharedDirs, root.Name)
		}

		if root.ResetKeep {
			if err := idx.dao.SetResetKeep(ctx, root.ID, false); err != nil {
				log.Warnf("clearing reset_keep of %q: %v", root.Name, err)
			}
		}
	}

	if err := emitter.Finish(); err != nil {
		out.Close()
		return errorReply(err), false
	}
	if err := idx.dao.FlushFiles(ctx); err != nil {
		out.Close()
		return errorReply(err), false
	}
	if err := idx.dao.FlushHardlinks(ctx); err != nil {
		out.Close()
		return errorReply(err), false
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errorReply(err), false
	}
	if err := out.Close(); err != nil {
		return errorReply(err), false
	}

	idx.filelistMu.Lock()
	err = os.Rename(stagePath, publishPath)
	idx.filelistMu.Unlock()
	if err != nil {
		return errorReply(err), false
	}

	return "", indexError
}

// abortIndex tears down a stopped run: the partial output is deleted and
// every snapshot created during the run is released.
func (idx *Indexer) abortIndex(ctx context.Context, msg Message, out *os.File, stagePath string, sharedDirs []string) string {
	out.Close()
	if err := os.Remove(stagePath); err != nil && !os.IsNotExist(err) {
		log.Warnf("removing partial file list: %v", err)
	}
	for _, dir := range sharedDirs {
		if err := idx.filesrv.RemoveDir(dir); err != nil {
			log.Warnf("unsharing %q: %v", dir, err)
		}
	}
	if idx.snapman != nil {
		if err := idx.snapman.ReleaseToken(ctx, msg.StartToken); err != nil {
			log.Warnf("releasing snapshots after stop: %v", err)
		}
	}
	return errorReply(common.ErrStopped)
}

// resolveLogicalDir maps a logical name onto a backup root path; a name
// with separators is taken as a raw path.
func (idx *Indexer) resolveLogicalDir(ctx context.Context, dir string) string {
	if strings.ContainsRune(dir, filepath.Separator) {
		return dir
	}
	roots, err := idx.dao.BackupRoots(ctx)
	if err != nil {
		return ""
	}
	for _, root := range roots {
		if root.Name == dir {
			return root.Path
		}
	}
	return ""
}

// createShadowcopy handles CreateShadowcopy (restart allowed) and
// ReferenceShadowcopy (attach preferred).
func (idx *Indexer) createShadowcopy(ctx context.Context, msg Message, allowRestart bool) string {
	target := idx.resolveLogicalDir(ctx, msg.LogicalDir)
	if target == "" {
		return errorReply(fmt.Errorf("backup dir %q not found", msg.LogicalDir))
	}

	key := snapshot.ScopedKey{
		StartToken:    msg.StartToken,
		ClientSubname: msg.ClientSubname,
		ForImage:      msg.ImageBackup,
		Dir:           msg.LogicalDir,
	}
	sd := idx.snapman.EnsureScopedDir(key, target, msg.Fileserv)
	vol := common.VolumeOf(target)

	ref, _, err := idx.snapman.Acquire(ctx, sd, snapshot.AcquireOptions{
		StartToken:        msg.StartToken,
		ClientSubname:     msg.ClientSubname,
		ForImage:          msg.ImageBackup,
		AllowRestart:      allowRestart,
		SimultaneousOther: msg.RunningJobs > 1,
		Cbt:               idx.cbt.Enabled(vol),
	})
	if err != nil {
		idx.snapman.DropScopedDir(key)
		idx.warnf("Creating snapshot for %q: %v", msg.LogicalDir, err)
		return ReplyFailed
	}

	if msg.Fileserv {
		if err := idx.filesrv.ShareDir(msg.LogicalDir, sd.Target); err != nil {
			idx.warnf("Sharing %q: %v", msg.LogicalDir, err)
		}
	}

	reply := fmt.Sprintf("done-%d-%s", ref.SaveID, sd.Target)
	if info := idx.snapman.SiblingInfo(ref); info != "" {
		reply += "|" + info
	}
	return reply
}

// releaseShadowcopy waits for in-flight transfers to drain, then drops the
// scoped dir's claim.
func (idx *Indexer) releaseShadowcopy(ctx context.Context, msg Message) string {
	key := snapshot.ScopedKey{
		StartToken:    msg.StartToken,
		ClientSubname: msg.ClientSubname,
		ForImage:      msg.ImageBackup,
		Dir:           msg.LogicalDir,
	}
	sd := idx.snapman.ScopedDir(key)
	if sd == nil {
		return ReplyDone
	}

	drained := util.WaitWithDeadline(time.Now().Add(DrainTimeout), 100*time.Millisecond, func() bool {
		return idx.filesrv.ActiveTransfers(msg.LogicalDir, msg.StartToken) == 0
	})
	if !drained {
		return ReplyInUse
	}

	if sd.Fileserv {
		if err := idx.filesrv.RemoveDir(msg.LogicalDir); err != nil {
			log.Warnf("unsharing %q: %v", msg.LogicalDir, err)
		}
	}

	if _, err := idx.snapman.Release(ctx, sd, msg.StartToken, msg.SaveID); err != nil {
		idx.warnf("Releasing snapshot of %q: %v", msg.LogicalDir, err)
		return ReplyFailed
	}
	idx.snapman.DropScopedDir(key)

	if msg.Issues > 0 {
		idx.lastBackupIssues.Add(int64(msg.Issues))
	}
	return ReplyDone
}
