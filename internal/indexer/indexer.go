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

// Package indexer is the client-side backup indexer: a single serialized
// message loop that snapshots backup roots, walks them against the
// persistent file cache, streams the file list and finalizes change block
// tracking.
package indexer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"

	"snapindex/internal/cbt"
	"snapindex/internal/changeset"
	"snapindex/internal/fileserv"
	"snapindex/internal/snapshot"
	"snapindex/internal/storage"
)

// Config carries the static configuration of an indexer instance.
type Config struct {
	// DataDir holds the client database, CBT sidecars and token files.
	DataDir string
	// FilelistDir is where file lists are staged and published.
	FilelistDir string
	// HookDir holds the prefilebackup/postfileindex scripts; empty
	// disables hooks.
	HookDir string

	ExcludePatterns string
	IncludePatterns string
	// BackupIgnoreLines are additional exclude rules in gitignore syntax.
	BackupIgnoreLines []string

	// CbtVolumes lists the volumes with change block tracking enabled.
	CbtVolumes []string

	// ProperSymlinks switches the list close token from d".." to u.
	ProperSymlinks bool

	// EndToEndVerification emits a fresh sha256_verify hash per file so
	// the server can verify the transferred bytes end to end.
	EndToEndVerification bool

	// AsyncIndexGrace carries the configured async-index grace period; the
	// indexer stores it but does not act on it.
	AsyncIndexGrace time.Duration
}

// Indexer owns all mutable indexer state. Only the controller goroutine
// mutates snapshot refs, scoped dirs, backup roots and the changed sets;
// other threads enter exclusively through OnReadError.
type Indexer struct {
	cfg     Config
	dao     *storage.ClientDAO
	snapman *snapshot.Manager
	source  changeset.Source
	cbt     *cbt.Engine
	filesrv fileserv.Server
	caps    Capabilities
	fs      billy.Filesystem

	msgs      chan Message
	stopIndex atomic.Bool

	// filelistMu serializes publication of the output file list.
	filelistMu sync.Mutex

	readErrMu  sync.Mutex
	readErrors []fileserv.ReadError

	logRing *LogRing

	// lastBackupIssues sums the issue counts that releases report; no reply
	// reads it.
	lastBackupIssues atomic.Int64
}

// Options bundles the collaborators of an indexer.
type Options struct {
	DAO      *storage.ClientDAO
	Snapshot *snapshot.Manager
	Source   changeset.Source
	CBT      *cbt.Engine
	Fileserv fileserv.Server
	Caps     Capabilities
	FS       billy.Filesystem
}

// New assembles an indexer. Nil optional collaborators get inert defaults.
func New(cfg Config, opts Options) *Indexer {
	if opts.Source == nil {
		opts.Source = changeset.AllDirsSource{}
	}
	if opts.CBT == nil {
		opts.CBT = cbt.NewEngine(cfg.DataDir, cbt.NoneTracker{})
	}
	if opts.Fileserv == nil {
		opts.Fileserv = fileserv.NewLocalServer(nil)
	}
	if opts.Caps == nil {
		opts.Caps = NoneCapabilities{}
	}
	if opts.FS == nil {
		opts.FS = osfs.New("/")
	}
	return &Indexer{
		cfg:     cfg,
		dao:     opts.DAO,
		snapman: opts.Snapshot,
		source:  opts.Source,
		cbt:     opts.CBT,
		filesrv: opts.Fileserv,
		caps:    opts.Caps,
		fs:      opts.FS,
		msgs:    make(chan Message, 16),
		logRing: NewLogRing(512),
	}
}

// DAO exposes the client database (status queries, tests).
func (idx *Indexer) DAO() *storage.ClientDAO { return idx.dao }

// SnapshotManager exposes the snapshot manager.
func (idx *Indexer) SnapshotManager() *snapshot.Manager { return idx.snapman }

// CBT exposes the change-block-tracking engine.
func (idx *Indexer) CBT() *cbt.Engine { return idx.cbt }

// RequestStop asks a running index to abort at the next directory
// boundary.
func (idx *Indexer) RequestStop() { idx.stopIndex.Store(true) }

// OnReadError is the only entry point for file-server transfer threads:
// it records a failed read for the next status reply.
func (idx *Indexer) OnReadError(share, path string, pos int64, msg string) {
	idx.readErrMu.Lock()
	defer idx.readErrMu.Unlock()
	if len(idx.readErrors) >= 1000 {
		return
	}
	idx.readErrors = append(idx.readErrors, fileserv.ReadError{
		Share: share, Path: path, Pos: pos, Msg: msg,
	})
}

// TakeReadErrors returns and clears the accumulated read errors.
func (idx *Indexer) TakeReadErrors() []fileserv.ReadError {
	idx.readErrMu.Lock()
	defer idx.readErrMu.Unlock()
	errs := idx.readErrors
	idx.readErrors = nil
	return errs
}

// warnf logs a warning and appends it to the consumable log ring.
func (idx *Indexer) warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
	idx.logRing.Addf(format, args...)
}

// confirmSymlinkTarget marks a symlinked backup root confirmed when a walk
// traverses into its path.
func (idx *Indexer) confirmSymlinkTarget(ctx context.Context, target string) {
	roots, err := idx.dao.BackupRoots(ctx)
	if err != nil {
		return
	}
	for _, root := range roots {
		if root.Symlinked && !root.SymlinkedConfirmed && root.Path == target {
			if err := idx.dao.ConfirmSymlinked(ctx, root.ID); err != nil {
				log.Warnf("confirming symlinked root %q: %v", root.Name, err)
			}
		}
	}
}
