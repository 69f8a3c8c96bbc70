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

package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	logrus "github.com/sirupsen/logrus"

	"snapindex/internal/cbt"
	"snapindex/internal/changeset"
	"snapindex/internal/fileserv"
	"snapindex/internal/indexer"
	"snapindex/internal/snapshot"
	"snapindex/internal/storage"
)

func init() {
	// Default logging to discard until explicitly enabled via settings
	logrus.SetOutput(io.Discard)
}

// Daemon runs the indexer behind the contractor socket.
type Daemon struct {
	ipcServer *Server
	logFile   *os.File
	lock      *flock.Flock

	settings *Settings
	dao      *storage.ClientDAO
	idx      *indexer.Indexer
	watcher  *changeset.WatcherSource
	stopCh   chan struct{}
}

// New creates a new daemon instance
func New() *Daemon {
	return &Daemon{stopCh: make(chan struct{})}
}

// Run starts the daemon and blocks until stopped
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	settings, err := LoadSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	d.settings = settings

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another indexer instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLogging()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer os.Remove(PidPath())

	logrus.Infof("Indexer daemon started (PID %d)", os.Getpid())

	dao, err := storage.Open(filepath.Join(DataDir(), "client.db"))
	if err != nil {
		return fmt.Errorf("opening client database: %w", err)
	}
	d.dao = dao
	defer dao.Close()

	var backend snapshot.Backend = snapshot.NoneBackend{}
	if settings.SnapshotCreateCmd != "" {
		backend = snapshot.ScriptBackend{
			CreateCmd: settings.SnapshotCreateCmd,
			RemoveCmd: settings.SnapshotRemoveCmd,
		}
	}
	snapman := snapshot.NewManager(dao, backend)

	// A crash during backup becomes a clean state here.
	if err := snapman.CleanupSaved(context.Background()); err != nil {
		logrus.Warnf("snapshot cleanup: %v", err)
	}

	var source changeset.Source = changeset.AllDirsSource{}
	if settings.Watcher {
		watcher, err := changeset.NewWatcherSource(dao)
		if err != nil {
			logrus.Warnf("watcher unavailable, falling back to full scans: %v", err)
		} else {
			d.watcher = watcher
			source = watcher
			d.watchRoots(watcher)
		}
	}

	d.idx = indexer.New(indexer.Config{
		DataDir:              DataDir(),
		FilelistDir:          FilelistDir(),
		HookDir:              settings.HookDir,
		ExcludePatterns:      settings.ExcludeFiles,
		IncludePatterns:      settings.IncludeFiles,
		BackupIgnoreLines:    settings.BackupIgnore,
		CbtVolumes:           settings.CbtVolumes,
		ProperSymlinks:       settings.ProperSymlinks,
		EndToEndVerification: settings.EndToEndVerification,
		AsyncIndexGrace:      settings.AsyncIndexGrace(),
	}, indexer.Options{
		DAO:      dao,
		Snapshot: snapman,
		Source:   source,
		CBT:      cbt.NewEngine(DataDir(), cbt.NoneTracker{}),
		Fileserv: fileserv.NewLocalServer(nil),
		Caps:     indexer.UnixCapabilities{},
	})

	go d.idx.Run()

	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		return err
	}
	defer d.ipcServer.Stop()

	// Block until stop request or signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logrus.Info("Signal received, shutting down")
	case <-d.stopCh:
		logrus.Info("Stop requested, shutting down")
	}

	d.idx.RequestStop()
	d.idx.Request(indexer.Message{Action: indexer.ActionStop})
	if d.watcher != nil {
		d.watcher.Close()
	}
	return nil
}

// watchRoots registers every configured backup root with the watcher.
func (d *Daemon) watchRoots(watcher *changeset.WatcherSource) {
	roots, err := d.dao.BackupRoots(context.Background())
	if err != nil {
		logrus.Warnf("reading backup roots for watcher: %v", err)
		return
	}
	for _, root := range roots {
		if err := watcher.WatchRoot(root.Path); err != nil {
			logrus.Warnf("watching %s: %v", root.Path, err)
		}
	}
}

func (d *Daemon) setupLogging() error {
	level := strings.ToLower(d.settings.LogLevel)
	if level == "" || level == "off" || level == "none" {
		logrus.SetOutput(io.Discard)
		return nil
	}

	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	logrus.SetOutput(logFile)

	switch level {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func (d *Daemon) closeLogging() {
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func hashAlgoFromString(s string) indexer.HashAlgo {
	switch strings.ToLower(s) {
	case "sha256":
		return indexer.HashSHA256
	case "sha512":
		return indexer.HashSHA512
	case "thash":
		return indexer.HashTree
	default:
		return indexer.HashNone
	}
}

// handleRequest maps an IPC request onto a controller message and waits for
// its reply word.
func (d *Daemon) handleRequest(req *Request) *Response {
	var action indexer.Action
	switch req.Type {
	case RequestStatus:
		return &Response{Success: true, Reply: indexer.ReplyDone, PID: os.Getpid()}
	case RequestStop:
		defer close(d.stopCh)
		return &Response{Success: true, Reply: indexer.ReplyDone}
	case RequestStartFullFileBackup:
		action = indexer.ActionStartFullFileBackup
	case RequestStartIncrFileBackup:
		action = indexer.ActionStartIncrFileBackup
	case RequestCreateShadowcopy:
		action = indexer.ActionCreateShadowcopy
	case RequestReferenceShadowcopy:
		action = indexer.ActionReferenceShadowcopy
	case RequestReleaseShadowcopy:
		action = indexer.ActionReleaseShadowcopy
	case RequestPing:
		action = indexer.ActionPing
	case RequestUpdateCbt:
		action = indexer.ActionUpdateCbt
	case RequestSnapshotCbt:
		action = indexer.ActionSnapshotCbt
	case RequestGetLog:
		action = indexer.ActionGetLog
	default:
		return &Response{Success: false, Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}

	reply := d.idx.Request(indexer.Message{
		Action:        action,
		StartToken:    req.StartToken,
		Group:         req.Group,
		Flags:         storage.RootFlag(req.Flags),
		ClientSubname: req.ClientSubname,
		HashAlgo:      hashAlgoFromString(req.HashAlgo),
		RunningJobs:   req.RunningJobs,
		Async:         req.Async,
		AsyncTicket:   req.AsyncTicket,
		LogicalDir:    req.LogicalDir,
		ImageBackup:   req.ImageBackup,
		Fileserv:      req.Fileserv,
		SaveID:        req.SaveID,
		Issues:        req.Issues,
	})

	if strings.HasPrefix(reply, "error - ") || reply == indexer.ReplyFailed {
		return &Response{Success: false, Reply: reply, Error: reply}
	}
	return &Response{Success: true, Reply: reply}
}
