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

// Package fileserv defines the injected file-server plugin that streams
// backup data to the server, and the read-error channel its transfer
// threads use to report back into the indexer.
package fileserv

import (
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Server is the plugin interface. The real implementation runs its own
// transfer threads; the indexer only publishes share directories and waits
// for transfers to drain before releasing snapshots.
type Server interface {
	// ShareDir publishes path under the logical share name.
	ShareDir(name, path string) error
	// RemoveDir withdraws a share.
	RemoveDir(name string) error
	// ActiveTransfers returns the number of in-flight transfers touching
	// the share for the given start token.
	ActiveTransfers(share, startToken string) int
}

// ReadError is one failed read reported by a transfer thread.
type ReadError struct {
	Share string
	Path  string
	Pos   int64
	Msg   string
}

// LocalServer is the in-process implementation backed by a billy
// filesystem: the share map with its own lock, per-share transfer counts,
// and no network surface.
type LocalServer struct {
	fs billy.Filesystem

	mu        sync.Mutex
	shares    map[string]string
	transfers map[string]int
}

// NewLocalServer creates a server reading through fs. A nil fs uses the
// host filesystem.
func NewLocalServer(fs billy.Filesystem) *LocalServer {
	if fs == nil {
		fs = osfs.New("/")
	}
	return &LocalServer{
		fs:        fs,
		shares:    make(map[string]string),
		transfers: make(map[string]int),
	}
}

func (s *LocalServer) ShareDir(name, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[name] = path
	return nil
}

func (s *LocalServer) RemoveDir(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, name)
	return nil
}

// SharePath returns the published path of a share, "" if absent.
func (s *LocalServer) SharePath(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shares[name]
}

func (s *LocalServer) ActiveTransfers(share, startToken string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers[share+"|"+startToken]
}

// SetActiveTransfers overrides the transfer count of a share; transfer
// threads call this as work starts and drains.
func (s *LocalServer) SetActiveTransfers(share, startToken string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		delete(s.transfers, share+"|"+startToken)
		return
	}
	s.transfers[share+"|"+startToken] = n
}

// Filesystem exposes the billy view transfers read through.
func (s *LocalServer) Filesystem() billy.Filesystem { return s.fs }
