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

// Package snapshot manages reference-counted filesystem snapshots across
// concurrent backup jobs: creation, reuse, timeout reclamation and
// crash-safe cleanup of the platform snapshots backing them.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNotSupported is returned by backends on platforms without snapshot
// support. Roots without RequireSnapshot then back up the live filesystem.
var ErrNotSupported = errors.New("snapshots not supported on this platform")

// Backend is the pluggable platform snapshot provider.
type Backend interface {
	// Create takes a snapshot of origVolume as part of snapshot set
	// ssetID and returns the path where it is mounted.
	Create(ssetID uuid.UUID, origVolume, logicalName string) (mountPath string, err error)
	// Remove deletes the platform snapshot mounted at volPath.
	Remove(ssetID uuid.UUID, volPath string) error
	// LocallyMounted reports whether snapshots appear in the local
	// filesystem namespace (and can be walked directly).
	LocallyMounted() bool
}

// NoneBackend is the degraded backend for platforms without snapshots.
type NoneBackend struct{}

func (NoneBackend) Create(uuid.UUID, string, string) (string, error) { return "", ErrNotSupported }
func (NoneBackend) Remove(uuid.UUID, string) error                   { return nil }
func (NoneBackend) LocallyMounted() bool                             { return false }

// ScriptBackend shells out to configured create/remove commands (LVM,
// btrfs, dattobd wrappers). The create command receives the snapshot set
// id, volume and logical name and prints the mount path on stdout.
type ScriptBackend struct {
	CreateCmd string
	RemoveCmd string
}

func (b ScriptBackend) Create(ssetID uuid.UUID, origVolume, logicalName string) (string, error) {
	if b.CreateCmd == "" {
		return "", ErrNotSupported
	}
	out, err := exec.Command(b.CreateCmd, ssetID.String(), origVolume, logicalName).Output()
	if err != nil {
		return "", fmt.Errorf("snapshot create script: %w", err)
	}
	mount := strings.TrimSpace(string(out))
	if mount == "" {
		return "", fmt.Errorf("snapshot create script returned no mount path")
	}
	if _, err := os.Stat(mount); err != nil {
		return "", fmt.Errorf("snapshot mount %s not accessible: %w", mount, err)
	}
	return mount, nil
}

func (b ScriptBackend) Remove(ssetID uuid.UUID, volPath string) error {
	if b.RemoveCmd == "" {
		return nil
	}
	if err := exec.Command(b.RemoveCmd, ssetID.String(), volPath).Run(); err != nil {
		return fmt.Errorf("snapshot remove script: %w", err)
	}
	return nil
}

func (b ScriptBackend) LocallyMounted() bool { return true }

// MemBackend is an in-memory backend for tests. It records every create
// and remove so refcounting invariants can be asserted. With OnDisk the
// snapshot is materialized as a symlink next to the target, giving walks a
// real (if unfrozen) view.
type MemBackend struct {
	mu       sync.Mutex
	nextID   int
	mounts   map[string]uuid.UUID // mountPath -> set id
	Creates  int
	Removes  int
	FailNext bool
	OnDisk   bool
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{mounts: make(map[string]uuid.UUID)}
}

func (b *MemBackend) Create(ssetID uuid.UUID, origVolume, logicalName string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailNext {
		b.FailNext = false
		return "", fmt.Errorf("simulated snapshot failure")
	}
	b.nextID++
	mount := fmt.Sprintf("%s.snap%d", strings.TrimRight(origVolume, "/"), b.nextID)
	if b.OnDisk {
		if err := os.Symlink(origVolume, mount); err != nil {
			return "", err
		}
	}
	b.mounts[mount] = ssetID
	b.Creates++
	return mount, nil
}

func (b *MemBackend) Remove(ssetID uuid.UUID, volPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mounts[volPath]; !ok {
		return fmt.Errorf("unknown snapshot %s", volPath)
	}
	if b.OnDisk {
		os.Remove(volPath)
	}
	delete(b.mounts, volPath)
	b.Removes++
	return nil
}

func (b *MemBackend) LocallyMounted() bool { return true }

// Mounted reports whether a snapshot is still mounted at volPath.
func (b *MemBackend) Mounted(volPath string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.mounts[volPath]
	return ok
}
