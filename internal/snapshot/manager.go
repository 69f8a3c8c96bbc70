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

package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"snapindex/internal/common"
	"snapindex/internal/storage"
)

const (
	// RestartTimeout is the age after which a snapshot used only by the
	// current server may be restarted instead of reused.
	RestartTimeout = 55 * time.Minute

	// HardTimeout is the maximum snapshot lifetime; anything older is
	// reclaimed regardless of holders.
	HardTimeout = 7 * 24 * time.Hour
)

// NoRef marks a ScopedDir that resolves without a snapshot.
const NoRef = -1

// Ref is one reference-counted snapshot, owned jointly by every ScopedDir
// whose handle points at it. Refs live in the manager's arena and are
// addressed by small integer handles; a Ref with no start tokens is
// eligible for deletion.
type Ref struct {
	handle int

	SsetID         uuid.UUID
	VolPath        string // path where the snapshot is mounted
	Target         string // original volume, normalized
	StartTokens    []string
	StartTime      time.Time
	OK             bool
	ForImageBackup bool
	ClientSubname  string
	Cbt            bool
	SaveID         int64
	DontIncrement  bool
}

// Handle returns the arena handle of the ref.
func (r *Ref) Handle() int { return r.handle }

func (r *Ref) hasToken(token string) bool {
	for _, t := range r.StartTokens {
		if t == token {
			return true
		}
	}
	return false
}

func (r *Ref) onlyToken(token string) bool {
	for _, t := range r.StartTokens {
		if t != token {
			return false
		}
	}
	return true
}

func (r *Ref) removeToken(token string) {
	for i, t := range r.StartTokens {
		if t == token {
			r.StartTokens = append(r.StartTokens[:i], r.StartTokens[i+1:]...)
			return
		}
	}
}

// ScopedKey identifies a ScopedDir.
type ScopedKey struct {
	StartToken    string
	ClientSubname string
	ForImage      bool
	Dir           string
}

// ScopedDir maps a logical backup name to the path it currently exposes,
// through a snapshot when RefHandle is set.
type ScopedDir struct {
	Dir        string
	Target     string
	OrigTarget string
	RefHandle  int
	Running    bool
	Fileserv   bool
	StartTime  time.Time
}

// AcquireOptions controls snapshot acquisition.
type AcquireOptions struct {
	StartToken        string
	ClientSubname     string
	ForImage          bool
	AllowRestart      bool
	SimultaneousOther bool
	// OnlyRef fails the acquire instead of creating a new snapshot when no
	// reusable candidate exists.
	OnlyRef bool
	// SsetID groups sibling volumes into one snapshot set; zero allocates
	// a fresh set.
	SsetID uuid.UUID
	Cbt    bool
}

// Manager owns the snapshot arena and the scoped-dir map. Only the
// controller goroutine calls into it.
type Manager struct {
	dao     *storage.ClientDAO
	backend Backend

	restartTimeout time.Duration
	hardTimeout    time.Duration
	now            func() time.Time
	mountOpenable  func(string) bool

	refs   []*Ref
	scoped map[ScopedKey]*ScopedDir
}

// NewManager creates a manager over the given DAO and platform backend.
func NewManager(dao *storage.ClientDAO, backend Backend) *Manager {
	return &Manager{
		dao:            dao,
		backend:        backend,
		restartTimeout: RestartTimeout,
		hardTimeout:    HardTimeout,
		now:            time.Now,
		mountOpenable: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		scoped: make(map[ScopedKey]*ScopedDir),
	}
}

// SetTimeouts overrides the reuse timeouts (tests).
func (m *Manager) SetTimeouts(restart, hard time.Duration) {
	m.restartTimeout = restart
	m.hardTimeout = hard
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetMountCheck overrides the snapshot-mount probe (tests).
func (m *Manager) SetMountCheck(fn func(string) bool) { m.mountOpenable = fn }

// Backend returns the platform backend.
func (m *Manager) Backend() Backend { return m.backend }

// Ref resolves an arena handle; nil for NoRef or freed slots.
func (m *Manager) Ref(handle int) *Ref {
	if handle < 0 || handle >= len(m.refs) {
		return nil
	}
	return m.refs[handle]
}

// ScopedDir returns the scoped dir for key, nil if absent.
func (m *Manager) ScopedDir(key ScopedKey) *ScopedDir {
	return m.scoped[key]
}

// EnsureScopedDir returns the scoped dir for key, creating it if needed.
func (m *Manager) EnsureScopedDir(key ScopedKey, target string, fileserv bool) *ScopedDir {
	if sd, ok := m.scoped[key]; ok {
		return sd
	}
	sd := &ScopedDir{
		Dir:        key.Dir,
		Target:     target,
		OrigTarget: target,
		RefHandle:  NoRef,
		Fileserv:   fileserv,
		StartTime:  m.now(),
	}
	m.scoped[key] = sd
	return sd
}

// DropScopedDir removes a scoped dir from the map.
func (m *Manager) DropScopedDir(key ScopedKey) {
	delete(m.scoped, key)
}

func normalizeVolume(path string) string {
	return common.RemoveTrailingSep(filepath.Clean(path))
}

// Acquire finds or creates a snapshot for sd's original target, per the
// reuse rule: scan existing refs newest-first; a candidate matching volume
// and clientsubname is restarted when it is stale (or private to this
// token) and restart is allowed, otherwise attached to. Returns the ref and
// whether it was a pure reference (no new platform snapshot).
func (m *Manager) Acquire(ctx context.Context, sd *ScopedDir, opts AcquireOptions) (*Ref, bool, error) {
	target := normalizeVolume(sd.OrigTarget)

	for i := len(m.refs) - 1; i >= 0; i-- {
		ref := m.refs[i]
		if ref == nil {
			continue
		}
		if ref.Target != target || ref.ClientSubname != opts.ClientSubname || !ref.OK {
			continue
		}
		if !m.mountOpenable(ref.VolPath) {
			log.Warnf("snapshot %s of %s is no longer openable, skipping", ref.VolPath, ref.Target)
			continue
		}

		restartable := ref.onlyToken(opts.StartToken) ||
			m.now().Sub(ref.StartTime) > m.restartTimeout
		if restartable && opts.AllowRestart &&
			(opts.ForImage == ref.ForImageBackup || !opts.SimultaneousOther) {
			log.Infof("restarting stale snapshot of %s (save id %d)", ref.Target, ref.SaveID)
			if err := m.deleteRef(ctx, ref, sd); err != nil {
				return nil, false, err
			}
			continue
		}

		if !ref.DontIncrement {
			ref.StartTokens = append(ref.StartTokens, opts.StartToken)
			if err := m.dao.ModShadowcopyRefCount(ctx, ref.SaveID, 1); err != nil {
				return nil, false, err
			}
		}
		sd.RefHandle = ref.handle
		sd.Target = m.exposedPath(ref, sd)
		return ref, true, nil
	}

	if opts.OnlyRef {
		return nil, false, common.ErrNotFound
	}
	ref, err := m.create(ctx, sd, opts, target)
	if err != nil {
		return nil, false, err
	}
	return ref, false, nil
}

func (m *Manager) create(ctx context.Context, sd *ScopedDir, opts AcquireOptions, target string) (*Ref, error) {
	ssetID := opts.SsetID
	if ssetID == uuid.Nil {
		ssetID = uuid.New()
	}

	mount, err := m.backend.Create(ssetID, target, sd.Dir)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot of %s: %w", target, err)
	}

	ref := &Ref{
		SsetID:         ssetID,
		VolPath:        mount,
		Target:         target,
		StartTokens:    []string{opts.StartToken},
		StartTime:      m.now(),
		OK:             true,
		ForImageBackup: opts.ForImage,
		ClientSubname:  opts.ClientSubname,
		Cbt:            opts.Cbt,
	}

	saveID, err := m.dao.AddShadowcopy(ctx, &storage.ShadowcopyModel{
		SsetID:         ssetID.String(),
		Target:         target,
		Path:           mount,
		Name:           sd.Dir,
		OrigTarget:     sd.OrigTarget,
		Fileserv:       boolToInt(sd.Fileserv),
		Vol:            target,
		StartTime:      ref.StartTime.Unix(),
		Refs:           1,
		StartToken:     opts.StartToken,
		ClientSubname:  opts.ClientSubname,
		ForImageBackup: boolToInt(opts.ForImage),
	})
	if err != nil {
		if rerr := m.backend.Remove(ssetID, mount); rerr != nil {
			log.Warnf("removing snapshot after persist failure: %v", rerr)
		}
		return nil, err
	}
	ref.SaveID = saveID

	ref.handle = m.insertRef(ref)
	sd.RefHandle = ref.handle
	sd.Target = m.exposedPath(ref, sd)
	return ref, nil
}

func (m *Manager) insertRef(ref *Ref) int {
	for i, slot := range m.refs {
		if slot == nil {
			ref.handle = i
			m.refs[i] = ref
			return i
		}
	}
	ref.handle = len(m.refs)
	m.refs = append(m.refs, ref)
	return ref.handle
}

// exposedPath maps sd's original target into the snapshot namespace.
func (m *Manager) exposedPath(ref *Ref, sd *ScopedDir) string {
	orig := normalizeVolume(sd.OrigTarget)
	if orig == ref.Target {
		return ref.VolPath
	}
	rel, err := filepath.Rel(ref.Target, orig)
	if err != nil {
		return ref.VolPath
	}
	return filepath.Join(ref.VolPath, rel)
}

// Release removes sd's claim on its snapshot. The platform snapshot is
// deleted once the last holder is gone or the hard timeout has passed.
// Returns whether the underlying snapshot was deleted.
func (m *Manager) Release(ctx context.Context, sd *ScopedDir, startToken string, saveID int64) (bool, error) {
	ref := m.Ref(sd.RefHandle)
	if ref == nil {
		return false, nil
	}
	if saveID != 0 && ref.SaveID != saveID {
		return false, fmt.Errorf("save id %d does not match snapshot %d", saveID, ref.SaveID)
	}

	ref.removeToken(startToken)
	if err := m.dao.ModShadowcopyRefCount(ctx, ref.SaveID, -1); err != nil {
		return false, err
	}

	deleted := false
	if len(ref.StartTokens) == 0 || m.now().Sub(ref.StartTime) > m.hardTimeout {
		if err := m.deleteRef(ctx, ref, sd); err != nil {
			return false, err
		}
		deleted = true
	}

	if err := m.collectGarbage(ctx, sd); err != nil {
		return deleted, err
	}
	sd.RefHandle = NoRef
	sd.Target = sd.OrigTarget
	return deleted, nil
}

// deleteRef deletes the platform snapshot and the persisted row, frees the
// arena slot and orphans scoped dirs that resolved through it. dontDel is
// spared from the map sweep (its owner is mid-release).
func (m *Manager) deleteRef(ctx context.Context, ref *Ref, dontDel *ScopedDir) error {
	// Another backup on the same snapshot set may still reference the
	// platform snapshot through its own ref.
	shared := false
	for _, other := range m.refs {
		if other != nil && other != ref && other.SsetID == ref.SsetID && other.VolPath == ref.VolPath {
			shared = true
			break
		}
	}
	if !shared {
		if err := m.backend.Remove(ref.SsetID, ref.VolPath); err != nil {
			log.Warnf("removing platform snapshot %s: %v", ref.VolPath, err)
		}
	}
	if err := m.dao.DelShadowcopy(ctx, ref.SaveID); err != nil {
		return err
	}

	m.refs[ref.handle] = nil

	for key, sd := range m.scoped {
		if sd.RefHandle == ref.handle {
			sd.Target = sd.OrigTarget
			sd.RefHandle = NoRef
			if sd != dontDel {
				delete(m.scoped, key)
			}
		}
	}
	return nil
}

// collectGarbage deletes any ref whose token multiset drained.
func (m *Manager) collectGarbage(ctx context.Context, dontDel *ScopedDir) error {
	for _, ref := range m.refs {
		if ref != nil && len(ref.StartTokens) == 0 {
			if err := m.deleteRef(ctx, ref, dontDel); err != nil {
				return err
			}
		}
	}
	return nil
}

// LookupSaveID resolves a persisted save id to the exposed snapshot path.
func (m *Manager) LookupSaveID(saveID int64) (string, bool) {
	for _, ref := range m.refs {
		if ref != nil && ref.SaveID == saveID {
			return ref.VolPath, true
		}
	}
	return "", false
}

// SiblingInfo enumerates the other snapshots of ref's set as
// target=mountpath pairs, pipe-delimited, for the reply wire format.
func (m *Manager) SiblingInfo(ref *Ref) string {
	var parts []string
	for _, other := range m.refs {
		if other == nil || other == ref || other.SsetID != ref.SsetID || !other.OK {
			continue
		}
		parts = append(parts, other.Target+"="+other.VolPath)
	}
	return strings.Join(parts, "|")
}

// PingToken refreshes the start time of every snapshot held by startToken,
// preventing timeout reclamation.
func (m *Manager) PingToken(ctx context.Context, startToken string) error {
	for _, ref := range m.refs {
		if ref == nil || !ref.hasToken(startToken) {
			continue
		}
		ref.StartTime = m.now()
		if err := m.dao.UpdateShadowcopyStarttime(ctx, ref.SaveID); err != nil {
			return err
		}
	}
	return nil
}

// CleanupSaved reconciles persisted snapshot rows on startup: any row that
// does not match an in-memory ref and has drained its refcount or exceeded
// the hard timeout gets a platform delete and its row removed. Rows are not
// checked against start tokens. A crash during backup becomes a clean state
// on the next run.
func (m *Manager) CleanupSaved(ctx context.Context) error {
	rows, err := m.dao.Shadowcopies(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if m.matchesLiveRef(row.ID) {
			continue
		}
		age := m.now().Sub(time.Unix(row.StartTime, 0))
		if row.Refs > 0 && age <= m.hardTimeout {
			continue
		}
		ssetID, perr := uuid.Parse(row.SsetID)
		if perr != nil {
			ssetID = uuid.Nil
		}
		if err := m.backend.Remove(ssetID, row.Path); err != nil {
			log.Warnf("cleanup: removing stale snapshot %s: %v", row.Path, err)
		}
		if err := m.dao.DelShadowcopy(ctx, row.ID); err != nil {
			return err
		}
		log.Infof("cleanup: removed stale snapshot of %s (save id %d)", row.Target, row.ID)
	}
	return nil
}

func (m *Manager) matchesLiveRef(saveID int64) bool {
	for _, ref := range m.refs {
		if ref != nil && ref.SaveID == saveID {
			return true
		}
	}
	return false
}

// ReleaseToken drops every snapshot claim of a start token (stop cleanup).
func (m *Manager) ReleaseToken(ctx context.Context, startToken string) error {
	for key, sd := range m.scoped {
		if key.StartToken != startToken {
			continue
		}
		if _, err := m.Release(ctx, sd, startToken, 0); err != nil {
			return err
		}
		delete(m.scoped, key)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
