package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapindex/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *MemBackend, *storage.ClientDAO) {
	t.Helper()
	dao, err := storage.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dao.Close() })

	backend := NewMemBackend()
	m := NewManager(dao, backend)
	m.SetMountCheck(backend.Mounted)
	return m, backend, dao
}

func scopedKey(token, dir string) ScopedKey {
	return ScopedKey{StartToken: token, Dir: dir}
}

func TestAcquireCreatesSnapshot(t *testing.T) {
	m, backend, _ := newTestManager(t)
	ctx := context.Background()

	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref, onlyRef, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	assert.False(t, onlyRef)
	assert.Equal(t, 1, backend.Creates)
	assert.True(t, ref.OK)
	assert.NotZero(t, ref.SaveID)
	assert.Equal(t, ref.Handle(), sd.RefHandle)
	assert.Equal(t, ref.VolPath, sd.Target)
	assert.True(t, backend.Mounted(ref.VolPath))
}

// Two references within the restart window share one snapshot; the second
// release deletes it exactly once.
func TestSnapshotReuseAndRefcounting(t *testing.T) {
	m, backend, _ := newTestManager(t)
	ctx := context.Background()

	sd1 := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref1, _, err := m.Acquire(ctx, sd1, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	sd2 := m.EnsureScopedDir(scopedKey("tokB", "vol1"), "/vol1", true)
	ref2, onlyRef, err := m.Acquire(ctx, sd2, AcquireOptions{StartToken: "tokB"})
	require.NoError(t, err)

	assert.True(t, onlyRef, "second acquire must attach, not create")
	assert.Same(t, ref1, ref2)
	assert.Equal(t, ref1.SaveID, ref2.SaveID)
	assert.Equal(t, 1, backend.Creates, "exactly one underlying snapshot")

	deleted, err := m.Release(ctx, sd1, "tokA", ref1.SaveID)
	require.NoError(t, err)
	assert.False(t, deleted, "first release keeps the snapshot alive")
	assert.Equal(t, 0, backend.Removes)

	deleted, err = m.Release(ctx, sd2, "tokB", ref2.SaveID)
	require.NoError(t, err)
	assert.True(t, deleted, "last release deletes")
	assert.Equal(t, 1, backend.Removes, "platform delete called exactly once")
}

// A snapshot older than the restart timeout held only by the current token
// is restarted: deleted and created anew.
func TestAcquireRestartsStaleSnapshot(t *testing.T) {
	m, backend, _ := newTestManager(t)
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref1, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)
	_, err = m.Release(ctx, sd, "tokA", ref1.SaveID)
	require.NoError(t, err)
	// Snapshot gone; acquire again and age it instead.
	sd = m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref1, _, err = m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	now = now.Add(RestartTimeout + time.Minute)

	sd2 := m.EnsureScopedDir(scopedKey("tokA", "vol1b"), "/vol1", true)
	ref2, onlyRef, err := m.Acquire(ctx, sd2, AcquireOptions{StartToken: "tokA", AllowRestart: true})
	require.NoError(t, err)

	assert.False(t, onlyRef)
	assert.NotEqual(t, ref1.SaveID, ref2.SaveID)
	assert.False(t, backend.Mounted(ref1.VolPath), "stale snapshot removed")
	assert.True(t, backend.Mounted(ref2.VolPath))
}

// Without AllowRestart the same stale snapshot is attached to instead.
func TestAcquireAttachesWithoutRestart(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref1, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	now = now.Add(RestartTimeout + time.Minute)

	sd2 := m.EnsureScopedDir(scopedKey("tokB", "vol1"), "/vol1", true)
	ref2, onlyRef, err := m.Acquire(ctx, sd2, AcquireOptions{StartToken: "tokB"})
	require.NoError(t, err)

	assert.True(t, onlyRef)
	assert.Same(t, ref1, ref2)
	assert.Equal(t, []string{"tokA", "tokB"}, ref1.StartTokens)
}

func TestAcquireOnlyRefFailsWithoutCandidate(t *testing.T) {
	m, backend, _ := newTestManager(t)
	ctx := context.Background()

	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	_, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA", OnlyRef: true})
	assert.Error(t, err)
	assert.Equal(t, 0, backend.Creates)
}

func TestAcquireBackendFailure(t *testing.T) {
	m, backend, _ := newTestManager(t)
	ctx := context.Background()

	backend.FailNext = true
	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	_, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	assert.Error(t, err)

	// No ref survives the failure; a retry creates cleanly.
	ref, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)
	assert.True(t, ref.OK)
}

// Startup cleanup removes persisted rows without live refs once drained or
// expired.
func TestCleanupSavedRemovesStaleRows(t *testing.T) {
	m, backend, dao := newTestManager(t)
	ctx := context.Background()

	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	// Simulate a crash: a fresh manager over the same database with a
	// drained refcount.
	require.NoError(t, dao.ModShadowcopyRefCount(ctx, ref.SaveID, -1))
	m2 := NewManager(dao, backend)
	m2.SetMountCheck(backend.Mounted)
	require.NoError(t, m2.CleanupSaved(ctx))

	rows, err := dao.Shadowcopies(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.False(t, backend.Mounted(ref.VolPath))
}

func TestCleanupSavedKeepsHeldRows(t *testing.T) {
	m, backend, dao := newTestManager(t)
	ctx := context.Background()

	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	_, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	m2 := NewManager(dao, backend)
	m2.SetMountCheck(backend.Mounted)
	require.NoError(t, m2.CleanupSaved(ctx))

	rows, err := dao.Shadowcopies(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "row with positive refcount inside timeout survives")
}

func TestSiblingInfo(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sd1 := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref1, _, err := m.Acquire(ctx, sd1, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	sd2 := m.EnsureScopedDir(scopedKey("tokA", "vol2"), "/vol2", true)
	ref2, _, err := m.Acquire(ctx, sd2, AcquireOptions{StartToken: "tokA", SsetID: ref1.SsetID})
	require.NoError(t, err)

	info := m.SiblingInfo(ref1)
	assert.Contains(t, info, "/vol2="+ref2.VolPath)
	assert.NotContains(t, info, "/vol1=")
}

func TestLookupSaveID(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sd := m.EnsureScopedDir(scopedKey("tokA", "vol1"), "/vol1", true)
	ref, _, err := m.Acquire(ctx, sd, AcquireOptions{StartToken: "tokA"})
	require.NoError(t, err)

	path, ok := m.LookupSaveID(ref.SaveID)
	assert.True(t, ok)
	assert.Equal(t, ref.VolPath, path)

	_, ok = m.LookupSaveID(99999)
	assert.False(t, ok)
}
