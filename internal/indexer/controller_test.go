package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapindex/internal/snapshot"
	"snapindex/internal/storage"
)

// stubSource is a scripted change-set source with watcher semantics.
type stubSource struct {
	changed map[string][]string
	open    map[string][]string
	deleted map[string][]string
}

func (s *stubSource) CanWatch(string) bool { return true }

func (s *stubSource) SnapshotChangedSet(_ context.Context, vol string) ([]string, []string, error) {
	return s.changed[vol], s.open[vol], nil
}

func (s *stubSource) SnapshotDeletedDirs(_ context.Context, vol string) ([]string, error) {
	return s.deleted[vol], nil
}

func (s *stubSource) Freeze()                            {}
func (s *stubSource) Unfreeze()                          {}
func (s *stubSource) UpdateAndWait(context.Context) error { return nil }

type testEnv struct {
	idx     *Indexer
	backend *snapshot.MemBackend
	dao     *storage.ClientDAO
	base    string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	base := t.TempDir()
	dataDir := filepath.Join(base, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0700))

	dao, err := storage.Open(filepath.Join(dataDir, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dao.Close() })

	backend := snapshot.NewMemBackend()
	backend.OnDisk = true
	snapman := snapshot.NewManager(dao, backend)
	snapman.SetMountCheck(backend.Mounted)

	opts.DAO = dao
	opts.Snapshot = snapman
	if opts.Caps == nil {
		opts.Caps = NewMemCapabilities()
	}

	idx := New(Config{
		DataDir:     dataDir,
		FilelistDir: filepath.Join(base, "lists"),
	}, opts)

	go idx.Run()
	t.Cleanup(func() { idx.Request(Message{Action: ActionStop}) })

	return &testEnv{idx: idx, backend: backend, dao: dao, base: base}
}

func (env *testEnv) addRoot(t *testing.T, name, path string, flags storage.RootFlag) {
	t.Helper()
	_, err := env.dao.AddBackupRoot(context.Background(), storage.BackupRoot{
		Name:  name,
		Path:  path,
		Flags: flags,
	})
	require.NoError(t, err)
}

func (env *testEnv) readList(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.base, "lists", "filelist.ub"))
	require.NoError(t, err)
	return string(data)
}

func writeFileWithTime(t *testing.T, path string, content []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestStartBackupNoBackupDirs(t *testing.T) {
	env := newTestEnv(t, Options{})
	reply := env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	assert.Equal(t, ReplyNoBackupDirs, reply)
}

// Two incremental runs over an unchanged tree produce byte-identical
// file lists.
func TestListDeterminism(t *testing.T) {
	env := newTestEnv(t, Options{})
	root := filepath.Join(env.base, "root")
	require.NoError(t, os.MkdirAll(root, 0755))

	base := time.Unix(1700000000, 0)
	writeFileWithTime(t, filepath.Join(root, "x"), make([]byte, 10), base)
	writeFileWithTime(t, filepath.Join(root, "y"), make([]byte, 20), base.Add(time.Minute))

	env.addRoot(t, "root", root, 0)

	reply := env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	require.Equal(t, ReplyDone, reply)
	first := env.readList(t)

	reply = env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	require.Equal(t, ReplyDone, reply)
	second := env.readList(t)

	assert.Equal(t, first, second)

	lines := strings.Split(strings.TrimSpace(first), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], `d"root"`), "got %q", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], `f"x" 10 `), "got %q", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], `f"y" 20 `), "got %q", lines[2])
	assert.Equal(t, `d".."`, lines[3])
}

// An incremental run with a watcher serves unchanged directories from the
// cache and re-enumerates changed ones.
func TestIncrementalUsesCacheAndChangedSet(t *testing.T) {
	source := &stubSource{changed: map[string][]string{}}
	env := newTestEnv(t, Options{Source: source})
	root := filepath.Join(env.base, "root")
	require.NoError(t, os.MkdirAll(root, 0755))

	base := time.Unix(1700000000, 0)
	writeFileWithTime(t, filepath.Join(root, "x"), make([]byte, 10), base)
	writeFileWithTime(t, filepath.Join(root, "y"), make([]byte, 20), base.Add(time.Minute))
	env.addRoot(t, "root", root, 0)

	// Full run primes the cache.
	reply := env.idx.Request(Message{Action: ActionStartFullFileBackup, StartToken: "tokA"})
	require.Equal(t, ReplyDone, reply)
	first := env.readList(t)

	// The file changes, and the watcher reports its directory.
	writeFileWithTime(t, filepath.Join(root, "y"), make([]byte, 25), base.Add(2*time.Minute))
	source.changed = map[string][]string{"/": {root + "/"}}

	reply = env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	require.Equal(t, ReplyDone, reply)
	second := env.readList(t)

	assert.NotEqual(t, first, second)
	assert.Contains(t, second, `f"y" 25 `)

	// With no changed dirs the listing is served from the cache: deleting
	// the file on disk does not change the output.
	source.changed = map[string][]string{}
	require.NoError(t, os.Remove(filepath.Join(root, "y")))

	reply = env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	require.Equal(t, ReplyDone, reply)
	third := env.readList(t)
	assert.Equal(t, second, third, "unchanged dir must be served from cache")
}

// A missing optional root logs a warning and still replies done with an
// empty list.
func TestMissingOptionalRoot(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.addRoot(t, "gone", filepath.Join(env.base, "does-not-exist"), storage.FlagOptional)

	reply := env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	assert.Equal(t, ReplyDone, reply)
	assert.Equal(t, "", env.readList(t))

	log := env.idx.Request(Message{Action: ActionGetLog})
	assert.Contains(t, log, "Optional backup root")
}

// A missing root without Optional fails the backup.
func TestMissingRequiredRoot(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.addRoot(t, "gone", filepath.Join(env.base, "does-not-exist"), 0)

	reply := env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	assert.Equal(t, ReplyFailed, reply)
}

// A failing pre-backup hook surfaces its exit code and prevents indexing.
func TestHookFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	root := filepath.Join(env.base, "root")
	require.NoError(t, os.MkdirAll(root, 0755))
	env.addRoot(t, "root", root, 0)

	hookDir := filepath.Join(env.base, "hooks")
	require.NoError(t, os.MkdirAll(hookDir, 0755))
	script := filepath.Join(hookDir, HookPreFileBackup)
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0755))
	env.idx.cfg.HookDir = hookDir

	reply := env.idx.Request(Message{Action: ActionStartIncrFileBackup, StartToken: "tokA"})
	assert.Equal(t, "error - prefilebackup script failed with error code 3", reply)

	_, err := os.Stat(filepath.Join(env.base, "lists", "filelist.ub"))
	assert.True(t, os.IsNotExist(err), "hook failure must prevent indexing")
}

// An unfinished full promotes the next requested full to a virtual-full
// incremental.
func TestVirtualFullPromotion(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	root := filepath.Join(env.base, "root")
	require.NoError(t, os.MkdirAll(root, 0755))
	env.addRoot(t, "root", root, 0)

	require.NoError(t, env.dao.SetMiscValue(ctx, unfinishedFullKey(0), "1"))

	reply := env.idx.Request(Message{Action: ActionStartFullFileBackup, StartToken: "tokA"})
	require.Equal(t, ReplyDone, reply)

	// The promotion ran as virtual full: the unfinished marker is cleared
	// after success.
	v, err := env.dao.MiscValue(ctx, unfinishedFullKey(0))
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestCreateReferenceReleaseShadowcopy(t *testing.T) {
	env := newTestEnv(t, Options{})
	root := filepath.Join(env.base, "vol1")
	require.NoError(t, os.MkdirAll(root, 0755))
	env.addRoot(t, "vol1", root, 0)

	reply1 := env.idx.Request(Message{
		Action: ActionCreateShadowcopy, LogicalDir: "vol1",
		StartToken: "tokA", Fileserv: true,
	})
	require.True(t, strings.HasPrefix(reply1, "done-"), "got %q", reply1)

	reply2 := env.idx.Request(Message{
		Action: ActionReferenceShadowcopy, LogicalDir: "vol1",
		StartToken: "tokB", Fileserv: true,
	})
	require.True(t, strings.HasPrefix(reply2, "done-"), "got %q", reply2)

	// Same save id in both replies, one underlying snapshot.
	id1 := strings.Split(reply1, "-")[1]
	id2 := strings.Split(reply2, "-")[1]
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, env.backend.Creates)

	relA := env.idx.Request(Message{
		Action: ActionReleaseShadowcopy, LogicalDir: "vol1", StartToken: "tokA",
	})
	assert.Equal(t, ReplyDone, relA)
	assert.Equal(t, 0, env.backend.Removes)

	relB := env.idx.Request(Message{
		Action: ActionReleaseShadowcopy, LogicalDir: "vol1", StartToken: "tokB",
	})
	assert.Equal(t, ReplyDone, relB)
	assert.Equal(t, 1, env.backend.Removes, "snapshot deleted after last release")
}

func TestReleaseWhileTransfersActive(t *testing.T) {
	old := DrainTimeout
	DrainTimeout = 200 * time.Millisecond
	defer func() { DrainTimeout = old }()

	env := newTestEnv(t, Options{})
	root := filepath.Join(env.base, "vol1")
	require.NoError(t, os.MkdirAll(root, 0755))
	env.addRoot(t, "vol1", root, 0)

	reply := env.idx.Request(Message{
		Action: ActionCreateShadowcopy, LogicalDir: "vol1",
		StartToken: "tokA", Fileserv: true,
	})
	require.True(t, strings.HasPrefix(reply, "done-"))

	srv := env.idx.filesrv.(interface {
		SetActiveTransfers(share, token string, n int)
	})
	srv.SetActiveTransfers("vol1", "tokA", 2)

	rel := env.idx.Request(Message{
		Action: ActionReleaseShadowcopy, LogicalDir: "vol1", StartToken: "tokA",
	})
	assert.Equal(t, ReplyInUse, rel)

	srv.SetActiveTransfers("vol1", "tokA", 0)
	rel = env.idx.Request(Message{
		Action: ActionReleaseShadowcopy, LogicalDir: "vol1", StartToken: "tokA",
	})
	assert.Equal(t, ReplyDone, rel)
}

func TestPingRefreshesSnapshot(t *testing.T) {
	env := newTestEnv(t, Options{})
	root := filepath.Join(env.base, "vol1")
	require.NoError(t, os.MkdirAll(root, 0755))
	env.addRoot(t, "vol1", root, 0)

	reply := env.idx.Request(Message{
		Action: ActionCreateShadowcopy, LogicalDir: "vol1", StartToken: "tokA",
	})
	require.True(t, strings.HasPrefix(reply, "done-"))

	assert.Equal(t, ReplyDone, env.idx.Request(Message{Action: ActionPing, StartToken: "tokA"}))
}
