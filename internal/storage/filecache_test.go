package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"snapindex/internal/common"
)

func openTestDAO(t *testing.T) *ClientDAO {
	t.Helper()
	dao, err := Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dao.Close() })
	return dao
}

func TestFileCacheAddGet(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	files := []FileAndHash{
		{Name: "x", Size: 10, ChangeIndicator: 100},
		{Name: "y", Size: 20, ChangeIndicator: 200, Hash: []byte{1, 2}},
	}
	if err := dao.AddFiles(ctx, "/a/", 0, files); err != nil {
		t.Fatal(err)
	}

	// Buffered row is visible before flush.
	got, gen, exists, err := dao.GetFiles(ctx, "/a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !exists || gen != 0 || len(got) != 2 {
		t.Fatalf("unexpected buffered read: exists=%v gen=%d n=%d", exists, gen, len(got))
	}

	if err := dao.FlushFiles(ctx); err != nil {
		t.Fatal(err)
	}

	got, gen, exists, err = dao.GetFiles(ctx, "/a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !exists || gen != 0 {
		t.Fatalf("row missing after flush: exists=%v gen=%d", exists, gen)
	}
	if got[1].Name != "y" || got[1].Size != 20 || string(got[1].Hash) != string([]byte{1, 2}) {
		t.Errorf("row content mismatch: %+v", got[1])
	}
}

func TestFileCacheModifyBumpsGeneration(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	if err := dao.AddFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x", Size: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := dao.FlushFiles(ctx); err != nil {
		t.Fatal(err)
	}

	if err := dao.ModifyFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x", Size: 2}}, 0); err != nil {
		t.Fatal(err)
	}
	if err := dao.FlushFiles(ctx); err != nil {
		t.Fatal(err)
	}

	got, gen, _, err := dao.GetFiles(ctx, "/a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if gen != 1 {
		t.Errorf("expected generation 1, got %d", gen)
	}
	if got[0].Size != 2 {
		t.Errorf("expected updated row, got %+v", got[0])
	}
}

// Two writers racing on the same row: only one modify at the stale
// generation succeeds; the loser sees ErrGenerationMismatch and retries
// against the bumped generation.
func TestFileCacheCompareAndSwap(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	if err := dao.AddFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x", Size: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := dao.ModifyFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x", Size: 2}}, 0); err != nil {
		t.Fatal(err)
	}

	err := dao.ModifyFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x", Size: 3}}, 0)
	if !errors.Is(err, common.ErrGenerationMismatch) {
		t.Fatalf("expected generation mismatch, got %v", err)
	}

	// Retry against the updated generation succeeds.
	_, gen, _, err := dao.GetFiles(ctx, "/a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := dao.ModifyFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x", Size: 3}}, gen); err != nil {
		t.Fatal(err)
	}
	if err := dao.FlushFiles(ctx); err != nil {
		t.Fatal(err)
	}

	got, gen, _, err := dao.GetFiles(ctx, "/a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if gen != 2 || got[0].Size != 3 {
		t.Errorf("expected gen 2 size 3, got gen %d %+v", gen, got[0])
	}
}

func TestFileCacheGroupsAreSeparate(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	if err := dao.AddFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := dao.AddFiles(ctx, "/a/", 1, []FileAndHash{{Name: "y"}}); err != nil {
		t.Fatal(err)
	}
	if err := dao.FlushFiles(ctx); err != nil {
		t.Fatal(err)
	}

	if err := dao.ClearFileCache(ctx, 0); err != nil {
		t.Fatal(err)
	}

	_, _, exists0, err := dao.GetFiles(ctx, "/a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _, exists1, err := dao.GetFiles(ctx, "/a/", 1)
	if err != nil {
		t.Fatal(err)
	}
	if exists0 {
		t.Error("group 0 should be cleared")
	}
	if !exists1 {
		t.Error("group 1 must survive clearing group 0")
	}
}

func TestRemoveDeletedDir(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	if err := dao.AddFiles(ctx, "/a/", 0, []FileAndHash{{Name: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := dao.FlushFiles(ctx); err != nil {
		t.Fatal(err)
	}
	if err := dao.RemoveDeletedDir(ctx, "/a/", 0); err != nil {
		t.Fatal(err)
	}
	_, _, exists, err := dao.GetFiles(ctx, "/a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("row should be gone")
	}
}

func TestChangedDirsConsume(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	for _, p := range []string{"/b/", "/a/", "/c/"} {
		if err := dao.AddChangedDir(ctx, "/", p); err != nil {
			t.Fatal(err)
		}
	}

	dirs, err := dao.ChangedDirs(ctx, "/", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 3 || dirs[0] != "/a/" || dirs[2] != "/c/" {
		t.Errorf("expected sorted dirs, got %v", dirs)
	}

	dirs, err = dao.ChangedDirs(ctx, "/", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 0 {
		t.Errorf("consume should have emptied the table, got %v", dirs)
	}
}

func TestMiscValues(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	v, err := dao.MiscValue(ctx, "missing")
	if err != nil || v != "" {
		t.Fatalf("missing key: v=%q err=%v", v, err)
	}
	if err := dao.SetMiscValue(ctx, "k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := dao.SetMiscValue(ctx, "k", "2"); err != nil {
		t.Fatal(err)
	}
	v, err = dao.MiscValue(ctx, "k")
	if err != nil || v != "2" {
		t.Fatalf("upsert failed: v=%q err=%v", v, err)
	}
}
