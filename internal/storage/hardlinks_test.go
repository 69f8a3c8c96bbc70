package storage

import (
	"context"
	"testing"
)

func TestHardlinkAddAndQuery(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	if err := dao.AddHardlink(ctx, "/", 0, 42, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := dao.AddHardlink(ctx, "/", 0, 42, 0, 2); err != nil {
		t.Fatal(err)
	}

	// Visible through the buffer before flush.
	exists, err := dao.HardlinkExists(ctx, "/", 0, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("buffered edge should be visible")
	}

	if err := dao.FlushHardlinks(ctx); err != nil {
		t.Fatal(err)
	}

	parents, err := dao.HardlinkParents(ctx, "/", 0, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(parents) != 2 {
		t.Fatalf("expected 2 parents, got %v", parents)
	}
	if parents[0] != [2]int64{0, 1} || parents[1] != [2]int64{0, 2} {
		t.Errorf("unexpected parents %v", parents)
	}
}

// A reset buffered before inserts clears the old edges first: the flush
// deletes reset keys, then writes the fresh enumeration.
func TestHardlinkResetThenRepopulate(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	if err := dao.AddHardlink(ctx, "/", 0, 7, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := dao.FlushHardlinks(ctx); err != nil {
		t.Fatal(err)
	}

	if err := dao.ResetHardlink(ctx, "/", 0, 7); err != nil {
		t.Fatal(err)
	}

	// After a reset, the key reads as absent even before flush.
	exists, err := dao.HardlinkExists(ctx, "/", 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("reset key should read as absent")
	}

	if err := dao.AddHardlink(ctx, "/", 0, 7, 0, 9); err != nil {
		t.Fatal(err)
	}
	if err := dao.FlushHardlinks(ctx); err != nil {
		t.Fatal(err)
	}

	parents, err := dao.HardlinkParents(ctx, "/", 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(parents) != 1 || parents[0] != [2]int64{0, 9} {
		t.Errorf("expected repopulated edge only, got %v", parents)
	}
}

func TestShadowcopyRows(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	id, err := dao.AddShadowcopy(ctx, &ShadowcopyModel{
		SsetID: "s1", Target: "/vol1", Path: "/vol1.snap1",
		Name: "vol1", OrigTarget: "/vol1", Vol: "/vol1",
		StartTime: 1000, Refs: 1, StartToken: "tokA",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected row id")
	}

	if err := dao.ModShadowcopyRefCount(ctx, id, 1); err != nil {
		t.Fatal(err)
	}
	rows, err := dao.Shadowcopies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Refs != 2 {
		t.Fatalf("unexpected rows %+v", rows)
	}

	if err := dao.UpdateShadowcopyStarttime(ctx, id); err != nil {
		t.Fatal(err)
	}
	rows, _ = dao.Shadowcopies(ctx)
	if rows[0].StartTime == 1000 {
		t.Error("starttime should have been refreshed")
	}

	if err := dao.DelShadowcopy(ctx, id); err != nil {
		t.Fatal(err)
	}
	rows, _ = dao.Shadowcopies(ctx)
	if len(rows) != 0 {
		t.Errorf("row should be gone, got %+v", rows)
	}
}

func TestBackupRoots(t *testing.T) {
	dao := openTestDAO(t)
	ctx := context.Background()

	id, err := dao.AddBackupRoot(ctx, BackupRoot{
		Name: "home", Path: "/home/user",
		Flags: FlagOptional | FlagKeepFiles, Group: GroupDefault,
	})
	if err != nil {
		t.Fatal(err)
	}

	roots, err := dao.BackupRoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots))
	}
	r := roots[0]
	if r.ID != id || r.Name != "home" || !r.Flags.Has(FlagOptional) || !r.Flags.Has(FlagKeepFiles) {
		t.Errorf("unexpected root %+v", r)
	}

	if err := dao.SetResetKeep(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	if err := dao.ConfirmSymlinked(ctx, id); err != nil {
		t.Fatal(err)
	}
	roots, _ = dao.BackupRoots(ctx)
	if !roots[0].ResetKeep || !roots[0].SymlinkedConfirmed {
		t.Errorf("flag updates not applied: %+v", roots[0])
	}

	if err := dao.DelBackupRoot(ctx, id); err != nil {
		t.Fatal(err)
	}
	roots, _ = dao.BackupRoots(ctx)
	if len(roots) != 0 {
		t.Error("root should be gone")
	}
}
