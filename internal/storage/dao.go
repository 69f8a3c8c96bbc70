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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"snapindex/internal/util"
)

// ClientDAO wraps a Bun database instance with the typed queries of the
// client-side index. Inserts and updates of the file cache and the hard-link
// graph go through write buffers that are flushed as single transactions;
// file cache row deletions are written directly.
type ClientDAO struct {
	*bun.DB

	sqlDB *sql.DB

	fileBufMu    sync.Mutex
	fileBuf      []pendingFileRow
	fileBufBytes int
	fileBufSince time.Time

	linkBufMu     sync.Mutex
	linkResets    []linkKey
	linkInserts   []HardlinkModel
	linkBufSince  time.Time
}

type pendingFileRow struct {
	model  FileCacheModel
	isNew  bool
	casGen int64 // expected stored generation for modifies
}

type linkKey struct {
	vol           string
	frnHigh, frnLow int64
}

// Open opens (creating if necessary) the client index database at path.
func Open(path string) (*ClientDAO, error) {
	sqlDB, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Must be explicit — libsql ignores DSN-based _pragma=value parameters.
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(sqlDB, clientSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	dao := &ClientDAO{
		DB:           bun.NewDB(sqlDB, sqlitedialect.New()),
		sqlDB:        sqlDB,
		fileBufSince: time.Now(),
		linkBufSince: time.Now(),
	}

	if err := dao.initSchemaInfo(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return dao, nil
}

func (dao *ClientDAO) initSchemaInfo(ctx context.Context) error {
	_, err := dao.NewInsert().
		Model(&SchemaInfoModel{Key: "version", Value: SchemaVersion}).
		On("CONFLICT (key) DO NOTHING").
		Exec(ctx)
	return err
}

// Close flushes pending buffers and closes the database.
func (dao *ClientDAO) Close() error {
	ctx := context.Background()
	if err := dao.FlushFiles(ctx); err != nil {
		return err
	}
	if err := dao.FlushHardlinks(ctx); err != nil {
		return err
	}
	return dao.DB.Close()
}

// --- Misc key/value operations ---

// MiscValue retrieves a misc value by key. Missing keys yield "".
func (dao *ClientDAO) MiscValue(ctx context.Context, key string) (string, error) {
	var m MiscModel
	err := dao.NewSelect().
		Model(&m).
		Where("tkey = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

// SetMiscValue sets a misc value (upserts).
// Uses retry logic to handle transient "database is locked" errors when the
// watcher process and the indexer both have the database open.
func (dao *ClientDAO) SetMiscValue(ctx context.Context, key, value string) error {
	return util.Retry(ctx, func() error {
		_, err := dao.NewInsert().
			Model(&MiscModel{Key: key, Value: value}).
			On("CONFLICT (tkey) DO UPDATE").
			Set("tvalue = EXCLUDED.tvalue").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// DelMiscValue removes a misc value.
func (dao *ClientDAO) DelMiscValue(ctx context.Context, key string) error {
	_, err := dao.NewDelete().
		Model((*MiscModel)(nil)).
		Where("tkey = ?", key).
		Exec(ctx)
	return err
}

// --- Backup root operations ---

// BackupRoots returns all configured backup roots ordered by id.
func (dao *ClientDAO) BackupRoots(ctx context.Context) ([]BackupRoot, error) {
	var models []BackupRootModel
	err := dao.NewSelect().
		Model(&models).
		Order("id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	roots := make([]BackupRoot, len(models))
	for i, m := range models {
		roots[i] = m.ToBackupRoot()
	}
	return roots, nil
}

// AddBackupRoot inserts a new backup root and returns its id.
func (dao *ClientDAO) AddBackupRoot(ctx context.Context, root BackupRoot) (int64, error) {
	model := BackupRootModelFrom(root)
	model.ID = 0
	_, err := dao.NewInsert().
		Model(model).
		Returning("id").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return model.ID, nil
}

// DelBackupRoot removes a backup root by id.
func (dao *ClientDAO) DelBackupRoot(ctx context.Context, id int64) error {
	_, err := dao.NewDelete().
		Model((*BackupRootModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// SetResetKeep flags a root so that the next backup rebuilds its keep state.
func (dao *ClientDAO) SetResetKeep(ctx context.Context, id int64, resetKeep bool) error {
	_, err := dao.NewUpdate().
		Model((*BackupRootModel)(nil)).
		Set("reset_keep = ?", boolToInt(resetKeep)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ConfirmSymlinked records that a walk traversed into a symlinked root.
func (dao *ClientDAO) ConfirmSymlinked(ctx context.Context, id int64) error {
	_, err := dao.NewUpdate().
		Model((*BackupRootModel)(nil)).
		Set("symlinked_confirmed = 1").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// --- Shadowcopy row operations ---

// AddShadowcopy persists a snapshot reference and returns its row id.
func (dao *ClientDAO) AddShadowcopy(ctx context.Context, model *ShadowcopyModel) (int64, error) {
	model.ID = 0
	// Use RETURNING clause to get the row id (libsql doesn't support LastInsertId)
	_, err := dao.NewInsert().
		Model(model).
		Returning("id").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return model.ID, nil
}

// Shadowcopies returns all persisted snapshot references.
func (dao *ClientDAO) Shadowcopies(ctx context.Context) ([]ShadowcopyModel, error) {
	var models []ShadowcopyModel
	err := dao.NewSelect().
		Model(&models).
		Order("id").
		Scan(ctx)
	return models, err
}

// DelShadowcopy removes a persisted snapshot reference.
func (dao *ClientDAO) DelShadowcopy(ctx context.Context, id int64) error {
	_, err := dao.NewDelete().
		Model((*ShadowcopyModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ModShadowcopyRefCount adjusts the persisted refcount by delta.
func (dao *ClientDAO) ModShadowcopyRefCount(ctx context.Context, id int64, delta int) error {
	_, err := dao.NewUpdate().
		Model((*ShadowcopyModel)(nil)).
		Set("refs = refs + ?", delta).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// UpdateShadowcopyStarttime refreshes the start time to now, preventing
// timeout reclamation while a backup is pinging.
func (dao *ClientDAO) UpdateShadowcopyStarttime(ctx context.Context, id int64) error {
	_, err := dao.NewUpdate().
		Model((*ShadowcopyModel)(nil)).
		Set("starttime = ?", time.Now().Unix()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}
