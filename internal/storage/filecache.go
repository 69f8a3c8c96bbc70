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
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"snapindex/internal/common"
)

// GetFiles retrieves the cached listing for (pathKey, tgroup).
// A pending buffered write for the same key is served from the buffer so the
// walker always observes its own writes.
func (dao *ClientDAO) GetFiles(ctx context.Context, pathKey string, tgroup int) (files []FileAndHash, generation int64, exists bool, err error) {
	dao.fileBufMu.Lock()
	for i := len(dao.fileBuf) - 1; i >= 0; i-- {
		p := &dao.fileBuf[i]
		if p.model.PathKey == pathKey && p.model.Group == int64(tgroup) {
			var buffered []FileAndHash
			if err := json.Unmarshal(p.model.Files, &buffered); err != nil {
				dao.fileBufMu.Unlock()
				return nil, 0, false, err
			}
			gen := p.model.Generation
			dao.fileBufMu.Unlock()
			return buffered, gen, true, nil
		}
	}
	dao.fileBufMu.Unlock()

	var m FileCacheModel
	err = dao.NewSelect().
		Model(&m).
		Where("path_key = ?", pathKey).
		Where("tgroup = ?", tgroup).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if err := json.Unmarshal(m.Files, &files); err != nil {
		return nil, 0, false, fmt.Errorf("corrupt file cache row %q: %w", pathKey, err)
	}
	return files, m.Generation, true, nil
}

// AddFiles buffers a new cache row for (pathKey, tgroup). Generation starts
// at 0. The buffer is flushed as one transaction when it exceeds
// FileBufferMaxBytes or FileBufferMaxAgeSecs.
func (dao *ClientDAO) AddFiles(ctx context.Context, pathKey string, tgroup int, files []FileAndHash) error {
	blob, err := json.Marshal(files)
	if err != nil {
		return err
	}

	dao.fileBufMu.Lock()
	dao.fileBuf = append(dao.fileBuf, pendingFileRow{
		model: FileCacheModel{
			PathKey:    pathKey,
			Group:      int64(tgroup),
			Generation: 0,
			Files:      blob,
		},
		isNew: true,
	})
	dao.fileBufBytes += len(blob)
	flush := dao.fileBufferFullLocked()
	dao.fileBufMu.Unlock()

	if flush {
		return dao.FlushFiles(ctx)
	}
	return nil
}

// ModifyFiles buffers an update of an existing cache row. The write succeeds
// only if the caller's expectedGen matches the stored generation; the stored
// generation is bumped on success. A concurrent writer that got there first
// causes ErrGenerationMismatch and the caller retries against the updated
// generation.
func (dao *ClientDAO) ModifyFiles(ctx context.Context, pathKey string, tgroup int, files []FileAndHash, expectedGen int64) error {
	blob, err := json.Marshal(files)
	if err != nil {
		return err
	}

	dao.fileBufMu.Lock()
	// A buffered row for the same key is the authoritative generation.
	for i := len(dao.fileBuf) - 1; i >= 0; i-- {
		p := &dao.fileBuf[i]
		if p.model.PathKey == pathKey && p.model.Group == int64(tgroup) {
			if p.model.Generation != expectedGen {
				dao.fileBufMu.Unlock()
				return common.ErrGenerationMismatch
			}
			break
		}
	}
	dao.fileBuf = append(dao.fileBuf, pendingFileRow{
		model: FileCacheModel{
			PathKey:    pathKey,
			Group:      int64(tgroup),
			Generation: expectedGen + 1,
			Files:      blob,
		},
		casGen: expectedGen,
	})
	dao.fileBufBytes += len(blob)
	flush := dao.fileBufferFullLocked()
	dao.fileBufMu.Unlock()

	if flush {
		return dao.FlushFiles(ctx)
	}
	return nil
}

func (dao *ClientDAO) fileBufferFullLocked() bool {
	return dao.fileBufBytes > FileBufferMaxBytes ||
		time.Since(dao.fileBufSince) > FileBufferMaxAgeSecs*time.Second
}

// FlushFiles writes all buffered cache rows in one transaction. A modify
// whose generation no longer matches storage is dropped; the next walk of
// that directory re-reads the updated row.
func (dao *ClientDAO) FlushFiles(ctx context.Context) error {
	dao.fileBufMu.Lock()
	pending := dao.fileBuf
	dao.fileBuf = nil
	dao.fileBufBytes = 0
	dao.fileBufSince = time.Now()
	dao.fileBufMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	return dao.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range pending {
			p := &pending[i]
			if p.isNew {
				_, err := tx.NewInsert().
					Model(&p.model).
					On("CONFLICT (path_key, tgroup) DO UPDATE").
					Set("generation = EXCLUDED.generation").
					Set("files = EXCLUDED.files").
					Exec(ctx)
				if err != nil {
					return err
				}
				continue
			}
			res, err := tx.NewUpdate().
				Model((*FileCacheModel)(nil)).
				Set("generation = ?", p.model.Generation).
				Set("files = ?", p.model.Files).
				Where("path_key = ?", p.model.PathKey).
				Where("tgroup = ?", p.model.Group).
				Where("generation = ?", p.casGen).
				Exec(ctx)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				log.Warnf("file cache row %q (group %d) changed underneath, dropping buffered update", p.model.PathKey, p.model.Group)
			}
		}
		return nil
	})
}

// ClearFileCache deletes all rows of one backup group. Runs before a full
// backup so every directory is re-enumerated.
func (dao *ClientDAO) ClearFileCache(ctx context.Context, tgroup int) error {
	if err := dao.FlushFiles(ctx); err != nil {
		return err
	}
	_, err := dao.NewDelete().
		Model((*FileCacheModel)(nil)).
		Where("tgroup = ?", tgroup).
		Exec(ctx)
	return err
}

// RemoveDeletedDir drops the cache row of a directory reported gone.
func (dao *ClientDAO) RemoveDeletedDir(ctx context.Context, pathKey string, tgroup int) error {
	_, err := dao.NewDelete().
		Model((*FileCacheModel)(nil)).
		Where("path_key = ?", pathKey).
		Where("tgroup = ?", tgroup).
		Exec(ctx)
	return err
}

// --- Changed / deleted directory tables ---

// AddChangedDir records a directory the watcher saw modified.
func (dao *ClientDAO) AddChangedDir(ctx context.Context, vol, path string) error {
	_, err := dao.NewInsert().
		Model(&ChangedDirModel{Vol: vol, Path: path}).
		Exec(ctx)
	return err
}

// ChangedDirs returns the changed directories of a volume, sorted. With
// consume the rows are deleted in the same transaction as the read, so they
// are gone once the call returns; a run that fails afterwards does not see
// them again.
func (dao *ClientDAO) ChangedDirs(ctx context.Context, vol string, consume bool) ([]string, error) {
	var paths []string
	err := dao.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model((*ChangedDirModel)(nil)).
			Column("path").
			Where("vol = ?", vol).
			Order("path").
			Scan(ctx, &paths)
		if err != nil {
			return err
		}
		if consume {
			_, err = tx.NewDelete().
				Model((*ChangedDirModel)(nil)).
				Where("vol = ?", vol).
				Exec(ctx)
		}
		return err
	})
	return paths, err
}

// AddDeletedDir records a directory the watcher saw removed.
func (dao *ClientDAO) AddDeletedDir(ctx context.Context, vol, path string) error {
	_, err := dao.NewInsert().
		Model(&DeletedDirModel{Vol: vol, Path: path}).
		Exec(ctx)
	return err
}

// DeletedDirs returns (and with consume, removes) the deleted directories of
// a volume, sorted.
func (dao *ClientDAO) DeletedDirs(ctx context.Context, vol string, consume bool) ([]string, error) {
	var paths []string
	err := dao.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model((*DeletedDirModel)(nil)).
			Column("path").
			Where("vol = ?", vol).
			Order("path").
			Scan(ctx, &paths)
		if err != nil {
			return err
		}
		if consume {
			_, err = tx.NewDelete().
				Model((*DeletedDirModel)(nil)).
				Where("vol = ?", vol).
				Exec(ctx)
		}
		return err
	})
	return paths, err
}
