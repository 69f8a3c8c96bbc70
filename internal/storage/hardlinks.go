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
	"time"

	"github.com/uptrace/bun"
)

// Hard-link buffer thresholds. Resets and inserts are buffered together;
// the flush transaction deletes reset keys first, then inserts edges, so a
// reset-then-repopulate of the same key within one buffer window lands in
// the right order.
const (
	linkBufferMaxEntries = 10000
	linkBufferMaxAgeSecs = 120
)

// HardlinkExists reports whether any edge is stored for (vol, high, low).
func (dao *ClientDAO) HardlinkExists(ctx context.Context, vol string, frnHigh, frnLow int64) (bool, error) {
	// Pending buffer state takes precedence over storage.
	dao.linkBufMu.Lock()
	for i := len(dao.linkInserts) - 1; i >= 0; i-- {
		e := &dao.linkInserts[i]
		if e.Vol == vol && e.FrnHigh == frnHigh && e.FrnLow == frnLow {
			dao.linkBufMu.Unlock()
			return true, nil
		}
	}
	for _, k := range dao.linkResets {
		if k.vol == vol && k.frnHigh == frnHigh && k.frnLow == frnLow {
			dao.linkBufMu.Unlock()
			return false, nil
		}
	}
	dao.linkBufMu.Unlock()

	return dao.NewSelect().
		Model((*HardlinkModel)(nil)).
		Where("vol = ?", vol).
		Where("frn_high = ?", frnHigh).
		Where("frn_low = ?", frnLow).
		Exists(ctx)
}

// HardlinkParents returns the stored parent reference numbers of a file key.
func (dao *ClientDAO) HardlinkParents(ctx context.Context, vol string, frnHigh, frnLow int64) ([][2]int64, error) {
	var models []HardlinkModel
	err := dao.NewSelect().
		Model(&models).
		Where("vol = ?", vol).
		Where("frn_high = ?", frnHigh).
		Where("frn_low = ?", frnLow).
		Order("parent_high", "parent_low").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	parents := make([][2]int64, len(models))
	for i, m := range models {
		parents[i] = [2]int64{m.ParentHigh, m.ParentLow}
	}
	return parents, nil
}

// ResetHardlink buffers the removal of all edges of a file key, so the key
// can be repopulated from a fresh link enumeration.
func (dao *ClientDAO) ResetHardlink(ctx context.Context, vol string, frnHigh, frnLow int64) error {
	dao.linkBufMu.Lock()
	dao.linkResets = append(dao.linkResets, linkKey{vol: vol, frnHigh: frnHigh, frnLow: frnLow})
	// Pending inserts for the same key are superseded by the reset.
	kept := dao.linkInserts[:0]
	for _, e := range dao.linkInserts {
		if !(e.Vol == vol && e.FrnHigh == frnHigh && e.FrnLow == frnLow) {
			kept = append(kept, e)
		}
	}
	dao.linkInserts = kept
	flush := dao.linkBufferFullLocked()
	dao.linkBufMu.Unlock()

	if flush {
		return dao.FlushHardlinks(ctx)
	}
	return nil
}

// AddHardlink buffers one edge (vol, file-ref) -> parent-ref.
func (dao *ClientDAO) AddHardlink(ctx context.Context, vol string, frnHigh, frnLow, parentHigh, parentLow int64) error {
	dao.linkBufMu.Lock()
	dao.linkInserts = append(dao.linkInserts, HardlinkModel{
		Vol:        vol,
		FrnHigh:    frnHigh,
		FrnLow:     frnLow,
		ParentHigh: parentHigh,
		ParentLow:  parentLow,
	})
	flush := dao.linkBufferFullLocked()
	dao.linkBufMu.Unlock()

	if flush {
		return dao.FlushHardlinks(ctx)
	}
	return nil
}

func (dao *ClientDAO) linkBufferFullLocked() bool {
	return len(dao.linkResets)+len(dao.linkInserts) > linkBufferMaxEntries ||
		time.Since(dao.linkBufSince) > linkBufferMaxAgeSecs*time.Second
}

// FlushHardlinks writes the buffered resets and inserts in one transaction,
// resets first.
func (dao *ClientDAO) FlushHardlinks(ctx context.Context) error {
	dao.linkBufMu.Lock()
	resets := dao.linkResets
	inserts := dao.linkInserts
	dao.linkResets = nil
	dao.linkInserts = nil
	dao.linkBufSince = time.Now()
	dao.linkBufMu.Unlock()

	if len(resets) == 0 && len(inserts) == 0 {
		return nil
	}

	return dao.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, k := range resets {
			_, err := tx.NewDelete().
				Model((*HardlinkModel)(nil)).
				Where("vol = ?", k.vol).
				Where("frn_high = ?", k.frnHigh).
				Where("frn_low = ?", k.frnLow).
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		for i := range inserts {
			_, err := tx.NewInsert().
				Model(&inserts[i]).
				On("CONFLICT DO NOTHING").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
