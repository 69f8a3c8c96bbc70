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
	"github.com/uptrace/bun"
)

// Bun ORM models for the client index database tables.

// MiscModel represents the misc key/value table
type MiscModel struct {
	bun.BaseModel `bun:"table:misc"`

	Key   string `bun:"tkey,pk"`
	Value string `bun:"tvalue,notnull"`
}

// BackupRootModel represents the backup_roots table
type BackupRootModel struct {
	bun.BaseModel `bun:"table:backup_roots"`

	ID                 int64  `bun:"id,pk,autoincrement"`
	Name               string `bun:"name,notnull"`
	Path               string `bun:"path,notnull"`
	ServerDefault      int64  `bun:"server_default,notnull"`
	Flags              int64  `bun:"flags,notnull"`
	Group              int64  `bun:"tgroup,notnull"`
	Symlinked          int64  `bun:"symlinked,notnull"`
	SymlinkedConfirmed int64  `bun:"symlinked_confirmed,notnull"`
	ResetKeep          int64  `bun:"reset_keep,notnull"`
}

// ToBackupRoot converts a BackupRootModel to the domain BackupRoot struct
func (m *BackupRootModel) ToBackupRoot() BackupRoot {
	return BackupRoot{
		ID:                 m.ID,
		Name:               m.Name,
		Path:               m.Path,
		ServerDefault:      m.ServerDefault != 0,
		Flags:              RootFlag(m.Flags),
		Group:              int(m.Group),
		Symlinked:          m.Symlinked != 0,
		SymlinkedConfirmed: m.SymlinkedConfirmed != 0,
		ResetKeep:          m.ResetKeep != 0,
	}
}

// BackupRootModelFrom converts a domain BackupRoot to its model
func BackupRootModelFrom(r BackupRoot) *BackupRootModel {
	return &BackupRootModel{
		ID:                 r.ID,
		Name:               r.Name,
		Path:               r.Path,
		ServerDefault:      boolToInt(r.ServerDefault),
		Flags:              int64(r.Flags),
		Group:              int64(r.Group),
		Symlinked:          boolToInt(r.Symlinked),
		SymlinkedConfirmed: boolToInt(r.SymlinkedConfirmed),
		ResetKeep:          boolToInt(r.ResetKeep),
	}
}

// FileCacheModel represents the file_cache table. The files column holds the
// JSON-encoded []FileAndHash of one directory.
type FileCacheModel struct {
	bun.BaseModel `bun:"table:file_cache"`

	PathKey    string `bun:"path_key,pk"`
	Group      int64  `bun:"tgroup,pk"`
	Generation int64  `bun:"generation,notnull"`
	Files      []byte `bun:"files,notnull"`
}

// ChangedDirModel represents the changed_dirs table
type ChangedDirModel struct {
	bun.BaseModel `bun:"table:changed_dirs"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Vol  string `bun:"vol,notnull"`
	Path string `bun:"path,notnull"`
}

// DeletedDirModel represents the deleted_dirs table
type DeletedDirModel struct {
	bun.BaseModel `bun:"table:deleted_dirs"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Vol  string `bun:"vol,notnull"`
	Path string `bun:"path,notnull"`
}

// HardlinkModel represents one edge of the hard-link graph
type HardlinkModel struct {
	bun.BaseModel `bun:"table:hardlinks"`

	Vol        string `bun:"vol,pk"`
	FrnHigh    int64  `bun:"frn_high,pk"`
	FrnLow     int64  `bun:"frn_low,pk"`
	ParentHigh int64  `bun:"parent_high,pk"`
	ParentLow  int64  `bun:"parent_low,pk"`
}

// ShadowcopyModel represents a persisted snapshot reference
type ShadowcopyModel struct {
	bun.BaseModel `bun:"table:shadowcopies"`

	ID             int64  `bun:"id,pk,autoincrement"`
	SsetID         string `bun:"ssetid,notnull"`
	Target         string `bun:"target,notnull"`
	Path           string `bun:"path,notnull"`
	Name           string `bun:"tname,notnull"`
	OrigTarget     string `bun:"orig_target,notnull"`
	Fileserv       int64  `bun:"filesrv,notnull"`
	Vol            string `bun:"vol,notnull"`
	StartTime      int64  `bun:"starttime,notnull"` // Unix timestamp
	Refs           int64  `bun:"refs,notnull"`
	StartToken     string `bun:"starttoken,notnull"`
	ClientSubname  string `bun:"clientsubname,notnull"`
	ForImageBackup int64  `bun:"for_imagebackup,notnull"`
}

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
