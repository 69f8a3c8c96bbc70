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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the SQLite busy_timeout for all connections.
const EnvBusyTimeout = "SNAPINDEX_BUSY_TIMEOUT"

// Flush thresholds for the file-cache write buffer. It is flushed as a
// single transaction when its byte size exceeds the threshold or the
// interval has elapsed. The hard-link buffer has its own entry-count and
// age thresholds in hardlinks.go.
const (
	FileBufferMaxBytes   = 4 * 1024 * 1024
	FileBufferMaxAgeSecs = 120
)

// GetBusyTimeout returns the busy_timeout value.
// Priority: env > default.
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for the client database.
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s", path)
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout MUST be set first — journal_mode=WAL needs exclusive
	// access and will wait for locks instead of failing immediately.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// WAL mode with NORMAL sync is safe against process crashes.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}

	return nil
}

// clientSchema holds every table of the client-side index database.
const clientSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Free-form key/value state (last backup times, unfinished-full marker, ...)
CREATE TABLE IF NOT EXISTS misc (
    tkey TEXT PRIMARY KEY,
    tvalue TEXT NOT NULL
);

-- Configured backup roots
CREATE TABLE IF NOT EXISTS backup_roots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    server_default INTEGER NOT NULL DEFAULT 0,
    flags INTEGER NOT NULL DEFAULT 0,
    tgroup INTEGER NOT NULL DEFAULT 0,
    symlinked INTEGER NOT NULL DEFAULT 0,
    symlinked_confirmed INTEGER NOT NULL DEFAULT 0,
    reset_keep INTEGER NOT NULL DEFAULT 0
);

-- Per-directory file listings with an optimistic-concurrency generation
CREATE TABLE IF NOT EXISTS file_cache (
    path_key TEXT NOT NULL,
    tgroup INTEGER NOT NULL DEFAULT 0,
    generation INTEGER NOT NULL DEFAULT 0,
    files BLOB NOT NULL,
    PRIMARY KEY (path_key, tgroup)
);

-- Directories the watcher reported modified since the last backup
CREATE TABLE IF NOT EXISTS changed_dirs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    vol TEXT NOT NULL,
    path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS changed_dirs_vol_idx ON changed_dirs (vol);

-- Directories the watcher reported deleted since the last backup
CREATE TABLE IF NOT EXISTS deleted_dirs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    vol TEXT NOT NULL,
    path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deleted_dirs_vol_idx ON deleted_dirs (vol);

-- Hard-link graph: (volume, file reference number) -> parent reference numbers
CREATE TABLE IF NOT EXISTS hardlinks (
    vol TEXT NOT NULL,
    frn_high INTEGER NOT NULL,
    frn_low INTEGER NOT NULL,
    parent_high INTEGER NOT NULL,
    parent_low INTEGER NOT NULL,
    PRIMARY KEY (vol, frn_high, frn_low, parent_high, parent_low)
);

-- Persisted snapshot references, replayed for cleanup after a crash
CREATE TABLE IF NOT EXISTS shadowcopies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ssetid TEXT NOT NULL,
    target TEXT NOT NULL,
    path TEXT NOT NULL,
    tname TEXT NOT NULL,
    orig_target TEXT NOT NULL,
    filesrv INTEGER NOT NULL DEFAULT 0,
    vol TEXT NOT NULL,
    starttime INTEGER NOT NULL,
    refs INTEGER NOT NULL DEFAULT 0,
    starttoken TEXT NOT NULL DEFAULT '',
    clientsubname TEXT NOT NULL DEFAULT '',
    for_imagebackup INTEGER NOT NULL DEFAULT 0
);
`

// execStatements executes a multi-statement SQL string one statement at a
// time (libsql rejects multi-statement Exec calls).
func execStatements(db *sql.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
