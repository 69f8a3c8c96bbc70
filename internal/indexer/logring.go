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

package indexer

import (
	"fmt"
	"sync"
	"time"
)

// LogRing is the bounded in-memory warning log the server consumes via the
// get_log request. It is decoupled from operation results: a root can
// succeed while warnings accumulate here.
type LogRing struct {
	mu      sync.Mutex
	max     int
	entries []LogEntry
}

// LogEntry is one consumable warning.
type LogEntry struct {
	Time    time.Time
	Message string
}

// NewLogRing creates a ring holding at most max entries.
func NewLogRing(max int) *LogRing {
	return &LogRing{max: max}
}

// Addf formats and appends an entry, dropping the oldest past capacity.
func (r *LogRing) Addf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, LogEntry{
		Time:    time.Now(),
		Message: fmt.Sprintf(format, args...),
	})
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

// Drain returns and clears all entries.
func (r *LogRing) Drain() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.entries
	r.entries = nil
	return entries
}
