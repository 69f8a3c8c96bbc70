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

import "snapindex/internal/storage"

// Action tags a controller message.
type Action string

const (
	ActionStartFullFileBackup Action = "start_full_file_backup"
	ActionStartIncrFileBackup Action = "start_incr_file_backup"
	ActionCreateShadowcopy    Action = "create_shadowcopy"
	ActionReferenceShadowcopy Action = "reference_shadowcopy"
	ActionReleaseShadowcopy   Action = "release_shadowcopy"
	ActionPing                Action = "ping"
	ActionUpdateCbt           Action = "update_cbt"
	ActionSnapshotCbt         Action = "snapshot_cbt"
	ActionGetLog              Action = "get_log"
	ActionStop                Action = "stop"
)

// Reply words on the contractor pipe.
const (
	ReplyDone         = "done"
	ReplyPhash        = "phash"
	ReplyNoBackupDirs = "no backup dirs"
	ReplyFailed       = "failed"
	ReplyInUse        = "in use"
)

// Message is one controller request. The controller runs one message to
// completion before dequeuing the next; Reply receives exactly one reply
// word.
type Message struct {
	Action Action

	// Backup parameters
	StartToken    string
	Group         int
	Flags         storage.RootFlag
	ClientSubname string
	HashAlgo      HashAlgo
	RunningJobs   int
	Async         bool
	AsyncTicket   string

	// Shadowcopy parameters
	LogicalDir  string
	ImageBackup bool
	Fileserv    bool
	SaveID      int64
	Issues      int

	Reply chan string
}

// Request enqueues msg and waits for its reply word.
func (idx *Indexer) Request(msg Message) string {
	msg.Reply = make(chan string, 1)
	idx.msgs <- msg
	return <-msg.Reply
}

// Enqueue submits msg without waiting. A nil Reply channel is allowed.
func (idx *Indexer) Enqueue(msg Message) {
	idx.msgs <- msg
}
