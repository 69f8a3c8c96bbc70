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

package common

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrExists             = errors.New("already exists")
	ErrGenerationMismatch = errors.New("generation mismatch")
	ErrInUse              = errors.New("in use")
	ErrStopped            = errors.New("stopped indexing")
	ErrSnapshotRequired   = errors.New("snapshot required but unavailable")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrMagicMismatch      = errors.New("bitmap magic mismatch")
	ErrInvalidPath        = errors.New("invalid path")
)
