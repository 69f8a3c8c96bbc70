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

package cbt

import (
	"errors"
	"sync"
)

// ErrNotSupported is returned by trackers on platforms without a change
// block tracking driver. CBT degrades to full reads there.
var ErrNotSupported = errors.New("change block tracking not supported")

// Tracker is the narrow capability interface over the platform's tracking
// driver. Volume arguments are the mount paths of the tracked volume or of
// a snapshot of it.
type Tracker interface {
	// Active reports whether tracking is running on the volume.
	Active(vol string) bool
	// ResetStart begins a tracking reset cycle.
	ResetStart(vol string) error
	// Retrieve returns the current magic-tagged bitmap of the volume.
	Retrieve(vol string) (*VolumeBitmap, error)
	// ApplyBitmap ORs a bitmap back into the volume's tracked state.
	ApplyBitmap(vol string, bm *VolumeBitmap) error
	// ResetFinish rearms tracking after a successful finish.
	ResetFinish(vol string) error
	// MarkAll marks every block of the volume changed.
	MarkAll(vol string) error
}

// NoneTracker is the implementation for platforms without a driver.
type NoneTracker struct{}

func (NoneTracker) Active(string) bool                        { return false }
func (NoneTracker) ResetStart(string) error                   { return ErrNotSupported }
func (NoneTracker) Retrieve(string) (*VolumeBitmap, error)    { return nil, ErrNotSupported }
func (NoneTracker) ApplyBitmap(string, *VolumeBitmap) error   { return ErrNotSupported }
func (NoneTracker) ResetFinish(string) error                  { return ErrNotSupported }
func (NoneTracker) MarkAll(string) error                      { return ErrNotSupported }

// MemTracker is an in-memory tracker used by tests. Volumes must be
// registered with a block count before use.
type MemTracker struct {
	mu      sync.Mutex
	volumes map[string]*memVolume
}

type memVolume struct {
	bitmap  *VolumeBitmap
	rearmed bool
}

// NewMemTracker returns an empty in-memory tracker.
func NewMemTracker() *MemTracker {
	return &MemTracker{volumes: make(map[string]*memVolume)}
}

// AddVolume registers a tracked volume covering numBlocks blocks.
func (t *MemTracker) AddVolume(vol string, numBlocks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volumes[vol] = &memVolume{bitmap: NewVolumeBitmap(numBlocks, DefaultSectorSize)}
}

// SetChanged marks a block changed, as the driver would on a write.
func (t *MemTracker) SetChanged(vol string, block int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.volumes[vol]; ok {
		v.bitmap.SetBlock(block)
		v.rearmed = false
	}
}

// Rearmed reports whether ResetFinish ran since the last change.
func (t *MemTracker) Rearmed(vol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.volumes[vol]
	return ok && v.rearmed
}

func (t *MemTracker) Active(vol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.volumes[vol]
	return ok
}

func (t *MemTracker) ResetStart(vol string) error {
	return t.withVolume(vol, func(v *memVolume) { v.rearmed = false })
}

func (t *MemTracker) Retrieve(vol string) (*VolumeBitmap, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.volumes[vol]
	if !ok {
		return nil, ErrNotSupported
	}
	return v.bitmap.Clone(), nil
}

func (t *MemTracker) ApplyBitmap(vol string, bm *VolumeBitmap) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.volumes[vol]
	if !ok {
		return ErrNotSupported
	}
	return v.bitmap.Merge(bm)
}

func (t *MemTracker) ResetFinish(vol string) error {
	return t.withVolume(vol, func(v *memVolume) {
		v.bitmap = NewVolumeBitmap(v.bitmap.NumBlocks(), v.bitmap.SectorSize)
		v.rearmed = true
	})
}

func (t *MemTracker) MarkAll(vol string) error {
	return t.withVolume(vol, func(v *memVolume) {
		for i := 0; i < v.bitmap.NumBlocks(); i++ {
			v.bitmap.SetBlock(i)
		}
	})
}

func (t *MemTracker) withVolume(vol string, fn func(*memVolume)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.volumes[vol]
	if !ok {
		return ErrNotSupported
	}
	fn(v)
	return nil
}
