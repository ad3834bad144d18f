//
// Copyright 2019-2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package seccomp

import (
	"sync"
)

// The tidTracker helps serialize the interception of trace verdicts per
// thread, so that only one event is outstanding per thread-id at any given
// time.

type tidTracker struct {
	mu       sync.RWMutex
	tidTable map[uint32]*tidData
}

type tidData struct {
	refcnt int
	mu     sync.Mutex
}

func newTidTracker() *tidTracker {
	return &tidTracker{
		tidTable: make(map[uint32]*tidData),
	}
}

// Adds the given tid to the tracker's table and returns its entry.
func (t *tidTracker) track(tid uint32) *tidData {
	t.mu.Lock()
	defer t.mu.Unlock()

	td, ok := t.tidTable[tid]
	if !ok {
		td = &tidData{}
		t.tidTable[tid] = td
	}
	td.refcnt++

	return td
}

// Drops a reference to the given tid; the entry goes away with the last one.
func (t *tidTracker) untrack(tid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	td, ok := t.tidTable[tid]
	if !ok {
		return
	}

	td.refcnt--
	if td.refcnt <= 0 {
		delete(t.tidTable, tid)
	}
}

// Requests a lock on the given tid. Blocks if another goroutine has the lock.
func (t *tidTracker) Lock(tid uint32) {
	td := t.track(tid)

	// Grab the per-tid lock
	td.mu.Lock()
}

// Releases the lock on the given tid. Must be called after Lock().
func (t *tidTracker) Unlock(tid uint32) {
	t.mu.RLock()
	td, ok := t.tidTable[tid]
	t.mu.RUnlock()
	if !ok {
		return
	}

	// Release the per-tid lock
	td.mu.Unlock()

	t.untrack(tid)
}

// Number of tids currently tracked.
func (t *tidTracker) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.tidTable)
}
