// Copyright 2024 The vmrun Authors.
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

package memslot

import (
	"sort"
	"sync"
	"sync/atomic"

	"vmrun.dev/vmrun/pkg/hostarch"
)

// Snapshot is one immutable generation of the registry: a dense array of
// slots sorted by base frame descending, an id-to-index table, and a search
// hint. Snapshots are never mutated after publication; mutations copy.
type Snapshot struct {
	// generation strictly increases on every publication.
	generation uint64

	// slots[:used] are the active slots, sorted by BaseGFN descending.
	slots [MemSlotsNum]Slot

	// idToIndex maps a slot id to its index in slots, or -1.
	idToIndex [MemSlotsNum]int16

	// used is the number of active slots.
	used int

	// lruSlot is a search hint: the index that last satisfied Lookup.
	lruSlot atomic.Int32

	// refs counts acquired references, plus one held by the registry
	// while the snapshot is the published one, plus one held by the
	// predecessor generation until it retires.
	refs atomic.Int64

	// next is the successor generation. Holding it until this snapshot
	// retires orders retirement by generation: a snapshot's drain hook
	// cannot run while any older snapshot is still referenced.
	next *Snapshot

	// drain runs once after the last reference is dropped.
	drain     func(*Snapshot)
	drainOnce sync.Once
}

func newSnapshot() *Snapshot {
	s := &Snapshot{}
	for i := range s.idToIndex {
		s.idToIndex[i] = -1
	}
	return s
}

// Generation returns the snapshot's generation number.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Used returns the number of active slots.
func (s *Snapshot) Used() int {
	return s.used
}

// Lookup resolves a guest frame to its slot. Slots marked invalid are
// excluded. The returned slot shares the snapshot's lifetime: it must not be
// used after the snapshot is released.
func (s *Snapshot) Lookup(gfn hostarch.GFN) (*Slot, bool) {
	slot := s.Find(gfn)
	if slot == nil || slot.Invalid() {
		return nil, false
	}
	return slot, true
}

// Find resolves a guest frame to its slot, including slots marked invalid
// that are still draining. Internal callers use it to reach reverse-mapping
// state during the grace window.
func (s *Snapshot) Find(gfn hostarch.GFN) *Slot {
	if s.used == 0 {
		return nil
	}

	// Fast path: the hint from the previous lookup.
	if hint := int(s.lruSlot.Load()); hint >= 0 && hint < s.used {
		if slot := &s.slots[hint]; slot.Contains(gfn) {
			return slot
		}
	}

	// Slots are sorted by BaseGFN descending: find the first slot whose
	// base does not exceed gfn.
	i := sort.Search(s.used, func(i int) bool {
		return s.slots[i].BaseGFN <= gfn
	})
	if i == s.used || !s.slots[i].Contains(gfn) {
		return nil
	}
	s.lruSlot.Store(int32(i))
	return &s.slots[i]
}

// ByID returns the slot with the given id, including invalid ones, or nil.
func (s *Snapshot) ByID(id int16) *Slot {
	if id < 0 || int(id) >= MemSlotsNum {
		return nil
	}
	idx := s.idToIndex[id]
	if idx < 0 {
		return nil
	}
	return &s.slots[idx]
}

// Range calls fn for each active slot until fn returns false.
func (s *Snapshot) Range(fn func(slot *Slot) bool) {
	for i := 0; i < s.used; i++ {
		if !fn(&s.slots[i]) {
			return
		}
	}
}

// copyWith builds the successor snapshot: the current active slots with the
// given slot replaced (matched by id), inserted, or removed when remove is
// set. The generation is not assigned here; publish does that.
func (s *Snapshot) copyWith(slot Slot, remove bool) *Snapshot {
	n := newSnapshot()
	out := 0
	for i := 0; i < s.used; i++ {
		if s.slots[i].ID == slot.ID {
			continue
		}
		n.slots[out] = s.slots[i]
		out++
	}
	if !remove {
		n.slots[out] = slot
		out++
	}
	sort.SliceStable(n.slots[:out], func(i, j int) bool {
		return n.slots[i].BaseGFN > n.slots[j].BaseGFN
	})
	n.used = out
	for i := 0; i < out; i++ {
		n.idToIndex[n.slots[i].ID] = int16(i)
	}
	return n
}

// unref drops one reference. The last reference retires the snapshot:
// the drain hook runs and the successor is released in turn. Retirement
// runs on its own goroutine because the final reference may be dropped
// from arbitrary contexts, including under the VM's MMU lock, and drain
// hooks tear translations down through that same lock.
func (s *Snapshot) unref() {
	n := s.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("memslot: snapshot reference count underflow")
	}
	s.drainOnce.Do(func() {
		if s.drain == nil && s.next == nil {
			return
		}
		go func() {
			if s.drain != nil {
				s.drain(s)
			}
			if s.next != nil {
				s.next.unref()
			}
		}()
	})
}
