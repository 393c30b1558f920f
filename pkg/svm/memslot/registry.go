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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"vmrun.dev/vmrun/pkg/hostarch"
)

// Mutation errors. All are rejected synchronously with no partial mutation.
var (
	// ErrSlotRange is returned for an out-of-range slot id or page count.
	ErrSlotRange = errors.New("memslot: slot id or size out of range")

	// ErrSlotAlignment is returned for unaligned addresses or sizes.
	ErrSlotAlignment = errors.New("memslot: unaligned region")

	// ErrSlotOverlap is returned when a created or moved slot would
	// overlap an active slot.
	ErrSlotOverlap = errors.New("memslot: frame range overlaps an active slot")

	// ErrSlotNotFound is returned when deleting a nonexistent slot.
	ErrSlotNotFound = errors.New("memslot: no such slot")

	// ErrSlotResize is returned when an update changes an existing
	// slot's page count. Slots are moved or deleted, never resized.
	ErrSlotResize = errors.New("memslot: slot resize not supported")

	// ErrSlotFlags is returned for flags outside the user-settable set.
	ErrSlotFlags = errors.New("memslot: invalid flags")
)

// MemoryRegion is a slot create/delete/move/flags-change request. Size zero
// deletes the slot.
type MemoryRegion struct {
	Slot          int16
	Flags         uint32
	GuestPhysAddr hostarch.GPA
	Size          uint64
	UserspaceAddr hostarch.Addr
}

// ChangeKind classifies the effect of a MemoryRegion update.
type ChangeKind int

// Update kinds.
const (
	ChangeCreate ChangeKind = iota
	ChangeDelete
	ChangeMove
	ChangeFlagsOnly

	// ChangeNone means the request matches the current state; nothing
	// was published.
	ChangeNone
)

// Registry is the authoritative slot table for one address space.
//
// Readers use Acquire; they never block. All mutations must be serialized by
// the VM's slots lock; the registry does not lock internally.
type Registry struct {
	active atomic.Pointer[Snapshot]
}

// NewRegistry returns a registry with an empty generation-zero snapshot.
func NewRegistry() *Registry {
	r := &Registry{}
	s := newSnapshot()
	s.refs.Store(1) // Published reference.
	r.active.Store(s)
	return r
}

// Acquire returns the current snapshot and a release function. The snapshot
// is valid until released; lookups against it are consistent with exactly
// one generation.
func (r *Registry) Acquire() (*Snapshot, func()) {
	for {
		s := r.active.Load()
		s.refs.Add(1)
		if r.active.Load() == s {
			return s, func() { s.unref() }
		}
		// Lost a race with publish; the reference taken above may have
		// briefly resurrected a retired snapshot. Drop it and retry.
		s.unref()
	}
}

// Generation returns the current published generation.
func (r *Registry) Generation() uint64 {
	return r.active.Load().generation
}

// publish installs the snapshot as the active one and retires the previous
// snapshot: its published reference is dropped, and drain runs once every
// outstanding reader releases it. The retired snapshot keeps a reference
// on its successor, so drain hooks fire in generation order and only after
// all readers of every older generation have gone.
//
// Precondition: the caller holds the VM's slots lock.
func (r *Registry) publish(n *Snapshot, drain func(*Snapshot)) *Snapshot {
	old := r.active.Load()
	n.generation = old.generation + 1
	n.refs.Store(2) // The registry's reference plus old's.
	n.drain = nil
	old.drain = drain
	old.next = n
	r.active.Store(n)
	old.unref()
	return n
}

// Update applies a MemoryRegion request. For deletions and moves, flush (if
// non-nil) is invoked twice: once synchronously after the slot has been
// published as invalid and before the final snapshot is installed, to tear
// down cached translations while lookups already miss the slot; and once
// more when the grace period ends, after every reader that acquired a
// pre-deletion snapshot has released it, to sweep translations such readers
// may have installed against the stale slot. The second invocation runs on
// a retirement goroutine, so flush must be safe to call concurrently with
// later registry operations.
//
// Precondition: the caller holds the VM's slots lock.
func (r *Registry) Update(region MemoryRegion, flush func(old *Slot)) (ChangeKind, error) {
	change, slot, err := r.prepare(region)
	if err != nil {
		return change, err
	}
	if change == ChangeNone {
		return ChangeNone, nil
	}

	cur := r.active.Load()
	old := cur.ByID(region.Slot)

	var drain func(*Snapshot)
	if change == ChangeDelete || change == ChangeMove {
		// Two-phase: publish the slot as invalid first, so in-flight
		// and future lookups miss it while reverse mappings drain.
		invalid := *old
		invalid.Flags |= flagInvalid
		cur = r.publish(cur.copyWith(invalid, false), nil)
		if flush != nil {
			flush(cur.ByID(region.Slot))
			// Re-run the teardown once the grace period ends: a
			// fault that resolved the slot before the invalid
			// snapshot went live can install translations after
			// the flush above.
			id := region.Slot
			drain = func(prev *Snapshot) { flush(prev.ByID(id)) }
		}
	}

	n := r.publish(cur.copyWith(slot, change == ChangeDelete), drain)
	logrus.Debugf("memslot: slot %d %s, generation %d",
		region.Slot, [...]string{"created", "deleted", "moved", "flags changed"}[change],
		n.generation)
	return change, nil
}

// prepare validates the request and classifies the change, building the
// replacement slot for everything but deletion.
func (r *Registry) prepare(region MemoryRegion) (ChangeKind, Slot, error) {
	if region.Slot < 0 || int(region.Slot) >= MemSlotsNum {
		return 0, Slot{}, fmt.Errorf("%w: slot %d", ErrSlotRange, region.Slot)
	}
	if region.Flags&^userFlagsMask != 0 {
		return 0, Slot{}, fmt.Errorf("%w: %#x", ErrSlotFlags, region.Flags)
	}
	if !region.GuestPhysAddr.PageAligned() || region.Size&(hostarch.PageSize-1) != 0 {
		return 0, Slot{}, fmt.Errorf("%w: gpa %#x size %#x",
			ErrSlotAlignment, region.GuestPhysAddr, region.Size)
	}
	npages := region.Size >> hostarch.PageShift
	if npages > MaxPagesPerSlot {
		return 0, Slot{}, fmt.Errorf("%w: %d pages", ErrSlotRange, npages)
	}

	cur := r.active.Load()
	old := cur.ByID(region.Slot)

	if npages == 0 {
		if old == nil {
			return ChangeDelete, Slot{}, fmt.Errorf("%w: slot %d", ErrSlotNotFound, region.Slot)
		}
		return ChangeDelete, Slot{ID: region.Slot}, nil
	}
	if !region.UserspaceAddr.PageAligned() {
		return 0, Slot{}, fmt.Errorf("%w: userspace address %#x",
			ErrSlotAlignment, region.UserspaceAddr)
	}

	base := hostarch.GFNOf(region.GuestPhysAddr)
	change := ChangeCreate
	if old != nil {
		switch {
		case old.NPages != npages:
			return 0, Slot{}, fmt.Errorf("%w: slot %d", ErrSlotResize, region.Slot)
		case old.BaseGFN != base:
			change = ChangeMove
		case old.Flags != region.Flags:
			change = ChangeFlagsOnly
		default:
			return ChangeNone, Slot{}, nil
		}
	}

	if change == ChangeCreate || change == ChangeMove {
		var overlap *Slot
		cur.Range(func(s *Slot) bool {
			if s.ID != region.Slot && base < s.End() && s.BaseGFN < base.Add(npages) {
				overlap = s
				return false
			}
			return true
		})
		if overlap != nil {
			return 0, Slot{}, fmt.Errorf("%w: [%#x,%#x) and slot %d",
				ErrSlotOverlap, base, base.Add(npages), overlap.ID)
		}
	}

	slot := Slot{
		ID:            region.Slot,
		BaseGFN:       base,
		NPages:        npages,
		UserspaceAddr: region.UserspaceAddr,
		Flags:         region.Flags,
	}
	switch change {
	case ChangeFlagsOnly:
		// Reuse the existing structures; only the bitmap may toggle.
		slot.Arch = old.Arch
		slot.dirtyBitmap = old.dirtyBitmap
	default:
		// Create and Move size fresh structures against the new base.
		slot.Arch = newArchData(base, npages)
	}
	if slot.LogDirtyPages() && slot.dirtyBitmap == nil {
		slot.dirtyBitmap = make([]uint64, (npages+63)/64)
	} else if !slot.LogDirtyPages() {
		slot.dirtyBitmap = nil
	}
	return change, slot, nil
}

// DirtyLog returns and clears the dirty bitmap of a slot. The returned
// slice is the caller's to keep. Returns ErrSlotNotFound for unknown ids and
// a nil bitmap for slots without dirty logging.
//
// Precondition: the caller holds the VM's slots lock.
func (r *Registry) DirtyLog(id int16) ([]uint64, error) {
	s := r.active.Load().ByID(id)
	if s == nil {
		return nil, fmt.Errorf("%w: slot %d", ErrSlotNotFound, id)
	}
	if s.dirtyBitmap == nil {
		return nil, nil
	}
	out := make([]uint64, len(s.dirtyBitmap))
	for i := range s.dirtyBitmap {
		out[i] = atomic.SwapUint64(&s.dirtyBitmap[i], 0)
	}
	return out, nil
}
