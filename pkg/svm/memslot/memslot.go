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

// Package memslot implements the per-VM registry mapping guest physical
// frame ranges to host virtual memory.
//
// The registry publishes immutable, generation-numbered snapshots. Lookups
// acquire a snapshot without blocking and operate on it for the duration of
// a translation; mutations build a new snapshot and publish it atomically,
// deferring reclamation of the old one until its readers drain.
package memslot

import (
	"sync/atomic"

	"vmrun.dev/vmrun/pkg/hostarch"
)

// Slot capacities. A small number of slots above the user-visible range are
// reserved for internal pages that are never exposed to the controlling
// process.
const (
	// UserMemSlots is the number of slots available to the controlling
	// process.
	UserMemSlots = 509

	// PrivateMemSlots is the number of internal slots.
	PrivateMemSlots = 3

	// MemSlotsNum is the registry capacity.
	MemSlotsNum = UserMemSlots + PrivateMemSlots

	// AddressSpaceNum is the number of independent address spaces per VM
	// (normal and the SMM-like secondary space).
	AddressSpaceNum = 2

	// SMMAddressSpace is the secondary address space, used while a
	// virtual CPU runs in system management mode.
	SMMAddressSpace = 1

	// MaxPagesPerSlot bounds a single slot's page count so that bitmap
	// arithmetic never overflows.
	MaxPagesPerSlot = 1<<31 - 1
)

// Private slot ids.
const (
	TSSSlot        = UserMemSlots + 0
	APICAccessSlot = UserMemSlots + 1
	IdentityPTSlot = UserMemSlots + 2
)

// Slot flags. Bits 16 and up are internal and never visible to the
// controlling process.
const (
	// FlagLogDirtyPages enables the per-page dirty bitmap.
	FlagLogDirtyPages uint32 = 1 << 0

	// FlagReadOnly marks the slot read-only for the guest.
	FlagReadOnly uint32 = 1 << 1

	// flagInvalid excludes the slot from translation lookups while its
	// reverse mappings drain. Internal.
	flagInvalid uint32 = 1 << 16

	// userFlagsMask covers the flags a controlling process may set.
	userFlagsMask = FlagLogDirtyPages | FlagReadOnly
)

// TrackMode identifies a page-tracking reason recorded per guest frame.
type TrackMode int

// Track modes.
const (
	// TrackWrite write-protects the frame so that shadowing can observe
	// guest page-table mutations.
	TrackWrite TrackMode = iota

	// NrTrackModes is the number of tracking reasons.
	NrTrackModes
)

// Slot describes one guest-physical frame range and its backing.
//
// The exported fields are the only state visible across the control
// boundary. Arch and the dirty bitmap are internal: they are shared between
// snapshot generations for the same slot id and are mutated only under the
// VM's MMU lock (Arch) or with atomics (dirty bitmap).
type Slot struct {
	// ID is the slot id; stable for the lifetime of the slot.
	ID int16

	// BaseGFN is the first guest frame covered.
	BaseGFN hostarch.GFN

	// NPages is the number of 4K pages covered.
	NPages uint64

	// UserspaceAddr is the host virtual address backing BaseGFN.
	UserspaceAddr hostarch.Addr

	// Flags holds Flag* bits.
	Flags uint32

	// Arch holds the MMU-facing per-slot structures.
	Arch *ArchData

	// dirtyBitmap has one bit per page when FlagLogDirtyPages is set.
	dirtyBitmap []uint64
}

// Invalid returns true if the slot is excluded from translation lookups.
func (s *Slot) Invalid() bool {
	return s.Flags&flagInvalid != 0
}

// End returns the first frame past the slot.
func (s *Slot) End() hostarch.GFN {
	return s.BaseGFN.Add(s.NPages)
}

// Contains returns true if the frame falls inside the slot.
func (s *Slot) Contains(gfn hostarch.GFN) bool {
	return gfn >= s.BaseGFN && gfn < s.End()
}

// HVA returns the host virtual address backing the given frame.
//
// Precondition: s.Contains(gfn).
func (s *Slot) HVA(gfn hostarch.GFN) hostarch.Addr {
	return s.UserspaceAddr + hostarch.Addr(uint64(gfn-s.BaseGFN)<<hostarch.PageShift)
}

// LogDirtyPages returns true if the slot maintains a dirty bitmap.
func (s *Slot) LogDirtyPages() bool {
	return s.Flags&FlagLogDirtyPages != 0
}

// MarkDirty records a write to the given frame in the dirty bitmap, if one
// is maintained.
func (s *Slot) MarkDirty(gfn hostarch.GFN) {
	if s.dirtyBitmap == nil || !s.Contains(gfn) {
		return
	}
	rel := uint64(gfn - s.BaseGFN)
	atomic.OrUint64(&s.dirtyBitmap[rel/64], uint64(1)<<(rel%64))
}

// ArchData holds the MMU-facing structures of a slot: reverse-mapping heads,
// large-page disallow counters and page-tracking counts.
//
// All fields are indexed relative to the slot base and sized at slot
// creation. Mutation requires the VM's MMU lock.
type ArchData struct {
	// Rmap[l-1][i] heads the reverse-map chain of the i'th level-l
	// mapping within the slot.
	Rmap [hostarch.NrPageSizes][]RmapHead

	// DisallowLpage[l-2][i] counts the reasons the i'th level-l mapping
	// may not be installed as a large page. Zero means allowed.
	DisallowLpage [hostarch.NrPageSizes - 1][]int32

	// GfnTrack[mode][i] counts tracking registrations for frame i.
	GfnTrack [NrTrackModes][]uint16
}

// lpageIndex returns the index of the level-sized mapping containing gfn,
// relative to the slot base.
func lpageIndex(gfn, base hostarch.GFN, level int) uint64 {
	return (uint64(gfn) >> (hostarch.LevelShift(level) - hostarch.PageShift)) -
		(uint64(base) >> (hostarch.LevelShift(level) - hostarch.PageShift))
}

// newArchData sizes the per-slot arrays for the given range. Large mappings
// that the slot only partially covers are permanently disallowed.
func newArchData(base hostarch.GFN, npages uint64) *ArchData {
	a := &ArchData{}
	last := base.Add(npages - 1)
	for level := hostarch.PageTableLevel; level <= hostarch.MaxPageLevel; level++ {
		lpages := lpageIndex(last, base, level) + 1
		a.Rmap[level-1] = make([]RmapHead, lpages)
		if level == hostarch.PageTableLevel {
			continue
		}
		disallow := make([]int32, lpages)
		per := hostarch.PagesPerLevel(level)
		if uint64(base)%per != 0 {
			disallow[0]++
		}
		if uint64(base.Add(npages))%per != 0 &&
			(lpages > 1 || uint64(base)%per == 0) {
			disallow[lpages-1]++
		}
		a.DisallowLpage[level-2] = disallow
	}
	for mode := TrackMode(0); mode < NrTrackModes; mode++ {
		a.GfnTrack[mode] = make([]uint16, npages)
	}
	return a
}

// RmapAt returns the reverse-map head for the level-sized mapping containing
// gfn.
//
// Precondition: the slot containing this ArchData contains gfn, and the
// caller holds the MMU lock.
func (a *ArchData) RmapAt(base, gfn hostarch.GFN, level int) *RmapHead {
	return &a.Rmap[level-1][lpageIndex(gfn, base, level)]
}

// DisallowLpageAt returns a pointer to the disallow counter for the
// level-sized mapping containing gfn. Level must be above PageTableLevel.
func (a *ArchData) DisallowLpageAt(base, gfn hostarch.GFN, level int) *int32 {
	return &a.DisallowLpage[level-2][lpageIndex(gfn, base, level)]
}

// RmapHead is the head of one reverse-mapping chain. Values are opaque
// references encoding the location of a shadow page-table entry; the
// registry never interprets them.
//
// Mutation requires the VM's MMU lock.
type RmapHead struct {
	refs []uint64
}

// Add appends a reference.
func (h *RmapHead) Add(ref uint64) {
	h.refs = append(h.refs, ref)
}

// Remove deletes a reference if present.
func (h *RmapHead) Remove(ref uint64) {
	for i, r := range h.refs {
		if r == ref {
			h.refs[i] = h.refs[len(h.refs)-1]
			h.refs = h.refs[:len(h.refs)-1]
			return
		}
	}
}

// Range calls fn for each reference until fn returns false. fn must not
// mutate the head.
func (h *RmapHead) Range(fn func(ref uint64) bool) {
	for _, r := range h.refs {
		if !fn(r) {
			return
		}
	}
}

// Empty returns true if no references remain.
func (h *RmapHead) Empty() bool {
	return len(h.refs) == 0
}

// Clear drops all references and returns those dropped.
func (h *RmapHead) Clear() []uint64 {
	refs := h.refs
	h.refs = nil
	return refs
}
