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

// Package pagetrack records per-frame write-protection reasons. The MMU
// consults it when deciding whether a frame may be shadowed writable or
// mapped as part of a large page.
package pagetrack

import (
	"vmrun.dev/vmrun/pkg/hostarch"
	"vmrun.dev/vmrun/pkg/svm/memslot"
)

// Protector downgrades existing translations when a frame becomes tracked.
// The MMU implements it.
type Protector interface {
	// WriteProtect removes write permission from every shadow entry
	// mapping the frame. It returns true if a writable translation was
	// downgraded, in which case guest TLBs must be flushed.
	WriteProtect(slot *memslot.Slot, gfn hostarch.GFN) bool
}

// Tracker maintains the per-slot tracking counters.
//
// All methods require the VM's MMU lock.
type Tracker struct {
	protector Protector
}

// New returns a Tracker that downgrades translations through p.
func New(p Protector) *Tracker {
	return &Tracker{protector: p}
}

// AddPage registers one tracking reason for the frame. The first write
// tracker forces existing translations read-only and disallows large
// mappings over the frame. It returns true if a writable translation was
// downgraded; the caller must then flush guest TLBs.
func (t *Tracker) AddPage(slot *memslot.Slot, gfn hostarch.GFN, mode memslot.TrackMode) bool {
	count := &slot.Arch.GfnTrack[mode][gfn-slot.BaseGFN]
	if *count == ^uint16(0) {
		panic("pagetrack: tracking count overflow")
	}
	*count++
	if mode != memslot.TrackWrite || *count != 1 {
		return false
	}
	for level := hostarch.PageTableLevel + 1; level <= hostarch.MaxPageLevel; level++ {
		disallow := slot.Arch.DisallowLpageAt(slot.BaseGFN, gfn, level)
		*disallow++
	}
	if t.protector == nil {
		return false
	}
	return t.protector.WriteProtect(slot, gfn)
}

// RemovePage drops one tracking reason for the frame.
func (t *Tracker) RemovePage(slot *memslot.Slot, gfn hostarch.GFN, mode memslot.TrackMode) {
	count := &slot.Arch.GfnTrack[mode][gfn-slot.BaseGFN]
	if *count == 0 {
		panic("pagetrack: tracking count underflow")
	}
	*count--
	if mode != memslot.TrackWrite || *count != 0 {
		return
	}
	for level := hostarch.PageTableLevel + 1; level <= hostarch.MaxPageLevel; level++ {
		disallow := slot.Arch.DisallowLpageAt(slot.BaseGFN, gfn, level)
		*disallow--
	}
}

// IsTracked returns true if the frame has at least one tracking reason of
// the given mode.
func IsTracked(slot *memslot.Slot, gfn hostarch.GFN, mode memslot.TrackMode) bool {
	if slot == nil || !slot.Contains(gfn) {
		return false
	}
	return slot.Arch.GfnTrack[mode][gfn-slot.BaseGFN] != 0
}
