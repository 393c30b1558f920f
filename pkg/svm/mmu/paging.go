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

package mmu

import (
	"encoding/binary"
	"fmt"

	"vmrun.dev/vmrun/pkg/hostarch"
	"vmrun.dev/vmrun/pkg/hostmem"
	"vmrun.dev/vmrun/pkg/svm/memslot"
	"vmrun.dev/vmrun/pkg/svm/pagetrack"
)

// shadowRootLevel is the depth of the host-side translation tree: four
// levels resolving a 48-bit guest physical space.
const shadowRootLevel = 4

// base carries the state and the guest-physical-to-host-physical resolution
// shared by both paging modes.
type base struct {
	inv          *Inventory
	registry     *memslot.Registry
	backing      *hostmem.Backing
	addressSpace int

	root    *ShadowPage
	rootHPA hostarch.HPA

	// rootLevel is the guest paging depth; shadowLevel the host-side
	// depth. Zero means uninitialized.
	rootLevel   int
	shadowLevel int

	permissions [16]uint8
}

func newBase(opts Opts) base {
	return base{
		inv:          opts.Inventory,
		registry:     opts.Registry,
		backing:      opts.Backing,
		addressSpace: opts.AddressSpace,
		rootHPA:      InvalidPage,
	}
}

// NewRoot implements Paging.NewRoot.
func (b *base) NewRoot() error {
	if b.root != nil {
		b.inv.release(b.root)
		b.root = nil
		b.rootHPA = InvalidPage
	}
	b.inv.mu.Lock()
	root, err := b.inv.alloc(shadowRootLevel, b.addressSpace, nil, 0, 0)
	b.inv.mu.Unlock()
	if err != nil {
		return fmt.Errorf("allocating translation root: %w", err)
	}
	b.root = root
	b.rootHPA = root.TableHPA()
	b.rootLevel = shadowRootLevel
	b.shadowLevel = shadowRootLevel
	b.permissions = buildPermissions()
	return nil
}

// Root implements Paging.Root.
func (b *base) Root() hostarch.HPA {
	return b.rootHPA
}

// Free implements Paging.Free.
func (b *base) Free() {
	if b.root != nil {
		b.inv.release(b.root)
		b.root = nil
	}
	b.rootHPA = InvalidPage
	b.rootLevel = 0
	b.shadowLevel = 0
}

// permFault returns true if the access described by code is forbidden for a
// page with the given access bits.
func (b *base) permFault(code FaultError, acc int) bool {
	return b.permissions[(code>>1)&0xf]&(1<<acc) != 0
}

// mapGPA resolves a guest physical address to host physical, installing or
// refreshing the shadow translation. faultAddr is the address reported in
// fault descriptors (gva under shadow paging, gpa under nested paging); acc
// and maxLevel carry the guest walk's access bits and leaf level, which cap
// the installed entry's permissions and page size.
func (b *base) mapGPA(gpa hostarch.GPA, code FaultError, faultAddr uint64, acc, maxLevel int) (hostarch.HPA, error) {
	if b.root == nil {
		panic("mmu: page fault with no root installed")
	}
	gfn := hostarch.GFNOf(gpa)

	snap, release := b.registry.Acquire()
	defer release()
	slot, ok := snap.Lookup(gfn)
	if !ok {
		return InvalidPage, fmt.Errorf("%w: gfn %#x", ErrNoSlot, gfn)
	}

	tracked := pagetrack.IsTracked(slot, gfn, memslot.TrackWrite)
	if tracked && code.Write() {
		// Writes to tracked frames are never mapped; the emulator
		// completes them so the tracker can observe the mutation.
		return InvalidPage, &Fault{Addr: faultAddr, Code: code, Tracked: true}
	}

	hpa, _, ok := b.backing.Translate(slot.HVA(gfn))
	if !ok {
		return InvalidPage, fmt.Errorf("%w: slot %d hva %#x", ErrNoBacking, slot.ID, slot.HVA(gfn))
	}

	level := hostarch.PageTableLevel
	if !tracked {
		level = b.mappingLevel(slot, gfn)
		if level > maxLevel {
			level = maxLevel
		}
	}
	writable := !tracked && acc&accWrite != 0 &&
		slot.Flags&memslot.FlagReadOnly == 0

	defer b.inv.commit()
	b.inv.mu.Lock()
	defer b.inv.mu.Unlock()
	if err := b.install(slot, gfn, level, writable); err != nil {
		return InvalidPage, err
	}
	if code.Write() {
		slot.MarkDirty(gfn)
	}
	return hpa + hostarch.HPA(hostarch.PageOffset(gpa)), nil
}

// install walks the shadow tree down to the mapping level, allocating
// intermediate tables as needed, and installs the leaf.
//
// Precondition: b.inv.mu held; slot covers gfn at the given level.
func (b *base) install(slot *memslot.Slot, gfn hostarch.GFN, level int, writable bool) error {
	aligned := gfn.RoundDown(level)
	hpa, _, ok := b.backing.Translate(slot.HVA(aligned))
	if !ok {
		return fmt.Errorf("%w: slot %d", ErrNoBacking, slot.ID)
	}

	sp := b.root
	sp.pinned++
	pinned := []*ShadowPage{sp}
	defer func() {
		for _, p := range pinned {
			p.pinned--
		}
	}()

	for sp.level > level {
		idx := tableIndex(aligned, sp.level)
		child := sp.children[idx]
		if child == nil {
			if sp.entries[idx].Present() {
				// A leaf at a higher level covers this range
				// already; replace it with a table.
				b.dropLeaf(sp, idx, slot)
			}
			var err error
			child, err = b.inv.alloc(sp.level-1, b.addressSpace, sp, idx,
				sp.gfn.Add(uint64(idx)*hostarch.PagesPerLevel(sp.level)))
			if err != nil {
				return err
			}
		}
		child.pinned++
		pinned = append(pinned, child)
		b.inv.touch(child)
		sp = child
	}

	idx := tableIndex(aligned, sp.level)
	if sp.children[idx] != nil {
		// A lower-level table sits where the large leaf would go; keep
		// the 4K mappings and degrade to their level.
		if level != hostarch.PageTableLevel {
			return b.install(slot, gfn, hostarch.PageTableLevel, writable)
		}
		panic("mmu: table node at page-table level")
	}

	entry := SPTE(hpa)&spteAddrMask | sptePresent | spteUser
	if writable {
		entry |= spteWritable
	}
	if old := sp.entries[idx]; old.Present() {
		if old == entry {
			return nil // Idempotent refault.
		}
		b.dropLeaf(sp, idx, slot)
	}
	sp.entries[idx] = entry
	slot.Arch.RmapAt(slot.BaseGFN, aligned, level).Add(encodeRef(sp, idx))
	return nil
}

// dropLeaf removes a present leaf and its reverse mapping, preferring the
// provided slot when it covers the frame.
//
// Precondition: b.inv.mu held.
func (b *base) dropLeaf(sp *ShadowPage, idx int, slot *memslot.Slot) {
	gfn := leafGFN(sp, idx)
	if slot != nil && slot.Contains(gfn) {
		sp.entries[idx] = 0
		slot.Arch.RmapAt(slot.BaseGFN, gfn, sp.level).Remove(encodeRef(sp, idx))
		return
	}
	b.inv.dropLeaf(sp, idx)
}

// mappingLevel returns the largest page size level usable for the frame:
// the slot must fully cover the aligned range, no disallow reason may be
// recorded, and the host backing must be physically contiguous. Slots with
// dirty logging enabled always map at 4K, so that every guest write faults
// and lands in the bitmap at page granularity.
func (b *base) mappingLevel(slot *memslot.Slot, gfn hostarch.GFN) int {
	level := hostarch.PageTableLevel
	if slot.LogDirtyPages() {
		return level
	}
	for l := level + 1; l <= hostarch.MaxPageLevel; l++ {
		aligned := gfn.RoundDown(l)
		if aligned < slot.BaseGFN || aligned.Add(hostarch.PagesPerLevel(l)) > slot.End() {
			break
		}
		if *slot.Arch.DisallowLpageAt(slot.BaseGFN, gfn, l) != 0 {
			break
		}
		if _, length, ok := b.backing.Translate(slot.HVA(aligned)); !ok ||
			uint64(length) < hostarch.LevelSize(l) {
			break
		}
		level = l
	}
	return level
}

// invalGFN drops every translation of the frame in this address space.
func (b *base) invalGFN(gfn hostarch.GFN) {
	snap, release := b.registry.Acquire()
	defer release()
	if slot, ok := snap.Lookup(gfn); ok {
		b.inv.UnmapGFN(slot, gfn)
	}
}

// readGPA copies size bytes of guest physical memory, for software walks of
// the guest's page tables.
func (b *base) readGPA(gpa hostarch.GPA, size uintptr) ([]byte, error) {
	snap, release := b.registry.Acquire()
	defer release()
	slot, ok := snap.Lookup(hostarch.GFNOf(gpa))
	if !ok {
		return nil, fmt.Errorf("%w: gpa %#x", ErrNoSlot, gpa)
	}
	hva := slot.HVA(hostarch.GFNOf(gpa)) + hostarch.Addr(hostarch.PageOffset(gpa))
	out := make([]byte, size)
	copy(out, b.backing.Bytes(hva, size))
	return out, nil
}

// readGPTE reads one guest page-table entry.
func (b *base) readGPTE(gpa hostarch.GPA) (uint64, error) {
	raw, err := b.readGPA(gpa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// tableIndex extracts the entry index for gfn at the given table level.
func tableIndex(gfn hostarch.GFN, level int) int {
	return int(uint64(gfn)>>(9*uint(level-1))) & (entriesPerPage - 1)
}
