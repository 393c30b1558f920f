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
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"vmrun.dev/vmrun/pkg/hostarch"
	"vmrun.dev/vmrun/pkg/svm/memslot"
)

// SPTE is a shadow page-table entry. Leaf entries carry the host physical
// address of the mapped page; non-leaf entries mark the child table present.
type SPTE uint64

// SPTE bits.
const (
	sptePresent  SPTE = 1 << 0
	spteWritable SPTE = 1 << 1
	spteUser     SPTE = 1 << 2

	spteAddrMask SPTE = 0x000ffffffffff000
)

// Present returns true if the entry is installed.
func (e SPTE) Present() bool { return e&sptePresent != 0 }

// Writable returns true if the entry permits guest writes.
func (e SPTE) Writable() bool { return e&spteWritable != 0 }

// HPA returns the host physical address of a leaf entry.
func (e SPTE) HPA() hostarch.HPA { return hostarch.HPA(e & spteAddrMask) }

// entriesPerPage is the fan-out of one shadow table.
const entriesPerPage = 512

// shadowPageBase is the synthetic host physical space from which shadow
// table addresses are handed to hardware (e.g. as nCR3). It lies above any
// address the backing can assign.
const shadowPageBase = hostarch.HPA(1) << 52

// InvalidPage is the sentinel meaning "no root installed".
const InvalidPage = ^hostarch.HPA(0)

// ShadowPage is one software-managed page-table node.
//
// All fields are protected by the owning Inventory's lock.
type ShadowPage struct {
	// id is the inventory-unique identity, used in reverse-map encoding.
	id uint64

	// level is the table's level: entries at level 1 map 4K pages, at
	// level 2 2M pages, and so on. Non-leaf entries point one level
	// down.
	level int

	// gfn is the first frame translated through this table.
	gfn hostarch.GFN

	// addressSpace is the slot address space the page translates.
	addressSpace int

	entries  [entriesPerPage]SPTE
	children [entriesPerPage]*ShadowPage

	parent    *ShadowPage
	parentIdx int

	// root is true for top-level tables; roots are never reclaimed.
	root bool

	// pinned counts in-flight translations holding the page. Pinned
	// pages are not reclaimed.
	pinned int

	// invalid is set once the page is zapped and queued for release.
	invalid bool

	elem *list.Element
}

// TableHPA is the synthetic host physical address of the table, suitable for
// installation in a hardware pointer field.
func (sp *ShadowPage) TableHPA() hostarch.HPA {
	return shadowPageBase + hostarch.HPA(sp.id)<<hostarch.PageShift
}

// encodeRef packs the location of one entry into a reverse-map reference.
func encodeRef(sp *ShadowPage, idx int) uint64 {
	return sp.id<<9 | uint64(idx)
}

// SlotResolver locates the active slot for a frame; the machine provides it
// so that reclaim can find reverse-map heads for any address space.
type SlotResolver func(addressSpace int, gfn hostarch.GFN) (*memslot.Slot, func())

// Inventory is the VM-wide shadow page-table node pool, bounded by the
// configured maximum. It implements the least-recently-used reclaim and
// deferred-release discipline and the pagetrack Protector contract.
//
// The inventory lock is the VM's MMU lock: it is acquired inside guest
// page-fault resolution and must never be held while blocking on anything
// that can wait on reclaim notifications.
type Inventory struct {
	mu sync.Mutex

	// byID decodes reverse-map references.
	byID map[uint64]*ShadowPage

	// active holds non-invalid pages in recency order, front first.
	active *list.List

	// zapped holds pages detached from the tree and awaiting release.
	zapped []*ShadowPage

	used, max uint64
	nextID    uint64

	resolve SlotResolver

	// pressure rate-limits reclaim warnings on the fault path.
	pressure *rate.Limiter
}

// NewInventory returns an inventory bounded at maxPages nodes.
func NewInventory(maxPages uint64, resolve SlotResolver) *Inventory {
	return &Inventory{
		byID:     make(map[uint64]*ShadowPage),
		active:   list.New(),
		max:      maxPages,
		nextID:   1,
		resolve:  resolve,
		pressure: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Used returns the number of live shadow pages.
func (i *Inventory) Used() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.used
}

// alloc returns a fresh page linked below parent at idx, reclaiming LRU
// pages first if the pool is exhausted.
//
// Precondition: i.mu held.
func (i *Inventory) alloc(level, addressSpace int, parent *ShadowPage, idx int, gfn hostarch.GFN) (*ShadowPage, error) {
	for i.used >= i.max {
		if !i.reclaimOne() {
			return nil, ErrOutOfPages
		}
	}
	sp := &ShadowPage{
		id:           i.nextID,
		level:        level,
		gfn:          gfn,
		addressSpace: addressSpace,
		parent:       parent,
		parentIdx:    idx,
		root:         parent == nil,
	}
	i.nextID++
	i.byID[sp.id] = sp
	sp.elem = i.active.PushFront(sp)
	i.used++
	if parent != nil {
		parent.children[idx] = sp
		parent.entries[idx] = sptePresent | spteUser | spteWritable
	}
	return sp, nil
}

// touch marks the page most recently used.
//
// Precondition: i.mu held.
func (i *Inventory) touch(sp *ShadowPage) {
	i.active.MoveToFront(sp.elem)
}

// reclaimOne zaps the least-recently-used unpinned, non-root page. Returns
// false if nothing was reclaimable.
//
// Precondition: i.mu held.
func (i *Inventory) reclaimOne() bool {
	for e := i.active.Back(); e != nil; e = e.Prev() {
		sp := e.Value.(*ShadowPage)
		if sp.root || sp.pinned > 0 {
			continue
		}
		if i.pressure.Allow() {
			logrus.Warnf("mmu: shadow page limit (%d) reached, reclaiming", i.max)
		}
		i.zap(sp)
		return true
	}
	return false
}

// zap detaches the page and its subtree from the translation structures:
// parent entries are cleared, leaf reverse mappings removed, and the pages
// moved to the deferred-release list.
//
// Precondition: i.mu held.
func (i *Inventory) zap(sp *ShadowPage) {
	if sp.invalid {
		return
	}
	sp.invalid = true
	if sp.parent != nil {
		sp.parent.entries[sp.parentIdx] = 0
		sp.parent.children[sp.parentIdx] = nil
		sp.parent = nil
	}
	for idx := 0; idx < entriesPerPage; idx++ {
		if child := sp.children[idx]; child != nil {
			child.parent = nil // Already detaching the whole subtree.
			i.zap(child)
			sp.children[idx] = nil
			sp.entries[idx] = 0
			continue
		}
		if sp.entries[idx].Present() {
			i.dropLeaf(sp, idx)
		}
	}
	i.active.Remove(sp.elem)
	i.zapped = append(i.zapped, sp)
	i.used--
}

// dropLeaf clears a leaf entry and its reverse mapping.
//
// Precondition: i.mu held; sp.entries[idx] is a present leaf.
func (i *Inventory) dropLeaf(sp *ShadowPage, idx int) {
	gfn := leafGFN(sp, idx)
	sp.entries[idx] = 0
	slot, release := i.resolve(sp.addressSpace, gfn)
	if slot == nil {
		return // Slot already gone; its rmap arrays went with it.
	}
	defer release()
	slot.Arch.RmapAt(slot.BaseGFN, gfn, sp.level).Remove(encodeRef(sp, idx))
}

// commit releases zapped pages. It must be called outside the fault path's
// critical work, with the lock not held.
func (i *Inventory) commit() {
	i.mu.Lock()
	zapped := i.zapped
	i.zapped = nil
	i.mu.Unlock()
	for _, sp := range zapped {
		i.mu.Lock()
		delete(i.byID, sp.id)
		i.mu.Unlock()
	}
}

// leafGFN reconstructs the base frame mapped by the leaf at idx.
func leafGFN(sp *ShadowPage, idx int) hostarch.GFN {
	return sp.gfn.Add(uint64(idx) * hostarch.PagesPerLevel(sp.level))
}

// WriteProtect implements pagetrack.Protector: 4K mappings of the frame lose
// write permission, larger mappings are dropped outright. It returns true
// if any writable translation was downgraded or dropped, in which case the
// caller must flush guest TLBs before relying on the protection.
func (i *Inventory) WriteProtect(slot *memslot.Slot, gfn hostarch.GFN) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.writeProtectLocked(slot, gfn)
}

// writeProtectLocked is WriteProtect with the lock already held.
func (i *Inventory) writeProtectLocked(slot *memslot.Slot, gfn hostarch.GFN) bool {
	flush := false
	for level := hostarch.PageTableLevel; level <= hostarch.MaxPageLevel; level++ {
		head := slot.Arch.RmapAt(slot.BaseGFN, gfn, level)
		if level == hostarch.PageTableLevel {
			head.Range(func(ref uint64) bool {
				if sp := i.byID[ref>>9]; sp != nil {
					e := &sp.entries[ref&(entriesPerPage-1)]
					if *e&spteWritable != 0 {
						*e &^= spteWritable
						flush = true
					}
				}
				return true
			})
			continue
		}
		if i.clearRmap(head) > 0 {
			flush = true
		}
	}
	return flush
}

// UnmapGFN removes every translation of the frame, at every page size. It is
// idempotent: unmapping an unmapped frame is a no-op.
func (i *Inventory) UnmapGFN(slot *memslot.Slot, gfn hostarch.GFN) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for level := hostarch.PageTableLevel; level <= hostarch.MaxPageLevel; level++ {
		i.clearRmap(slot.Arch.RmapAt(slot.BaseGFN, gfn, level))
	}
}

// UnmapRange removes every translation of the frames [start, end) covered
// by the slot, at every page size. Large mappings overlapping the range are
// dropped whole.
func (i *Inventory) UnmapRange(slot *memslot.Slot, start, end hostarch.GFN) {
	if start < slot.BaseGFN {
		start = slot.BaseGFN
	}
	if end > slot.End() {
		end = slot.End()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for level := hostarch.PageTableLevel; level <= hostarch.MaxPageLevel; level++ {
		per := hostarch.PagesPerLevel(level)
		for gfn := start.RoundDown(level); gfn < end; gfn = gfn.Add(per) {
			if gfn < slot.BaseGFN {
				continue
			}
			i.clearRmap(slot.Arch.RmapAt(slot.BaseGFN, gfn, level))
		}
	}
}

// UnmapSlot removes every translation into the slot, used before the slot's
// deletion completes its grace period.
func (i *Inventory) UnmapSlot(slot *memslot.Slot) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for level := range slot.Arch.Rmap {
		for idx := range slot.Arch.Rmap[level] {
			i.clearRmap(&slot.Arch.Rmap[level][idx])
		}
	}
}

// clearRmap drops every entry referenced by the head, returning the number
// of entries cleared.
//
// Precondition: i.mu held.
func (i *Inventory) clearRmap(head *memslot.RmapHead) int {
	refs := head.Clear()
	for _, ref := range refs {
		sp := i.byID[ref>>9]
		if sp == nil {
			continue
		}
		sp.entries[ref&(entriesPerPage-1)] = 0
	}
	return len(refs)
}

// release zaps an entire root subtree, used on MMU teardown.
func (i *Inventory) release(root *ShadowPage) {
	if root == nil {
		return
	}
	i.mu.Lock()
	i.zap(root)
	i.mu.Unlock()
	i.commit()
}
