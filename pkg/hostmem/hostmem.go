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

// Package hostmem provides the host-virtual memory backing guest physical
// memory, and the injective translation from host virtual addresses to the
// host physical offsets handed out to the MMU.
//
// Physical offsets are synthesized: each registered region is assigned a
// page-aligned offset above reservedMemory, in registration order. The
// mapping is injective, so a host physical address identifies exactly one
// backing byte for the lifetime of the Backing.
package hostmem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"vmrun.dev/vmrun/pkg/hostarch"
)

// reservedMemory is the physical address space below which no region is
// placed. Low memory is left to firmware-style private users (the identity
// page table, the TSS page).
const reservedMemory = 0x100000

// Region is one host-virtual range with an assigned physical offset.
type Region struct {
	virtual  hostarch.Addr
	length   uintptr
	physical hostarch.HPA
}

// Backing owns anonymous host mappings for guest memory and the region
// table used by Translate.
//
// Regions are append-only; Release tears down everything at once. The region
// slice is copy-on-publish so Translate never takes the mutex.
type Backing struct {
	mu sync.Mutex

	// regions points at an immutable slice sorted by virtual address.
	// Register publishes a fresh copy; readers load the pointer once and
	// operate on that snapshot.
	regions atomic.Pointer[[]Region]

	// mappings holds the mmap'd slices for munmap on Release.
	mappings [][]byte

	// nextPhysical is the next physical offset to assign.
	nextPhysical hostarch.HPA
}

// New returns an empty Backing.
func New() *Backing {
	return &Backing{
		nextPhysical: reservedMemory,
	}
}

// Allocate maps length bytes of anonymous memory and registers the range.
// The returned address is page-aligned.
func (b *Backing) Allocate(length uintptr) (hostarch.Addr, error) {
	if length == 0 || length&(hostarch.PageSize-1) != 0 {
		return 0, fmt.Errorf("hostmem: bad allocation length %#x", length)
	}
	m, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("hostmem: mmap of %#x bytes: %w", length, err)
	}
	addr := hostarch.Addr(uintptr(unsafePointer(m)))

	b.mu.Lock()
	b.mappings = append(b.mappings, m)
	b.mu.Unlock()

	if _, err := b.Register(addr, length); err != nil {
		return 0, err
	}
	return addr, nil
}

// Register assigns a physical offset to an existing host-virtual range and
// makes it visible to Translate. It is used directly for ranges whose
// lifetime is managed by the caller (e.g. a controlling process mapping).
func (b *Backing) Register(virtual hostarch.Addr, length uintptr) (hostarch.HPA, error) {
	if !virtual.PageAligned() || length == 0 || length&(hostarch.PageSize-1) != 0 {
		return 0, fmt.Errorf("hostmem: unaligned region [%#x,+%#x)", virtual, length)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.loadRegions()
	for _, r := range old {
		if virtual < r.virtual+hostarch.Addr(r.length) && r.virtual < virtual+hostarch.Addr(length) {
			return 0, fmt.Errorf("hostmem: region [%#x,+%#x) overlaps [%#x,+%#x)",
				virtual, length, r.virtual, r.length)
		}
	}

	physical := b.nextPhysical
	b.nextPhysical += hostarch.HPA(length)

	regions := make([]Region, 0, len(old)+1)
	regions = append(regions, old...)
	regions = append(regions, Region{
		virtual:  virtual,
		length:   length,
		physical: physical,
	})
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].virtual < regions[j].virtual
	})
	b.regions.Store(&regions)

	logrus.Debugf("hostmem: region virtual [%#x,%#x) => physical [%#x,%#x)",
		virtual, uintptr(virtual)+length, physical, physical+hostarch.HPA(length))
	return physical, nil
}

// loadRegions returns the current immutable region snapshot.
func (b *Backing) loadRegions() []Region {
	if p := b.regions.Load(); p != nil {
		return *p
	}
	return nil
}

// Translate resolves a host virtual address to its physical offset. length
// is the number of contiguous bytes remaining in the region.
func (b *Backing) Translate(virtual hostarch.Addr) (physical hostarch.HPA, length uintptr, ok bool) {
	for _, r := range b.loadRegions() {
		if r.virtual <= virtual && virtual < r.virtual+hostarch.Addr(r.length) {
			off := uintptr(virtual - r.virtual)
			return r.physical + hostarch.HPA(off), r.length - off, true
		}
	}
	return 0, 0, false
}

// TranslateReverse resolves a physical offset back to its host virtual
// address. It is the read side used when guest page tables must be walked in
// software.
func (b *Backing) TranslateReverse(physical hostarch.HPA) (virtual hostarch.Addr, length uintptr, ok bool) {
	for _, r := range b.loadRegions() {
		if r.physical <= physical && physical < r.physical+hostarch.HPA(r.length) {
			off := uintptr(physical - r.physical)
			return r.virtual + hostarch.Addr(off), r.length - off, true
		}
	}
	return 0, 0, false
}

// Release unmaps all owned mappings. The Backing must not be used afterward.
func (b *Backing) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.mappings {
		if err := unix.Munmap(m); err != nil {
			return fmt.Errorf("hostmem: munmap: %w", err)
		}
	}
	b.mappings = nil
	b.regions.Store(&[]Region{})
	return nil
}
