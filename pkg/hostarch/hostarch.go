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

// Package hostarch contains address and page-size arithmetic shared by the
// memory-slot registry and the MMU. All types are plain scalars; the package
// deliberately has no dependencies.
package hostarch

const (
	// PageShift is the base-2 log of the smallest page size.
	PageShift = 12

	// PageSize is the smallest page size.
	PageSize = 1 << PageShift

	// NrPageSizes is the number of page sizes the MMU can map: 4K, 2M and
	// 1G, identified by levels 1, 2 and 3.
	NrPageSizes = 3

	// PageTableLevel is the level of a terminal 4K mapping.
	PageTableLevel = 1

	// MaxPageLevel is the level of the largest supported page size.
	MaxPageLevel = NrPageSizes

	// entriesPerLevel is the fan-out of one translation level.
	entriesPerLevel = 512

	// levelShift is the number of address bits resolved per level.
	levelShift = 9
)

// GVA is a guest virtual address.
type GVA uint64

// GPA is a guest physical address.
type GPA uint64

// HPA is a host physical address.
type HPA uint64

// GFN is a guest physical frame number.
type GFN uint64

// Addr is a host virtual address.
type Addr uintptr

// LevelShift returns the base-2 log of the page size mapped at the given
// level. Level 1 is a 4K page, level 2 a 2M page, level 3 a 1G page.
func LevelShift(level int) uint {
	return PageShift + levelShift*uint(level-1)
}

// LevelSize returns the page size mapped at the given level.
func LevelSize(level int) uint64 {
	return 1 << LevelShift(level)
}

// PagesPerLevel returns the number of 4K pages covered by one mapping at the
// given level.
func PagesPerLevel(level int) uint64 {
	return LevelSize(level) / PageSize
}

// GFNOf returns the frame number containing the guest physical address.
func GFNOf(gpa GPA) GFN {
	return GFN(gpa >> PageShift)
}

// GPAOf returns the guest physical address of the first byte of the frame.
func GPAOf(gfn GFN) GPA {
	return GPA(gfn << PageShift)
}

// PageOffset returns the offset of the guest physical address within its 4K
// page.
func PageOffset(gpa GPA) uint64 {
	return uint64(gpa) & (PageSize - 1)
}

// RoundDown returns the frame number rounded down to a mapping boundary of
// the given level.
func (g GFN) RoundDown(level int) GFN {
	return g &^ GFN(PagesPerLevel(level)-1)
}

// Add returns the frame number offset by n pages.
func (g GFN) Add(n uint64) GFN {
	return g + GFN(n)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageAligned returns true if the address is 4K aligned.
func (v Addr) PageAligned() bool {
	return v&(PageSize-1) == 0
}

// PageAligned returns true if the guest physical address is 4K aligned.
func (g GPA) PageAligned() bool {
	return g&(PageSize-1) == 0
}
