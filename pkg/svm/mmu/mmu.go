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

// Package mmu implements the two-level memory translation layer: guest
// virtual to guest physical through the guest's own page tables (shadow
// paging), and guest physical to host physical through the memory-slot
// registry and software-managed shadow structures (both modes).
package mmu

import (
	"errors"
	"fmt"

	"vmrun.dev/vmrun/pkg/abi/svm"
	"vmrun.dev/vmrun/pkg/hostarch"
	"vmrun.dev/vmrun/pkg/hostmem"
	"vmrun.dev/vmrun/pkg/svm/memslot"
)

// Terminal errors.
var (
	// ErrNoSlot means the guest physical frame is not covered by any
	// active slot. The caller decides whether this is MMIO or an
	// out-of-bounds access.
	ErrNoSlot = errors.New("mmu: no memory slot covers frame")

	// ErrOutOfPages means the shadow page cap was reached and reclaim
	// could not free a node.
	ErrOutOfPages = errors.New("mmu: out of shadow page-table pages")

	// ErrNoBacking means a slot's userspace address has no registered
	// host backing. This is a configuration error, not a guest fault.
	ErrNoBacking = errors.New("mmu: slot has no host backing")
)

// FaultError is a page-fault error code (svm.PFErr* bits).
type FaultError uint64

// Bit accessors.
func (f FaultError) Present() bool    { return uint64(f)&svm.PFErrPresent != 0 }
func (f FaultError) Write() bool      { return uint64(f)&svm.PFErrWrite != 0 }
func (f FaultError) User() bool       { return uint64(f)&svm.PFErrUser != 0 }
func (f FaultError) Rsvd() bool       { return uint64(f)&svm.PFErrRsvd != 0 }
func (f FaultError) Fetch() bool      { return uint64(f)&svm.PFErrFetch != 0 }
func (f FaultError) GuestFinal() bool { return uint64(f)&svm.PFErrGuestFinal != 0 }
func (f FaultError) GuestPage() bool  { return uint64(f)&svm.PFErrGuestPage != 0 }

// Fault describes a translation fault to be injected into the guest or
// handled by the emulator. It implements error.
type Fault struct {
	// Addr is the faulting address: guest virtual under shadow paging,
	// guest physical under nested paging.
	Addr uint64

	// Code carries the architectural error code bits.
	Code FaultError

	// Level is the page-table level at which the walk failed, zero if
	// not applicable.
	Level int

	// Tracked is set when the fault hit a write-tracked frame and must
	// be emulated rather than mapped.
	Tracked bool
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("translation fault at %#x (code %#x, level %d)", f.Addr, uint64(f.Code), f.Level)
}

// Paging resolves guest addresses to host physical addresses. A VM selects
// one of the two implementations at creation time, based on hardware
// capability, and each virtual CPU owns one instance.
type Paging interface {
	// NewRoot installs a fresh top-level translation structure. The
	// previous root, if any, is released.
	NewRoot() error

	// Root returns the host physical address of the top-level structure,
	// or InvalidPage if none is installed.
	Root() hostarch.HPA

	// PageFault resolves a faulting access. Under shadow paging addr is
	// a guest virtual address; under nested paging it is guest physical.
	// On success the translation has been installed and the resolved
	// host physical address is returned. A *Fault error is for the
	// guest; ErrNoSlot is terminal for the caller.
	PageFault(addr uint64, code FaultError) (hostarch.HPA, error)

	// GvaToGpa translates a guest virtual address using the guest's page
	// tables. Under nested paging this is the identity.
	GvaToGpa(gva hostarch.GVA) (hostarch.GPA, error)

	// InvalPage removes or downgrades the translation of a single
	// address. Invalidating an unmapped address is a no-op.
	InvalPage(addr uint64)

	// Free releases every shadow node owned by this instance.
	Free()
}

// Guest exposes the virtual CPU state the walker needs. The virtual CPU
// implements it.
type Guest interface {
	// WalkCR3 returns the guest CR3 used for software walks.
	WalkCR3() uint64
}

// Opts configures a Paging instance.
type Opts struct {
	// NestedPaging selects the hardware-walked guest-physical mode.
	NestedPaging bool

	// Inventory is the VM-wide shadow node pool.
	Inventory *Inventory

	// Registry is the slot registry of the instance's address space.
	Registry *memslot.Registry

	// Backing translates slot userspace addresses to host physical.
	Backing *hostmem.Backing

	// AddressSpace is the slot address space index.
	AddressSpace int

	// Guest is required for shadow paging.
	Guest Guest
}

// New returns the Paging implementation for the options.
func New(opts Opts) Paging {
	if opts.NestedPaging {
		return &nestedPaging{newBase(opts)}
	}
	if opts.Guest == nil {
		panic("mmu: shadow paging requires a Guest")
	}
	return &shadowPaging{base: newBase(opts), guest: opts.Guest}
}

// Guest page-table access bits, in the compressed form indexing the
// permission table.
const (
	accExec  = 1 << 0
	accWrite = 1 << 1
	accUser  = 1 << 2
	accAll   = accExec | accWrite | accUser
)

// buildPermissions computes the 16-entry permission-fault table. The byte
// index is the fault error code bits [4:1]; the bit index is the page's
// access bits in acc* form. A set bit means the access faults.
func buildPermissions() (p [16]uint8) {
	for byteIdx := 0; byteIdx < 16; byteIdx++ {
		code := FaultError(byteIdx << 1)
		for acc := 0; acc < 8; acc++ {
			fault := (code.Write() && acc&accWrite == 0) ||
				(code.User() && acc&accUser == 0) ||
				(code.Fetch() && acc&accExec == 0) ||
				code.Rsvd()
			if fault {
				p[byteIdx] |= 1 << acc
			}
		}
	}
	return p
}
