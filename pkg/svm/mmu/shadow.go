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
	"errors"

	"vmrun.dev/vmrun/pkg/abi/svm"
	"vmrun.dev/vmrun/pkg/hostarch"
)

// Guest page-table entry bits (long mode, 4-level).
const (
	gptePresent  = uint64(1) << 0
	gpteWritable = uint64(1) << 1
	gpteUser     = uint64(1) << 2
	gpteLarge    = uint64(1) << 7
	gpteNX       = uint64(1) << 63

	gpteAddrMask = uint64(0x000ffffffffff000)

	// cr3AddrMask extracts the root table address from CR3.
	cr3AddrMask = uint64(0x000ffffffffff000)
)

// shadowPaging resolves guest virtual addresses by walking the guest's page
// tables in software and shadowing the guest-physical results.
type shadowPaging struct {
	base
	guest Guest
}

// walkLevels is the guest paging depth assumed by the software walker.
const walkLevels = 4

// walk resolves gva through the guest's page tables, returning the guest
// physical address, the accumulated access bits and the leaf level. Walk
// failures return a *Fault for injection; a missing slot under a guest page
// table is terminal.
func (m *shadowPaging) walk(gva hostarch.GVA, code FaultError) (hostarch.GPA, int, int, error) {
	table := hostarch.GPA(m.guest.WalkCR3() & cr3AddrMask)
	acc := accAll
	for level := walkLevels; ; level-- {
		idx := uint64(gva) >> (hostarch.PageShift + 9*uint(level-1)) & (entriesPerPage - 1)
		pte, err := m.readGPTE(table + hostarch.GPA(idx*8))
		if err != nil {
			if errors.Is(err, ErrNoSlot) {
				// The guest's own page table sits in an
				// unbacked frame.
				return 0, 0, 0, &Fault{
					Addr:  uint64(gva),
					Code:  code | FaultError(svm.PFErrGuestPage),
					Level: level,
				}
			}
			return 0, 0, 0, err
		}
		if pte&gptePresent == 0 {
			return 0, 0, 0, &Fault{
				Addr:  uint64(gva),
				Code:  code &^ FaultError(svm.PFErrPresent),
				Level: level,
			}
		}
		if pte&gpteWritable == 0 {
			acc &^= accWrite
		}
		if pte&gpteUser == 0 {
			acc &^= accUser
		}
		if pte&gpteNX != 0 {
			acc &^= accExec
		}

		isLeaf := level == hostarch.PageTableLevel ||
			(pte&gpteLarge != 0 && level <= hostarch.MaxPageLevel)
		if isLeaf {
			size := hostarch.LevelSize(level)
			gpa := hostarch.GPA(pte&gpteAddrMask&^(size-1)) +
				hostarch.GPA(uint64(gva)&(size-1))
			return gpa, acc, level, nil
		}
		table = hostarch.GPA(pte & gpteAddrMask)
	}
}

// PageFault implements Paging.PageFault for shadow paging: addr is a guest
// virtual address.
func (m *shadowPaging) PageFault(addr uint64, code FaultError) (hostarch.HPA, error) {
	gpa, acc, level, err := m.walk(hostarch.GVA(addr), code)
	if err != nil {
		return InvalidPage, err
	}
	if m.permFault(code, acc) {
		return InvalidPage, &Fault{
			Addr: addr,
			Code: code | FaultError(svm.PFErrPresent),
		}
	}
	// The shadow mapping may not outsize or outrank the guest's own leaf.
	return m.mapGPA(gpa, code, addr, acc, level)
}

// GvaToGpa implements Paging.GvaToGpa.
func (m *shadowPaging) GvaToGpa(gva hostarch.GVA) (hostarch.GPA, error) {
	gpa, _, _, err := m.walk(gva, 0)
	return gpa, err
}

// InvalPage implements Paging.InvalPage: addr is a guest virtual address.
func (m *shadowPaging) InvalPage(addr uint64) {
	gpa, _, _, err := m.walk(hostarch.GVA(addr), 0)
	if err != nil {
		// No current translation through the guest tables; nothing
		// shadowed to drop.
		return
	}
	m.invalGFN(hostarch.GFNOf(gpa))
}
