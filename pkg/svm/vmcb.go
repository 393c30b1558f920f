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

package svm

import (
	abi "vmrun.dev/vmrun/pkg/abi/svm"
)

// Segment is one segment register image in the VMCB save area.
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// DescriptorTable is a GDT/IDT image.
type DescriptorTable struct {
	Limit uint16
	Base  uint64
}

// ControlArea is the intercept and execution-control half of the VMCB.
// Mutations must go through the VMCB helpers (or mark the owning clean bit
// explicitly) so the entry path pushes them to hardware.
type ControlArea struct {
	InterceptCR         uint32
	InterceptDR         uint32
	InterceptExceptions uint32
	Intercept           uint64
	PauseFilterCount    uint16
	TSCOffset           uint64

	IOPMBasePA  uint64
	MSRPMBasePA uint64

	ASID       uint32
	TLBControl uint8

	IntCtl    uint32
	IntVector uint32

	ExitCode    uint64
	ExitInfo1   uint64
	ExitInfo2   uint64
	ExitIntInfo uint64
	EventInj    uint64

	// NextRIP is the decode-assist next sequential instruction pointer
	// hardware records on an intercept; zero when unsupported.
	NextRIP uint64

	NPEnable  bool
	NestedCR3 uint64
	GPAT      uint64

	AVICBar         uint64
	AVICBackingPage uint64
	AVICLogicalID   uint64
	AVICPhysicalID  uint64
}

// SaveArea is the guest-state half of the VMCB.
//
// Regs models the register file the trampoline exchanges with hardware on
// every switch: RAX, RSP and RIP are architecturally part of the save area,
// the remaining general-purpose registers live in the trampoline's spill
// slots adjacent to the control block.
type SaveArea struct {
	ES, CS, SS, DS, FS, GS Segment
	TR, LDTR               Segment
	GDTR, IDTR             DescriptorTable
	CPL                    uint8

	EFER   uint64
	CR0    uint64
	CR2    uint64
	CR3    uint64
	CR4    uint64
	DR6    uint64
	DR7    uint64
	RFlags uint64

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64

	Regs [abi.NrRegs]uint64

	DbgCtl       uint64
	BRFrom       uint64
	BRTo         uint64
	LastExcpFrom uint64
	LastExcpTo   uint64
}

// VMCB is the hardware control block consumed by the entry/exit trampoline.
//
// The clean field tracks which segments hardware may skip reloading: a set
// bit means unchanged since the last entry. Software must clear the bit (via
// MarkDirty) at the point of every field mutation, never in a batch
// afterward.
type VMCB struct {
	Control ControlArea
	Save    SaveArea

	clean uint32
}

// NewVMCB returns a control block with every segment marked dirty, so the
// first entry pushes full state.
func NewVMCB() *VMCB {
	return &VMCB{}
}

// MarkDirty records a mutation of the given segment.
func (b *VMCB) MarkDirty(bit abi.CleanBit) {
	b.clean &^= 1 << bit
}

// MarkAllDirty forces full state to be pushed on the next entry.
func (b *VMCB) MarkAllDirty() {
	b.clean = 0
}

// MarkAllClean records that hardware consumed the block on exit: everything
// except the always-dirty segments is clean.
func (b *VMCB) MarkAllClean() {
	b.clean = abi.AllCleanMask
}

// Clean returns true if the segment is unmodified since the last entry.
func (b *VMCB) Clean(bit abi.CleanBit) bool {
	return b.clean&(1<<bit) != 0
}

// prepareLaunch applies the pre-entry invariants: the interrupt-control and
// CR2 segments are written unconditionally before every entry and are
// therefore always pushed.
func (b *VMCB) prepareLaunch() {
	b.clean &^= abi.AlwaysDirtyMask
}

// SetRegister stores a register in the save area.
func (b *VMCB) SetRegister(reg abi.Reg, val uint64) {
	b.Save.Regs[reg] = val
}

// Register loads a register from the save area.
func (b *VMCB) Register(reg abi.Reg) uint64 {
	return b.Save.Regs[reg]
}

// SetCR0 writes CR0 and marks the control-register segment.
func (b *VMCB) SetCR0(val uint64) {
	b.Save.CR0 = val
	b.MarkDirty(abi.CleanCR)
}

// SetCR3 writes CR3 and marks the control-register segment.
func (b *VMCB) SetCR3(val uint64) {
	b.Save.CR3 = val
	b.MarkDirty(abi.CleanCR)
}

// SetCR4 writes CR4 and marks the control-register segment.
func (b *VMCB) SetCR4(val uint64) {
	b.Save.CR4 = val
	b.MarkDirty(abi.CleanCR)
}

// SetCR2 writes CR2. CR2 is in the always-dirty set, so no bit needs
// clearing, but the helper keeps the mutation discipline uniform.
func (b *VMCB) SetCR2(val uint64) {
	b.Save.CR2 = val
	b.MarkDirty(abi.CleanCR2)
}

// SetEFER writes EFER and marks the control-register segment.
func (b *VMCB) SetEFER(val uint64) {
	b.Save.EFER = val
	b.MarkDirty(abi.CleanCR)
}

// SetNestedCR3 installs the nested-paging root.
func (b *VMCB) SetNestedCR3(val uint64) {
	b.Control.NestedCR3 = val
	b.MarkDirty(abi.CleanNPT)
}

// SetASID installs the address-space identifier.
func (b *VMCB) SetASID(asid uint32) {
	b.Control.ASID = asid
	b.MarkDirty(abi.CleanASID)
}

// FlushASID requests a TLB flush of the block's ASID on the next entry.
func (b *VMCB) FlushASID() {
	b.Control.TLBControl = abi.TLBControlFlushASID
	b.MarkDirty(abi.CleanASID)
}
