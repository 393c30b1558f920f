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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	abi "vmrun.dev/vmrun/pkg/abi/svm"
	"vmrun.dev/vmrun/pkg/hostarch"
	"vmrun.dev/vmrun/pkg/svm/memslot"
	"vmrun.dev/vmrun/pkg/svm/mmu"
)

// Virtual CPU modes. The three guest-transition modes are mutually
// exclusive steps of the run loop; ReadingShadowPageTables is entered from
// outside-guest mode by other agents needing a consistent view of the
// shadow structures and excludes an in-progress entry.
const (
	// OutsideGuestMode: host code runs, including the host side of an
	// exit.
	OutsideGuestMode uint32 = iota

	// InGuestMode: hardware is executing guest instructions.
	InGuestMode

	// ExitingGuestMode: a trap has fired and control-block state is
	// being read back.
	ExitingGuestMode

	// ReadingShadowPageTables: another agent holds the virtual CPU for
	// a consistent shadow read.
	ReadingShadowPageTables
)

// Request encodes an asynchronous demand against a virtual CPU: an action
// code in the low byte plus modifier bits saying whether the requester
// blocks until the virtual CPU has left guest mode and whether an idle
// virtual CPU should be woken.
type Request uint64

// Request modifiers and codes.
const (
	requestCodeMask Request = 0xff

	// RequestNoWakeup suppresses waking a sleeping virtual CPU; the
	// request is consumed on its next natural entry.
	RequestNoWakeup Request = 1 << 8

	// RequestWait blocks the requester until the virtual CPU is out of
	// guest mode, so stale state cannot be running in hardware when
	// MakeRequest returns.
	RequestWait Request = 1 << 9

	// ReqTLBFlush asks for a TLB flush before the next entry.
	ReqTLBFlush Request = 0 | RequestWait | RequestNoWakeup
)

// Multiprocessing states. A halted virtual CPU refuses entry until a
// request wakes it.
const (
	MPStateRunnable uint32 = iota
	MPStateHalted
)

// Entry errors.
var (
	// ErrVCPUShutdown is returned by Enter once the VM is being torn
	// down.
	ErrVCPUShutdown = errors.New("svm: virtual CPU is shut down")

	// ErrVCPUHalted is returned by Enter while the virtual CPU is halted;
	// the run loop should block on its wakeup source and retry.
	ErrVCPUHalted = errors.New("svm: virtual CPU is halted")
)

// VCPU is one virtual CPU: register cache, control-register cache, pending
// requests, the hardware control block and its translation context.
//
// The register cache, control registers and entry/exit methods are owned by
// the virtual CPU's host thread. MakeRequest, Kick and the shadow-read
// methods may be called from any goroutine.
type VCPU struct {
	machine *Machine

	// id is the index in the machine's array; vcpuID the caller-assigned
	// globally unique id.
	id     int
	vcpuID int

	// mode transitions by CAS; cond is broadcast on every transition so
	// waiters can reevaluate.
	mode     atomic.Uint32
	modeMu   sync.Mutex
	modeCond *sync.Cond

	// requests holds one bit per pending action code.
	requests atomic.Uint64

	// shutdown refuses further entries once set.
	shutdown atomic.Bool

	// mpState is the multiprocessing state; the HLT exit path parks the
	// virtual CPU here and waking requests return it to runnable.
	mpState atomic.Uint32

	// regs is the software register cache; regsAvail and regsDirty track
	// which slots hold fetched values and which hold unflushed writes.
	// Owned by the virtual CPU thread.
	regs      [abi.NrRegs]uint64
	regsAvail uint32
	regsDirty uint32

	// Control registers, with the masks of bits the guest owns.
	// Guest-owned bits are written by hardware during guest execution
	// and are re-read on every exit.
	cr0, cr2, cr3, cr4, cr8      uint64
	cr0GuestOwned, cr4GuestOwned uint64

	hflags uint32
	efer   uint64

	vmcb   *VMCB
	vmcbPA hostarch.HPA

	asid           uint32
	asidGeneration uint64

	// pagings holds one translation context per slot address space; the
	// SMM hardware flag selects which one is live.
	pagings [memslot.AddressSpaceNum]mmu.Paging

	nextRIP uint64

	sysenterESP, sysenterEIP uint64

	host struct {
		fs, gs, ldt uint16
		gsBase      uint64
	}

	// spinLoop holds the directed-yield eligibility hints maintained by
	// the pause-loop exit path; BoostCandidate reads them from other
	// threads, so they are atomic even though staleness is tolerated.
	spinLoop struct {
		inSpinLoop atomic.Bool
		dyEligible atomic.Bool
	}
	preempted atomic.Bool

	// kick forces a guest exit; the trampoline installs it.
	kick func()

	// switches and faults count world switches and resolved faults,
	// informational only.
	switches uint64
	faults   uint64
}

// ID returns the caller-assigned virtual CPU id.
func (v *VCPU) ID() int { return v.vcpuID }

// Mode returns the current mode.
func (v *VCPU) Mode() uint32 { return v.mode.Load() }

// VMCB returns the hardware control block.
func (v *VCPU) VMCB() *VMCB { return v.vmcb }

// VMCBPA returns the control block's host physical address, as handed to
// the trampoline.
func (v *VCPU) VMCBPA() hostarch.HPA { return v.vmcbPA }

// Paging returns the live translation context: the one for the address
// space the virtual CPU currently runs in.
func (v *VCPU) Paging() mmu.Paging { return v.pagings[v.addressSpace()] }

// addressSpace returns the slot address space translations resolve
// against; system management mode has its own.
func (v *VCPU) addressSpace() int {
	if v.hflags&abi.HFSMMMask != 0 {
		return memslot.SMMAddressSpace
	}
	return 0
}

// SetKick installs the trampoline's forced-exit hook.
func (v *VCPU) SetKick(fn func()) { v.kick = fn }

// MPState returns the multiprocessing state.
func (v *VCPU) MPState() uint32 { return v.mpState.Load() }

// Halt parks the virtual CPU; Enter returns ErrVCPUHalted until a waking
// request arrives. Called from the HLT exit handler.
func (v *VCPU) Halt() { v.mpState.Store(MPStateHalted) }

// SetPreempted records whether the host scheduler took the core while this
// virtual CPU held it. Directed yield prefers preempted virtual CPUs; a
// successful entry clears the flag.
func (v *VCPU) SetPreempted(p bool) { v.preempted.Store(p) }

// Preempted returns the preemption hint.
func (v *VCPU) Preempted() bool { return v.preempted.Load() }

// SetHostState records the host segment state the trampoline restores after
// a world switch.
func (v *VCPU) SetHostState(fs, gs, ldt uint16, gsBase uint64) {
	v.host.fs, v.host.gs, v.host.ldt, v.host.gsBase = fs, gs, ldt, gsBase
}

// HostState returns the recorded host segment state.
func (v *VCPU) HostState() (fs, gs, ldt uint16, gsBase uint64) {
	return v.host.fs, v.host.gs, v.host.ldt, v.host.gsBase
}

// setMode stores the mode and wakes every waiter.
func (v *VCPU) setMode(mode uint32) {
	v.modeMu.Lock()
	v.mode.Store(mode)
	v.modeCond.Broadcast()
	v.modeMu.Unlock()
}

// casMode attempts a transition and wakes waiters on success.
func (v *VCPU) casMode(old, new uint32) bool {
	v.modeMu.Lock()
	defer v.modeMu.Unlock()
	if !v.mode.CompareAndSwap(old, new) {
		return false
	}
	v.modeCond.Broadcast()
	return true
}

// waitMode blocks until cond returns true for the current mode.
func (v *VCPU) waitMode(cond func(uint32) bool) {
	v.modeMu.Lock()
	for !cond(v.mode.Load()) {
		v.modeCond.Wait()
	}
	v.modeMu.Unlock()
}

// MakeRequest records a request against the virtual CPU. A running virtual
// CPU is kicked out of guest mode; a sleeping one is woken unless the
// request says otherwise; with RequestWait set the call does not return
// while the virtual CPU is still in guest mode.
func (v *VCPU) MakeRequest(req Request) {
	code := uint(req & requestCodeMask)
	v.requests.Or(1 << code)

	if v.mode.Load() == InGuestMode && v.kick != nil {
		v.kick()
	}
	if req&RequestNoWakeup == 0 {
		v.mpState.CompareAndSwap(MPStateHalted, MPStateRunnable)
		v.modeMu.Lock()
		v.modeCond.Broadcast()
		v.modeMu.Unlock()
	}
	if req&RequestWait != 0 {
		v.waitMode(func(mode uint32) bool { return mode != InGuestMode })
	}
}

// checkRequest consumes a pending request, returning true if it was set.
func (v *VCPU) checkRequest(req Request) bool {
	code := uint(req & requestCodeMask)
	return v.requests.And(^(uint64(1)<<code))&(1<<code) != 0
}

// HasRequest returns true if the request is pending, without consuming it.
func (v *VCPU) HasRequest(req Request) bool {
	code := uint(req & requestCodeMask)
	return v.requests.Load()&(1<<code) != 0
}

// BeginShadowRead takes the virtual CPU from outside-guest mode into
// ReadingShadowPageTables, blocking a concurrent entry. It waits while the
// virtual CPU is in any guest-transition mode.
func (v *VCPU) BeginShadowRead() {
	for {
		if v.casMode(OutsideGuestMode, ReadingShadowPageTables) {
			return
		}
		v.waitMode(func(mode uint32) bool { return mode == OutsideGuestMode })
	}
}

// EndShadowRead releases the shadow-read hold.
func (v *VCPU) EndShadowRead() {
	if !v.casMode(ReadingShadowPageTables, OutsideGuestMode) {
		panic("svm: EndShadowRead outside a shadow read")
	}
}

// Register returns a general-purpose register or RIP, fetching it from the
// hardware control block if the cache does not hold it.
func (v *VCPU) Register(reg abi.Reg) uint64 {
	if reg < 0 || reg >= abi.NrRegs {
		panic(fmt.Sprintf("svm: read of invalid register %d", int(reg)))
	}
	bit := uint32(1) << uint(reg)
	if v.regsAvail&bit == 0 {
		v.regs[reg] = v.vmcb.Register(reg)
		v.regsAvail |= bit
	}
	return v.regs[reg]
}

// SetRegister writes a register into the cache and marks it dirty; the value
// reaches the control block on the next flush.
func (v *VCPU) SetRegister(reg abi.Reg, val uint64) {
	if reg < 0 || reg >= abi.NrRegs {
		panic(fmt.Sprintf("svm: write of invalid register %d", int(reg)))
	}
	bit := uint32(1) << uint(reg)
	v.regs[reg] = val
	v.regsAvail |= bit
	v.regsDirty |= bit
}

// RIP returns the cached instruction pointer.
func (v *VCPU) RIP() uint64 { return v.Register(abi.RegRIP) }

// SetRIP writes the instruction pointer.
func (v *VCPU) SetRIP(val uint64) { v.SetRegister(abi.RegRIP, val) }

// SkipEmulatedInstruction advances RIP past the intercepted instruction
// using the next sequential pointer hardware recorded on the last exit. It
// returns false when hardware recorded none and the caller must decode the
// instruction length itself.
func (v *VCPU) SkipEmulatedInstruction() bool {
	if v.nextRIP == 0 {
		return false
	}
	v.SetRIP(v.nextRIP)
	return true
}

// flushRegs pushes dirty registers to the control block and drops the
// cache: values are re-fetched from hardware state after the next exit.
func (v *VCPU) flushRegs() {
	for reg := abi.Reg(0); reg < abi.NrRegs; reg++ {
		if v.regsDirty&(1<<uint(reg)) != 0 {
			v.vmcb.SetRegister(reg, v.regs[reg])
		}
	}
	v.regsDirty = 0
	v.regsAvail = 0
}

// CR0 returns the cached CR0 with guest-owned bits refreshed from the
// control block.
func (v *VCPU) CR0() uint64 {
	return v.cr0&^v.cr0GuestOwned | v.vmcb.Save.CR0&v.cr0GuestOwned
}

// SetCR0 writes CR0 through to the control block.
func (v *VCPU) SetCR0(val uint64) {
	v.cr0 = val
	v.vmcb.SetCR0(val)
}

// CR2 returns the cached CR2.
func (v *VCPU) CR2() uint64 { return v.cr2 }

// SetCR2 writes CR2; it is pushed unconditionally before every entry.
func (v *VCPU) SetCR2(val uint64) {
	v.cr2 = val
	v.vmcb.SetCR2(val)
}

// CR3 returns the cached CR3.
func (v *VCPU) CR3() uint64 { return v.cr3 }

// SetCR3 installs a new guest page-table root and refreshes the translation
// root.
func (v *VCPU) SetCR3(val uint64) error {
	v.cr3 = val
	v.vmcb.SetCR3(val)
	return v.Paging().NewRoot()
}

// CR4 returns the cached CR4 with guest-owned bits refreshed.
func (v *VCPU) CR4() uint64 {
	return v.cr4&^v.cr4GuestOwned | v.vmcb.Save.CR4&v.cr4GuestOwned
}

// SetCR4 writes CR4 through to the control block.
func (v *VCPU) SetCR4(val uint64) {
	v.cr4 = val
	v.vmcb.SetCR4(val)
}

// CR8 returns the task-priority register cache.
func (v *VCPU) CR8() uint64 { return v.cr8 }

// SetCR8 writes the task-priority register; it lands in the interrupt
// control fields, which are in the always-dirty set.
func (v *VCPU) SetCR8(val uint64) {
	v.cr8 = val
	v.vmcb.Control.IntCtl = v.vmcb.Control.IntCtl&^0xff | uint32(val&0xff)
	v.vmcb.MarkDirty(abi.CleanIntr)
}

// SysenterESP returns the cached SYSENTER stack pointer MSR.
func (v *VCPU) SysenterESP() uint64 { return v.sysenterESP }

// SetSysenterESP writes the SYSENTER stack pointer through to the save area.
func (v *VCPU) SetSysenterESP(val uint64) {
	v.sysenterESP = val
	v.vmcb.Save.SysenterESP = val
}

// SysenterEIP returns the cached SYSENTER entry point MSR.
func (v *VCPU) SysenterEIP() uint64 { return v.sysenterEIP }

// SetSysenterEIP writes the SYSENTER entry point through to the save area.
func (v *VCPU) SetSysenterEIP(val uint64) {
	v.sysenterEIP = val
	v.vmcb.Save.SysenterEIP = val
}

// EFER returns the extended feature register snapshot.
func (v *VCPU) EFER() uint64 { return v.efer }

// SetEFER writes EFER through to the control block.
func (v *VCPU) SetEFER(val uint64) {
	v.efer = val
	v.vmcb.SetEFER(val)
}

// HFlags returns the hardware flags word.
func (v *VCPU) HFlags() uint32 { return v.hflags }

// GuestMode returns true while the hardware flags carry the guest bit.
func (v *VCPU) GuestMode() bool { return v.hflags&abi.HFGuestMask != 0 }

// SMM returns true while the virtual CPU is in system management mode.
func (v *VCPU) SMM() bool { return v.hflags&abi.HFSMMMask != 0 }

// SetSMM moves the virtual CPU in or out of system management mode. The two
// modes translate through different slot address spaces, so the nested
// translation root is swapped and cached guest translations are flushed.
func (v *VCPU) SetSMM(on bool) {
	if on == v.SMM() {
		return
	}
	if on {
		v.hflags |= abi.HFSMMMask
	} else {
		v.hflags &^= abi.HFSMMMask
	}
	if v.machine.nested {
		v.vmcb.SetNestedCR3(uint64(v.Paging().Root()))
	}
	v.vmcb.FlushASID()
}

// WalkCR3 implements mmu.Guest.
func (v *VCPU) WalkCR3() uint64 { return v.cr3 }

// HandlePageFault resolves a guest fault through the translation layer,
// retrying when a memory-notifier invalidation raced with the resolution.
func (v *VCPU) HandlePageFault(addr uint64, code mmu.FaultError) (hostarch.HPA, error) {
	for {
		seq, inFlight := v.machine.notifierState()
		if inFlight {
			v.machine.waitNotifier()
			continue
		}
		hpa, err := v.Paging().PageFault(addr, code)
		if err != nil {
			return hpa, err
		}
		if v.machine.notifierRetry(seq) {
			// A notification landed during resolution; the
			// installed translation may already be stale.
			v.Paging().InvalPage(addr)
			continue
		}
		v.faults++
		return hpa, nil
	}
}

// Enter runs the guest-entry pipeline on the given physical core: consume
// pending requests, revalidate the ASID generation, flush dirty registers,
// and transition to InGuestMode. On success the control block is fully
// flushed and the trampoline owns the virtual CPU until CompleteExit.
//
// Enter is called from the virtual CPU's host thread, pinned to the core
// that owns cpu.
func (v *VCPU) Enter(cpu *CPUData) error {
	for {
		if v.shutdown.Load() {
			return ErrVCPUShutdown
		}
		if v.mpState.Load() == MPStateHalted {
			return ErrVCPUHalted
		}

		// A transition to InGuestMode must not overlap a shadow read.
		if !v.casMode(OutsideGuestMode, InGuestMode) {
			switch mode := v.mode.Load(); mode {
			case InGuestMode, ExitingGuestMode:
				// Only the owning thread makes these
				// transitions; it cannot race itself.
				panic(fmt.Sprintf("svm: entering guest from mode %d", mode))
			}
			v.waitMode(func(mode uint32) bool { return mode == OutsideGuestMode })
			continue
		}

		// An in-flight range notification may be invalidating
		// translations this entry would run against.
		seq, inFlight := v.machine.notifierState()
		if inFlight {
			v.setMode(OutsideGuestMode)
			v.machine.waitNotifier()
			continue
		}

		if v.checkRequest(ReqTLBFlush) {
			v.vmcb.FlushASID()
		}

		cpu.Assign(v)
		v.flushRegs()
		v.vmcb.prepareLaunch()

		if v.machine.notifierRetry(seq) {
			// Raced with a notification begin/end; redo the
			// pipeline rather than entering with stale state.
			v.setMode(OutsideGuestMode)
			continue
		}

		v.hflags |= abi.HFGuestMask
		v.preempted.Store(false)
		v.switches++
		return nil
	}
}

// CompleteExit finishes a world switch after the trampoline returns: the
// control block is now the source of truth, so the register cache is
// dropped, guest-owned control-register bits are re-read, and the dirty
// mask is cleared.
func (v *VCPU) CompleteExit() {
	if !v.casMode(InGuestMode, ExitingGuestMode) {
		panic(fmt.Sprintf("svm: exit from mode %d", v.mode.Load()))
	}

	v.regsAvail = 0
	v.regsDirty = 0
	v.nextRIP = v.vmcb.Control.NextRIP

	v.cr0 = v.cr0&^v.cr0GuestOwned | v.vmcb.Save.CR0&v.cr0GuestOwned
	v.cr4 = v.cr4&^v.cr4GuestOwned | v.vmcb.Save.CR4&v.cr4GuestOwned
	v.cr2 = v.vmcb.Save.CR2
	if v.machine.nested {
		// Hardware walked the guest tables directly; CR3 moved
		// without an intercept.
		v.cr3 = v.vmcb.Save.CR3
	}

	v.hflags &^= abi.HFGuestMask
	v.vmcb.MarkAllClean()
	v.vmcb.Control.TLBControl = abi.TLBControlDoNothing

	v.setMode(OutsideGuestMode)
}

// quiesce prevents further entries and waits until the virtual CPU has left
// guest mode.
func (v *VCPU) quiesce() {
	v.shutdown.Store(true)
	if v.mode.Load() == InGuestMode && v.kick != nil {
		v.kick()
	}
	v.waitMode(func(mode uint32) bool {
		return mode == OutsideGuestMode || mode == ReadingShadowPageTables
	})
}

// release tears down the translation contexts. The virtual CPU must be
// quiesced, or never have been published.
func (v *VCPU) release() {
	for _, p := range v.pagings {
		if p != nil {
			p.Free()
		}
	}
}
