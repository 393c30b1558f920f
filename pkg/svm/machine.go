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

// Package svm implements the control core of an in-host virtual machine
// monitor: guest memory slot registries, virtual CPU lifecycle and
// world-switch bookkeeping, per-core address-space identifier allocation,
// and the shadow/nested translation layer tying them together.
package svm

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vmrun.dev/vmrun/pkg/hostarch"
	"vmrun.dev/vmrun/pkg/hostmem"
	"vmrun.dev/vmrun/pkg/svm/memslot"
	"vmrun.dev/vmrun/pkg/svm/mmu"
	"vmrun.dev/vmrun/pkg/svm/pagetrack"
)

// Virtual CPU capacity limits.
const (
	// MaxVCPUs is the hard cap on virtual CPUs per machine.
	MaxVCPUs = 288

	// SoftMaxVCPUs is the advertised recommended cap; creation beyond it
	// succeeds but is logged.
	SoftMaxVCPUs = 240

	// MaxVCPUID is the largest caller-assigned virtual CPU id.
	MaxVCPUID = 1023

	// DefaultMaxShadowPages caps the shadow page inventory when the
	// caller does not choose one.
	DefaultMaxShadowPages = 1 << 14
)

// Machine creation and vCPU errors.
var (
	ErrTooManyVCPUs = errors.New("svm: virtual CPU limit reached")
	ErrBadVCPUID    = errors.New("svm: virtual CPU id out of range")
	ErrDupVCPUID    = errors.New("svm: virtual CPU id already in use")
)

// Options configures a Machine.
type Options struct {
	// NestedPaging selects hardware second-level translation; when
	// false, the software shadow walker is used.
	NestedPaging bool

	// MaxShadowPages bounds the shadow page inventory; zero means
	// DefaultMaxShadowPages.
	MaxShadowPages int

	// Backing supplies host memory translation. When nil the machine
	// creates and owns one.
	Backing *hostmem.Backing
}

// Machine is one virtual machine: its slot registries (one per guest
// address space), the shared shadow page inventory, and its virtual CPUs.
type Machine struct {
	// mu serializes vCPU creation and teardown.
	mu sync.Mutex

	// slotsMu serializes slot updates across both address spaces; slot
	// readers go through the registries' snapshots and never take it.
	slotsMu sync.Mutex

	registries [memslot.AddressSpaceNum]*memslot.Registry

	inventory *mmu.Inventory
	tracker   *pagetrack.Tracker

	backing     *hostmem.Backing
	ownsBacking bool

	nested bool

	// vcpus is indexed by creation order. createdVCPUs, under mu, counts
	// reservations including any creation still in flight; onlineVCPUs
	// counts the fully published prefix, so the lock-free broadcast paths
	// scan it without mu. online <= created <= MaxVCPUs always.
	vcpus        [MaxVCPUs]atomic.Pointer[VCPU]
	createdVCPUs int
	onlineVCPUs  atomic.Int32

	// notifierSeq and notifierCount implement the range-invalidation
	// protocol: count is nonzero while a notification is in flight, seq
	// advances at every completion.
	notifierSeq   atomic.Uint64
	notifierCount atomic.Int64
	notifierMu    sync.Mutex
	notifierCond  *sync.Cond

	// lastBoosted remembers where directed yield last stopped, so boost
	// scans are round-robin.
	lastBoosted atomic.Int32
}

// New creates a machine.
func New(opts Options) *Machine {
	maxPages := opts.MaxShadowPages
	if maxPages <= 0 {
		maxPages = DefaultMaxShadowPages
	}
	backing := opts.Backing
	m := &Machine{
		backing:     backing,
		ownsBacking: backing == nil,
		nested:      opts.NestedPaging,
	}
	if m.backing == nil {
		m.backing = hostmem.New()
	}
	for as := range m.registries {
		m.registries[as] = memslot.NewRegistry()
	}
	m.inventory = mmu.NewInventory(uint64(maxPages), m.resolveSlot)
	m.tracker = pagetrack.New(m.inventory)
	m.notifierCond = sync.NewCond(&m.notifierMu)
	log.Infof("machine created: nestedPaging=%v maxShadowPages=%d", m.nested, maxPages)
	return m
}

// Backing returns the host memory translation layer.
func (m *Machine) Backing() *hostmem.Backing { return m.backing }

// Tracker returns the write-track registration surface.
func (m *Machine) Tracker() *pagetrack.Tracker { return m.tracker }

// Inventory returns the shared shadow page inventory.
func (m *Machine) Inventory() *mmu.Inventory { return m.inventory }

// NestedPaging reports the translation strategy.
func (m *Machine) NestedPaging() bool { return m.nested }

// resolveSlot is the inventory's slot resolver. It uses Find rather than
// Lookup: reverse-map teardown must still reach slots inside the
// delete/move grace window.
func (m *Machine) resolveSlot(as int, gfn hostarch.GFN) (*memslot.Slot, func()) {
	snap, release := m.registries[as].Acquire()
	slot := snap.Find(gfn)
	if slot == nil {
		release()
		return nil, nil
	}
	return slot, release
}

// CreateVCPU allocates, initializes and publishes a virtual CPU. The id is
// the caller's stable identifier (its APIC id); the returned VCPU is ready
// for Enter once the caller installs a kick hook and a control-block
// physical address.
func (m *Machine) CreateVCPU(id int, vmcbPA hostarch.HPA) (*VCPU, error) {
	if id < 0 || id > MaxVCPUID {
		return nil, fmt.Errorf("%w: %d", ErrBadVCPUID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.createdVCPUs
	if n >= MaxVCPUs {
		return nil, ErrTooManyVCPUs
	}
	for i := 0; i < n; i++ {
		if m.vcpus[i].Load().vcpuID == id {
			return nil, fmt.Errorf("%w: %d", ErrDupVCPUID, id)
		}
	}
	m.createdVCPUs = n + 1

	v := &VCPU{
		machine: m,
		id:      n,
		vcpuID:  id,
		vmcb:    NewVMCB(),
		vmcbPA:  vmcbPA,
	}
	v.modeCond = sync.NewCond(&v.modeMu)

	for as := 0; as < memslot.AddressSpaceNum; as++ {
		v.pagings[as] = mmu.New(mmu.Opts{
			NestedPaging: m.nested,
			Inventory:    m.inventory,
			Registry:     m.registries[as],
			Backing:      m.backing,
			AddressSpace: as,
			Guest:        v,
		})
		if err := v.pagings[as].NewRoot(); err != nil {
			m.createdVCPUs = n
			v.release()
			return nil, fmt.Errorf("svm: allocating translation root: %w", err)
		}
	}
	if m.nested {
		v.vmcb.Control.NPEnable = true
		v.vmcb.SetNestedCR3(uint64(v.Paging().Root()))
	}

	m.vcpus[n].Store(v)
	m.onlineVCPUs.Store(int32(n + 1))

	log.Infof("created vCPU %d (index %d)", id, n)
	if n+1 > SoftMaxVCPUs {
		log.Warnf("vCPU count %d exceeds recommended maximum %d", n+1, SoftMaxVCPUs)
	}
	return v, nil
}

// VCPUCount returns the number of published virtual CPUs.
func (m *Machine) VCPUCount() int { return int(m.onlineVCPUs.Load()) }

// VCPUByID finds a published virtual CPU by its caller-assigned id.
func (m *Machine) VCPUByID(id int) *VCPU {
	n := int(m.onlineVCPUs.Load())
	for i := 0; i < n; i++ {
		if v := m.vcpus[i].Load(); v.vcpuID == id {
			return v
		}
	}
	return nil
}

// forEachVCPU applies fn to every published virtual CPU.
func (m *Machine) forEachVCPU(fn func(*VCPU)) {
	n := int(m.onlineVCPUs.Load())
	for i := 0; i < n; i++ {
		fn(m.vcpus[i].Load())
	}
}

// requestAll broadcasts a request to every virtual CPU. The wait modifier,
// if present, is honored per virtual CPU in turn.
func (m *Machine) requestAll(req Request) {
	m.forEachVCPU(func(v *VCPU) { v.MakeRequest(req) })
}

// FlushTLBs asks every virtual CPU to flush its TLB before its next guest
// entry and waits until none is still running on a stale translation.
func (m *Machine) FlushTLBs() {
	m.requestAll(ReqTLBFlush)
}

// SetMemoryRegion creates, moves, reconfigures or deletes a guest memory
// slot in the given address space. Size zero deletes. The flush between the
// two phases of a delete or move tears down every shadow translation into
// the leaving slot and forces running virtual CPUs off stale TLB entries.
func (m *Machine) SetMemoryRegion(as int, region memslot.MemoryRegion) error {
	if as < 0 || as >= memslot.AddressSpaceNum {
		return fmt.Errorf("svm: invalid address space %d", as)
	}
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	_, err := m.registries[as].Update(region, func(old *memslot.Slot) {
		m.inventory.UnmapSlot(old)
		m.FlushTLBs()
	})
	return err
}

// DirtyLog fetches and resets the dirty bitmap of a slot. Every harvested
// page is write-protected again, so the next guest write re-faults and
// lands in the fresh bitmap; without that, a page stays writable after its
// first fault and later writes go unrecorded.
func (m *Machine) DirtyLog(as int, slot int16) ([]uint64, error) {
	if as < 0 || as >= memslot.AddressSpaceNum {
		return nil, fmt.Errorf("svm: invalid address space %d", as)
	}
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	bitmap, err := m.registries[as].DirtyLog(slot)
	if err != nil || len(bitmap) == 0 {
		return bitmap, err
	}

	snap, release := m.registries[as].Acquire()
	defer release()
	s := snap.ByID(slot)
	if s == nil || s.Invalid() {
		return bitmap, nil
	}
	flush := false
	for i, word := range bitmap {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit
			gfn := s.BaseGFN.Add(uint64(i*64 + bit))
			if m.inventory.WriteProtect(s, gfn) {
				flush = true
			}
		}
	}
	if flush {
		m.FlushTLBs()
	}
	return bitmap, nil
}

// notifierState returns the completion sequence number and whether a
// notification is currently in flight. Reading seq before count means a
// clean pair (unchanged seq, zero count observed around a fault
// resolution) proves no notification overlapped it.
func (m *Machine) notifierState() (uint64, bool) {
	seq := m.notifierSeq.Load()
	return seq, m.notifierCount.Load() != 0
}

// notifierRetry reports whether a notification began or completed since seq
// was sampled.
func (m *Machine) notifierRetry(seq uint64) bool {
	return m.notifierCount.Load() != 0 || m.notifierSeq.Load() != seq
}

// waitNotifier blocks until no notification is in flight.
func (m *Machine) waitNotifier() {
	m.notifierMu.Lock()
	for m.notifierCount.Load() != 0 {
		m.notifierCond.Wait()
	}
	m.notifierMu.Unlock()
}

// InvalidateRangeBegin opens a range notification: fault resolutions pause,
// and every shadow translation into [start, end) across both address spaces
// is torn down.
func (m *Machine) InvalidateRangeBegin(start, end hostarch.GFN) {
	m.notifierCount.Add(1)
	for as := 0; as < memslot.AddressSpaceNum; as++ {
		snap, release := m.registries[as].Acquire()
		snap.Range(func(slot *memslot.Slot) bool {
			if slot.BaseGFN < end && start < slot.End() {
				m.inventory.UnmapRange(slot, start, end)
			}
			return true
		})
		release()
	}
	m.FlushTLBs()
}

// InvalidateRangeEnd closes the notification opened by
// InvalidateRangeBegin and wakes paused fault resolutions.
func (m *Machine) InvalidateRangeEnd() {
	m.notifierSeq.Add(1)
	if m.notifierCount.Add(-1) < 0 {
		panic("svm: unbalanced InvalidateRangeEnd")
	}
	m.notifierMu.Lock()
	m.notifierCond.Broadcast()
	m.notifierMu.Unlock()
}

// InvalidateRange runs a complete begin/end notification for the range.
func (m *Machine) InvalidateRange(start, end hostarch.GFN) {
	m.InvalidateRangeBegin(start, end)
	m.InvalidateRangeEnd()
}

// NotifierSeq returns the notification completion sequence number.
func (m *Machine) NotifierSeq() uint64 { return m.notifierSeq.Load() }

// BoostCandidate scans the virtual CPUs round-robin from the last boost
// point for one eligible for a directed yield: preempted off its core, not
// running, and not itself spinning without eligibility.
func (m *Machine) BoostCandidate(self *VCPU) *VCPU {
	n := int(m.onlineVCPUs.Load())
	if n == 0 {
		return nil
	}
	start := int(m.lastBoosted.Load())
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		v := m.vcpus[idx].Load()
		if v == self || v.mode.Load() == InGuestMode {
			continue
		}
		if !v.preempted.Load() {
			continue
		}
		if v.spinLoop.inSpinLoop.Load() && !v.spinLoop.dyEligible.Load() {
			continue
		}
		m.lastBoosted.Store(int32(idx))
		return v
	}
	return nil
}

// OnSpin handles a pause-loop exit: the spinning virtual CPU nominates a
// directed-yield candidate, and the candidate's eligibility is toggled so
// repeated spins rotate over the eligible set. Returns nil when no other
// virtual CPU qualifies.
func (m *Machine) OnSpin(self *VCPU) *VCPU {
	self.spinLoop.inSpinLoop.Store(true)
	defer self.spinLoop.inSpinLoop.Store(false)

	cand := m.BoostCandidate(self)
	if cand != nil {
		cand.spinLoop.dyEligible.Store(!cand.spinLoop.dyEligible.Load())
	}
	return cand
}

// Destroy quiesces every virtual CPU, releases their translation contexts
// and the shadow inventory, and releases owned host memory. The machine
// must not be used afterwards.
func (m *Machine) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var g errgroup.Group
	m.forEachVCPU(func(v *VCPU) {
		g.Go(func() error {
			v.quiesce()
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}
	m.forEachVCPU(func(v *VCPU) { v.release() })

	if m.ownsBacking {
		if err := m.backing.Release(); err != nil {
			return fmt.Errorf("svm: releasing backing memory: %w", err)
		}
	}
	log.Infof("machine destroyed")
	return nil
}
