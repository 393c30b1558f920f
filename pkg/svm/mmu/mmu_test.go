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
	"errors"
	"testing"

	"vmrun.dev/vmrun/pkg/abi/svm"
	"vmrun.dev/vmrun/pkg/hostarch"
	"vmrun.dev/vmrun/pkg/hostmem"
	"vmrun.dev/vmrun/pkg/svm/memslot"
	"vmrun.dev/vmrun/pkg/svm/pagetrack"
)

type env struct {
	backing  *hostmem.Backing
	registry *memslot.Registry
	inv      *Inventory
}

func newEnv(t *testing.T, maxPages uint64) *env {
	t.Helper()
	e := &env{
		backing:  hostmem.New(),
		registry: memslot.NewRegistry(),
	}
	e.inv = NewInventory(maxPages, func(as int, gfn hostarch.GFN) (*memslot.Slot, func()) {
		snap, release := e.registry.Acquire()
		if slot := snap.Find(gfn); slot != nil {
			return slot, release
		}
		release()
		return nil, nil
	})
	t.Cleanup(func() {
		if err := e.backing.Release(); err != nil {
			t.Errorf("releasing backing: %v", err)
		}
	})
	return e
}

// addSlot creates a backed slot and returns its host virtual base.
func (e *env) addSlot(t *testing.T, id int16, base hostarch.GFN, pages uint64, flags uint32) hostarch.Addr {
	t.Helper()
	hva, err := e.backing.Allocate(uintptr(pages << hostarch.PageShift))
	if err != nil {
		t.Fatalf("allocating %d pages: %v", pages, err)
	}
	if _, err := e.registry.Update(memslot.MemoryRegion{
		Slot:          id,
		Flags:         flags,
		GuestPhysAddr: hostarch.GPAOf(base),
		Size:          pages << hostarch.PageShift,
		UserspaceAddr: hva,
	}, nil); err != nil {
		t.Fatalf("creating slot %d: %v", id, err)
	}
	return hva
}

// deleteSlot removes a slot, tearing down its translations in between the
// two publication phases the way the machine does.
func (e *env) deleteSlot(t *testing.T, id int16) {
	t.Helper()
	if _, err := e.registry.Update(memslot.MemoryRegion{Slot: id}, func(old *memslot.Slot) {
		e.inv.UnmapSlot(old)
	}); err != nil {
		t.Fatalf("deleting slot %d: %v", id, err)
	}
}

func (e *env) slot(t *testing.T, gfn hostarch.GFN) *memslot.Slot {
	t.Helper()
	snap, release := e.registry.Acquire()
	defer release()
	slot, ok := snap.Lookup(gfn)
	if !ok {
		t.Fatalf("no slot covers %#x", gfn)
	}
	return slot
}

// hostPage returns the host physical address backing the frame.
func (e *env) hostPage(t *testing.T, gfn hostarch.GFN) hostarch.HPA {
	t.Helper()
	hpa, _, ok := e.backing.Translate(e.slot(t, gfn).HVA(gfn))
	if !ok {
		t.Fatalf("no backing for %#x", gfn)
	}
	return hpa
}

func newNested(t *testing.T, e *env) Paging {
	t.Helper()
	p := New(Opts{
		NestedPaging: true,
		Inventory:    e.inv,
		Registry:     e.registry,
		Backing:      e.backing,
	})
	if err := p.NewRoot(); err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return p
}

func TestNestedMapAndResolve(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x100, memslot.FlagLogDirtyPages)
	p := newNested(t, e)
	defer p.Free()

	if p.Root() == InvalidPage {
		t.Fatal("no root after NewRoot")
	}

	gpa := hostarch.GPAOf(0x1050) + 0x123
	got, err := p.PageFault(uint64(gpa), FaultError(svm.PFErrWrite))
	if err != nil {
		t.Fatalf("PageFault(%#x): %v", gpa, err)
	}
	want := e.hostPage(t, 0x1050) + 0x123
	if got != want {
		t.Errorf("PageFault(%#x) = %#x, want %#x", gpa, got, want)
	}

	// Refaulting the same access is idempotent.
	again, err := p.PageFault(uint64(gpa), FaultError(svm.PFErrWrite))
	if err != nil || again != want {
		t.Errorf("refault = %#x, %v; want %#x, nil", again, err, want)
	}

	// The write landed in the dirty log.
	log, err := e.registry.DirtyLog(0)
	if err != nil {
		t.Fatalf("DirtyLog: %v", err)
	}
	if log[0x50/64]&(1<<(0x50%64)) == 0 {
		t.Error("write fault did not mark the page dirty")
	}
}

func TestNestedMissingSlot(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x100, 0)
	p := newNested(t, e)
	defer p.Free()

	// One frame past the end of the slot.
	if _, err := p.PageFault(uint64(hostarch.GPAOf(0x1100)), 0); !errors.Is(err, ErrNoSlot) {
		t.Errorf("PageFault past slot = %v, want %v", err, ErrNoSlot)
	}
}

// TestNestedStaleAfterDelete maps a frame, deletes its slot, and checks the
// old translation is gone rather than silently pointing at freed backing.
func TestNestedStaleAfterDelete(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x100, 0)
	p := newNested(t, e)
	defer p.Free()

	gpa := uint64(hostarch.GPAOf(0x1050))
	if _, err := p.PageFault(gpa, 0); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	e.deleteSlot(t, 0)

	if _, err := p.PageFault(gpa, 0); !errors.Is(err, ErrNoSlot) {
		t.Errorf("PageFault after delete = %v, want %v", err, ErrNoSlot)
	}
}

func TestNestedInvalPageIdempotent(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x100, 0)
	p := newNested(t, e)
	defer p.Free()

	gpa := uint64(hostarch.GPAOf(0x1050))
	if _, err := p.PageFault(gpa, 0); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	p.InvalPage(gpa)
	p.InvalPage(gpa) // Unmapped already; must be a no-op.

	slot := e.slot(t, 0x1050)
	if !slot.Arch.RmapAt(slot.BaseGFN, 0x1050, hostarch.PageTableLevel).Empty() {
		t.Error("reverse mapping survived invalidation")
	}
	if _, err := p.PageFault(gpa, 0); err != nil {
		t.Errorf("refault after invalidation: %v", err)
	}
}

// TestReclaimUnderPressure keeps the inventory small and faults mappings in
// distant regions; old shadow pages must be recycled without the pool ever
// exceeding its cap.
func TestReclaimUnderPressure(t *testing.T) {
	const maxPages = 8
	e := newEnv(t, maxPages)
	p := newNested(t, e)
	defer p.Free()

	// Each fault is in its own top-level region, so each resolution
	// needs a fresh three-table path below the root.
	var gpas []uint64
	for i := 0; i < 6; i++ {
		base := hostarch.GFN(i) << 27 // 512G apart.
		e.addSlot(t, int16(i), base, 0x10, 0)
		gpas = append(gpas, uint64(hostarch.GPAOf(base)))
	}

	for _, gpa := range gpas {
		if _, err := p.PageFault(gpa, 0); err != nil {
			t.Fatalf("PageFault(%#x): %v", gpa, err)
		}
		if used := e.inv.Used(); used > maxPages {
			t.Fatalf("inventory used %d pages, cap is %d", used, maxPages)
		}
	}

	// Reclaimed regions must fault back in cleanly.
	if _, err := p.PageFault(gpas[0], 0); err != nil {
		t.Errorf("refault of reclaimed region: %v", err)
	}
}

func TestOutOfPages(t *testing.T) {
	e := newEnv(t, 1) // Room for the root only.
	e.addSlot(t, 0, 0x1000, 0x10, 0)
	p := newNested(t, e)
	defer p.Free()

	if _, err := p.PageFault(uint64(hostarch.GPAOf(0x1000)), 0); !errors.Is(err, ErrOutOfPages) {
		t.Errorf("PageFault = %v, want %v", err, ErrOutOfPages)
	}
}

func TestReadOnlySlot(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x10, memslot.FlagReadOnly)
	p := newNested(t, e)
	defer p.Free()

	if _, err := p.PageFault(uint64(hostarch.GPAOf(0x1005)), 0); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	slot := e.slot(t, 0x1005)
	slot.Arch.RmapAt(slot.BaseGFN, 0x1005, hostarch.PageTableLevel).Range(func(ref uint64) bool {
		sp := e.inv.byID[ref>>9]
		if sp.entries[ref&(entriesPerPage-1)].Writable() {
			t.Error("read-only slot mapped writable")
		}
		return true
	})
}

// TestTrackedFrame registers a write tracker on a mapped frame and checks
// that existing mappings lose write permission and write faults surface for
// emulation instead of being mapped.
func TestTrackedFrame(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x10, 0)
	p := newNested(t, e)
	defer p.Free()

	gpa := uint64(hostarch.GPAOf(0x1005))
	if _, err := p.PageFault(gpa, FaultError(svm.PFErrWrite)); err != nil {
		t.Fatalf("PageFault: %v", err)
	}

	tracker := pagetrack.New(e.inv)
	slot := e.slot(t, 0x1005)
	tracker.AddPage(slot, 0x1005, memslot.TrackWrite)

	slot.Arch.RmapAt(slot.BaseGFN, 0x1005, hostarch.PageTableLevel).Range(func(ref uint64) bool {
		sp := e.inv.byID[ref>>9]
		if sp.entries[ref&(entriesPerPage-1)].Writable() {
			t.Error("tracked frame still writable")
		}
		return true
	})

	var fault *Fault
	if _, err := p.PageFault(gpa, FaultError(svm.PFErrWrite)); !errors.As(err, &fault) || !fault.Tracked {
		t.Errorf("write to tracked frame = %v, want tracked Fault", err)
	}
	// Reads still resolve.
	if _, err := p.PageFault(gpa, 0); err != nil {
		t.Errorf("read of tracked frame: %v", err)
	}

	tracker.RemovePage(slot, 0x1005, memslot.TrackWrite)
	if _, err := p.PageFault(gpa, FaultError(svm.PFErrWrite)); err != nil {
		t.Errorf("write after tracker removal: %v", err)
	}
}

// TestLargePageMapping faults an interior frame of a big aligned slot and
// expects a 2M shadow leaf; a tracker on a nearby frame must force 4K.
func TestLargePageMapping(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x80000, 0x400, 0) // 4M slot, 2M aligned.
	p := newNested(t, e)
	defer p.Free()

	gpa := uint64(hostarch.GPAOf(0x80000 + 5))
	if _, err := p.PageFault(gpa, 0); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	slot := e.slot(t, 0x80000)
	if slot.Arch.RmapAt(slot.BaseGFN, 0x80000+5, 2).Empty() {
		t.Error("expected a 2M mapping")
	}
	if !slot.Arch.RmapAt(slot.BaseGFN, 0x80000+5, hostarch.PageTableLevel).Empty() {
		t.Error("unexpected 4K mapping alongside the 2M one")
	}

	// A write tracker in the second 2M region disallows the large page
	// there; the same fault pattern must degrade to 4K.
	tracker := pagetrack.New(e.inv)
	tracker.AddPage(slot, 0x80200+7, memslot.TrackWrite)
	gpa2 := uint64(hostarch.GPAOf(0x80200 + 5))
	if _, err := p.PageFault(gpa2, 0); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	if !slot.Arch.RmapAt(slot.BaseGFN, 0x80200+5, 2).Empty() {
		t.Error("large mapping installed over a tracked region")
	}
	if slot.Arch.RmapAt(slot.BaseGFN, 0x80200+5, hostarch.PageTableLevel).Empty() {
		t.Error("expected a 4K mapping in the tracked region")
	}
}

func TestBuildPermissions(t *testing.T) {
	p := buildPermissions()
	check := func(code FaultError, acc int, want bool) {
		t.Helper()
		got := p[(code>>1)&0xf]&(1<<acc) != 0
		if got != want {
			t.Errorf("code %#x acc %#x: fault = %v, want %v", uint64(code), acc, got, want)
		}
	}
	check(FaultError(svm.PFErrWrite), accAll, false)
	check(FaultError(svm.PFErrWrite), accExec|accUser, true)
	check(FaultError(svm.PFErrUser), accExec|accWrite, true)
	check(FaultError(svm.PFErrFetch), accWrite|accUser, true)
	check(FaultError(svm.PFErrFetch), accAll, false)
	check(FaultError(svm.PFErrRsvd), accAll, true)
	check(0, 0, false) // Supervisor read of a non-writable page.
}

// guestTables lays out 4-level guest page tables inside a slot at guest
// physical zero.
type guestTables struct {
	e   *env
	hva hostarch.Addr
}

func (g *guestTables) writePTE(t *testing.T, gpa hostarch.GPA, pte uint64) {
	t.Helper()
	buf := g.e.backing.Bytes(g.hva+hostarch.Addr(gpa), 8)
	binary.LittleEndian.PutUint64(buf, pte)
}

type fixedCR3 uint64

func (c fixedCR3) WalkCR3() uint64 { return uint64(c) }

// newShadowEnv builds a guest with identity-style tables:
//
//	L4 at 0x0000, L3 at 0x1000, L2 at 0x2000, L1 at 0x3000
//	gva 0x1000..0x2000  -> gpa 0x4000 (writable)
//	gva 0x2000..0x3000  -> gpa 0x5000 (read-only)
//	gva 0x200000..0x400000 -> gpa 0x200000 (2M guest page)
func newShadowEnv(t *testing.T) (*env, Paging) {
	t.Helper()
	e := newEnv(t, 512)
	hva := e.addSlot(t, 0, 0, 0x400, 0) // 4M at guest physical zero.
	g := &guestTables{e: e, hva: hva}

	const pteFlags = gptePresent | gpteWritable | gpteUser
	g.writePTE(t, 0x0000, 0x1000|pteFlags)
	g.writePTE(t, 0x1000, 0x2000|pteFlags)
	g.writePTE(t, 0x2000, 0x3000|pteFlags)
	g.writePTE(t, 0x3000+1*8, 0x4000|pteFlags)
	g.writePTE(t, 0x3000+2*8, 0x5000|gptePresent|gpteUser)
	g.writePTE(t, 0x2000+1*8, 0x200000|pteFlags|gpteLarge)

	p := New(Opts{
		Inventory: e.inv,
		Registry:  e.registry,
		Backing:   e.backing,
		Guest:     fixedCR3(0),
	})
	if err := p.NewRoot(); err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	t.Cleanup(p.Free)
	return e, p
}

func TestShadowWalk(t *testing.T) {
	_, p := newShadowEnv(t)

	for _, tc := range []struct {
		gva  hostarch.GVA
		want hostarch.GPA
	}{
		{0x1234, 0x4234},
		{0x2010, 0x5010},
		{0x200000 + 0x1500, 0x200000 + 0x1500}, // Through the 2M page.
	} {
		got, err := p.GvaToGpa(tc.gva)
		if err != nil {
			t.Errorf("GvaToGpa(%#x): %v", tc.gva, err)
			continue
		}
		if got != tc.want {
			t.Errorf("GvaToGpa(%#x) = %#x, want %#x", tc.gva, got, tc.want)
		}
	}
}

func TestShadowNotPresent(t *testing.T) {
	_, p := newShadowEnv(t)

	code := FaultError(svm.PFErrUser | svm.PFErrPresent)
	_, err := p.PageFault(uint64(hostarch.GVA(0x5000)), code)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("PageFault = %v, want *Fault", err)
	}
	if fault.Code.Present() {
		t.Error("not-present fault carries the present bit")
	}
	if fault.Level != hostarch.PageTableLevel {
		t.Errorf("fault level = %d, want %d", fault.Level, hostarch.PageTableLevel)
	}
}

func TestShadowPermissionFault(t *testing.T) {
	e, p := newShadowEnv(t)

	// gva 0x2000 maps a read-only guest page; a write must fault with
	// the present bit set.
	code := FaultError(svm.PFErrWrite | svm.PFErrUser)
	_, err := p.PageFault(uint64(hostarch.GVA(0x2010)), code)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("PageFault = %v, want *Fault", err)
	}
	if !fault.Code.Present() {
		t.Error("permission fault lacks the present bit")
	}

	// A read of the same page resolves, and the installed entry must not
	// grant the write the guest's tables deny.
	if _, err := p.PageFault(uint64(hostarch.GVA(0x2010)), FaultError(svm.PFErrUser)); err != nil {
		t.Errorf("read of read-only page: %v", err)
	}
	slot := e.slot(t, 5) // gpa 0x5000.
	found := false
	slot.Arch.RmapAt(slot.BaseGFN, 5, hostarch.PageTableLevel).Range(func(ref uint64) bool {
		found = true
		sp := e.inv.byID[ref>>9]
		if sp.entries[ref&(entriesPerPage-1)].Writable() {
			t.Error("guest read-only page shadowed writable")
		}
		return true
	})
	if !found {
		t.Error("read did not install a shadow mapping")
	}
}

func TestShadowResolvesToHost(t *testing.T) {
	e, p := newShadowEnv(t)

	got, err := p.PageFault(uint64(hostarch.GVA(0x1234)), FaultError(svm.PFErrWrite|svm.PFErrUser))
	if err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	want := e.hostPage(t, 4) + 0x234 // gpa 0x4234.
	if got != want {
		t.Errorf("PageFault = %#x, want %#x", got, want)
	}
}

func TestShadowUnbackedGuestTable(t *testing.T) {
	e, p := newShadowEnv(t)

	// Install an L3 entry whose next-level table sits outside any slot.
	hva := e.slot(t, 0).HVA(0)
	g := &guestTables{e: e, hva: hva}
	g.writePTE(t, 0x1000+1*8, uint64(hostarch.GPAOf(0x10000))|gptePresent|gpteWritable|gpteUser)

	// gva with L4 idx 0, L3 idx 1: table at unbacked gpa 0x10000000.
	gva := hostarch.GVA(1) << 30
	_, err := p.PageFault(uint64(gva), FaultError(svm.PFErrUser))
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("PageFault = %v, want *Fault", err)
	}
	if !fault.Code.GuestPage() {
		t.Error("fault against unbacked guest table lacks the guest-page bit")
	}
}

func TestShadowInvalPage(t *testing.T) {
	e, p := newShadowEnv(t)

	gva := uint64(hostarch.GVA(0x1234))
	if _, err := p.PageFault(gva, FaultError(svm.PFErrUser)); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	p.InvalPage(gva)

	slot := e.slot(t, 4)
	if !slot.Arch.RmapAt(slot.BaseGFN, 4, hostarch.PageTableLevel).Empty() {
		t.Error("shadow mapping survived InvalPage")
	}
	if _, err := p.PageFault(gva, FaultError(svm.PFErrUser)); err != nil {
		t.Errorf("refault after InvalPage: %v", err)
	}
}

// TestRootRecycle swaps roots and checks the old tree is released back to
// the pool.
func TestRootRecycle(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x10, 0)
	p := newNested(t, e)

	if _, err := p.PageFault(uint64(hostarch.GPAOf(0x1000)), 0); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	used := e.inv.Used()
	if err := p.NewRoot(); err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	if got := e.inv.Used(); got >= used {
		t.Errorf("inventory used %d after root swap, was %d", got, used)
	}
	p.Free()
	if got := e.inv.Used(); got != 0 {
		t.Errorf("inventory used %d after Free, want 0", got)
	}
}

// leafEntry walks the shadow tree to the translation of the frame, stopping
// at whatever level holds the leaf.
func leafEntry(b *base, gfn hostarch.GFN) (SPTE, bool) {
	b.inv.mu.Lock()
	defer b.inv.mu.Unlock()
	sp := b.root
	for sp != nil {
		idx := tableIndex(gfn, sp.level)
		if sp.children[idx] == nil {
			e := sp.entries[idx]
			return e, e.Present()
		}
		sp = sp.children[idx]
	}
	return 0, false
}

// TestDirtyLoggingForces4K: a dirty-logging slot must never be mapped with a
// large page, or writes inside the leaf would dirty one bitmap bit while
// touching the whole range.
func TestDirtyLoggingForces4K(t *testing.T) {
	e := newEnv(t, 512)
	// 4M slot, 2M aligned: eligible for large mappings except for the flag.
	e.addSlot(t, 0, 0x80000, 0x400, memslot.FlagLogDirtyPages)
	p := newNested(t, e)
	defer p.Free()

	gpa := uint64(hostarch.GPAOf(0x80000 + 5))
	if _, err := p.PageFault(gpa, FaultError(svm.PFErrWrite)); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	slot := e.slot(t, 0x80000)
	if !slot.Arch.RmapAt(slot.BaseGFN, 0x80000+5, 2).Empty() {
		t.Error("large mapping installed over a dirty-logging slot")
	}
	if slot.Arch.RmapAt(slot.BaseGFN, 0x80000+5, hostarch.PageTableLevel).Empty() {
		t.Error("expected a 4K mapping in the dirty-logging slot")
	}
}

// TestStaleFaultSweptAtGraceEnd: a fault that resolved its slot before a
// deletion may install its translation after the synchronous teardown ran.
// The teardown must run again once the fault's snapshot drains, or the
// translation would outlive the slot with no reverse mapping left to find
// it.
func TestStaleFaultSweptAtGraceEnd(t *testing.T) {
	e := newEnv(t, 512)
	e.addSlot(t, 0, 0x1000, 0x100, 0)
	p := newNested(t, e)
	defer p.Free()
	np := p.(*nestedPaging)

	// The in-flight fault holds a pre-deletion snapshot.
	snap, release := e.registry.Acquire()
	slot, ok := snap.Lookup(0x1050)
	if !ok {
		t.Fatal("no slot covers 0x1050")
	}

	swept := make(chan struct{}, 2)
	if _, err := e.registry.Update(memslot.MemoryRegion{Slot: 0}, func(old *memslot.Slot) {
		e.inv.UnmapSlot(old)
		swept <- struct{}{}
	}); err != nil {
		t.Fatalf("deleting slot: %v", err)
	}
	<-swept // The synchronous teardown between the two publication phases.

	// The stale fault now installs its translation, after the teardown.
	np.inv.mu.Lock()
	err := np.install(slot, 0x1050, hostarch.PageTableLevel, true)
	np.inv.mu.Unlock()
	np.inv.commit()
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, present := leafEntry(&np.base, 0x1050); !present {
		t.Fatal("stale install did not take")
	}

	release() // The last stale reference goes; the sweep must rerun.
	<-swept
	if entry, present := leafEntry(&np.base, 0x1050); present {
		t.Errorf("stale translation survived slot deletion: SPTE %#x", uint64(entry))
	}
}
