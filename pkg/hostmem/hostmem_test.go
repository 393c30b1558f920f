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

package hostmem

import (
	"sync"
	"testing"

	"vmrun.dev/vmrun/pkg/hostarch"
)

func TestAllocateAndTranslate(t *testing.T) {
	b := New()
	defer b.Release()

	addr, err := b.Allocate(4 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !addr.PageAligned() {
		t.Fatalf("allocation at %#x is not page aligned", addr)
	}

	hpa, length, ok := b.Translate(addr)
	if !ok {
		t.Fatal("fresh allocation does not translate")
	}
	if hpa < reservedMemory {
		t.Errorf("physical %#x assigned below the reserved floor", hpa)
	}
	if length != 4*hostarch.PageSize {
		t.Errorf("contiguous length = %#x, want %#x", length, 4*hostarch.PageSize)
	}

	// Interior addresses translate with the right offset and remainder.
	hpa2, length2, ok := b.Translate(addr + 2*hostarch.PageSize + 5)
	if !ok {
		t.Fatal("interior address does not translate")
	}
	if hpa2 != hpa+2*hostarch.PageSize+5 {
		t.Errorf("interior physical = %#x, want %#x", hpa2, hpa+2*hostarch.PageSize+5)
	}
	if length2 != 2*hostarch.PageSize-5 {
		t.Errorf("interior remainder = %#x, want %#x", length2, 2*hostarch.PageSize-5)
	}

	// And back again.
	back, _, ok := b.TranslateReverse(hpa2)
	if !ok || back != addr+2*hostarch.PageSize+5 {
		t.Errorf("TranslateReverse(%#x) = %#x, %v; want %#x", hpa2, back, ok, addr+2*hostarch.PageSize+5)
	}
}

func TestTranslateInjective(t *testing.T) {
	b := New()
	defer b.Release()

	a1, err := b.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a2, err := b.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p1, _, _ := b.Translate(a1)
	p2, _, _ := b.Translate(a2)
	if p1 == p2 {
		t.Errorf("distinct regions share physical %#x", p1)
	}
}

func TestRegisterRejects(t *testing.T) {
	b := New()
	defer b.Release()

	addr, err := b.Allocate(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := b.Register(addr+hostarch.PageSize, hostarch.PageSize); err == nil {
		t.Error("overlapping registration accepted")
	}
	if _, err := b.Register(addr+1, hostarch.PageSize); err == nil {
		t.Error("unaligned registration accepted")
	}
	if _, err := b.Register(0x7f0000000000, 0); err == nil {
		t.Error("empty registration accepted")
	}
}

func TestUnknownTranslate(t *testing.T) {
	b := New()
	defer b.Release()
	if _, _, ok := b.Translate(0xdeadbeef000); ok {
		t.Error("unregistered address translated")
	}
	if _, _, ok := b.TranslateReverse(0); ok {
		t.Error("reserved physical range translated")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	b := New()
	defer b.Release()

	addr, err := b.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf := b.Bytes(addr, 16)
	copy(buf, "vmrun")
	again := b.Bytes(addr, 16)
	if string(again[:5]) != "vmrun" {
		t.Errorf("Bytes did not alias the backing: %q", again[:5])
	}
}

// TestConcurrentTranslate races lock-free translations against new
// registrations; the race detector flags unsynchronized region publication.
func TestConcurrentTranslate(t *testing.T) {
	b := New()
	defer b.Release()

	first, err := b.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				hpa, _, ok := b.Translate(first)
				if !ok {
					t.Error("registered region stopped translating")
					return
				}
				if v, _, ok := b.TranslateReverse(hpa); !ok || v != first {
					t.Errorf("reverse translation moved: got %#x, want %#x", v, first)
					return
				}
			}
		}()
	}
	for i := 0; i < 64; i++ {
		if _, err := b.Allocate(hostarch.PageSize); err != nil {
			t.Errorf("Allocate under load: %v", err)
			break
		}
	}
	close(stop)
	wg.Wait()
}
