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

import "sync"

// minASID is the first assignable identifier; ASID zero tags host TLB
// entries and is reserved.
const minASID = 1

// CPUData is the ASID allocator of one physical core. A virtual CPU entering
// guest mode on the core revalidates its ASID against the current
// generation; exhaustion of the ASID space bumps the generation, implicitly
// staling every other virtual CPU's assignment on this core.
//
// Entries normally come from the one thread pinned to the core, but nothing
// enforces that pinning here, so the allocator locks internally.
type CPUData struct {
	// CPU is the core number, informational only.
	CPU int

	mu         sync.Mutex
	generation uint64
	maxASID    uint32
	nextASID   uint32
}

// NewCPUData returns the allocator for one core. maxASID is the highest
// identifier hardware supports.
func NewCPUData(cpu int, maxASID uint32) *CPUData {
	if maxASID < minASID {
		panic("svm: core supports no assignable ASIDs")
	}
	return &CPUData{
		CPU:        cpu,
		generation: 1,
		maxASID:    maxASID,
		nextASID:   minASID,
	}
}

// Generation returns the current allocator generation.
func (d *CPUData) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// Assign returns the virtual CPU's ASID for this core, reusing the existing
// assignment when its generation is current. A fresh assignment installs the
// ASID on the control block and marks a TLB flush, as hardware requires when
// an identifier is recycled.
func (d *CPUData) Assign(v *VCPU) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v.asidGeneration == d.generation {
		return v.asid
	}
	if d.nextASID > d.maxASID {
		// Space exhausted: start a new generation. Every other
		// virtual CPU on this core pays the reassignment cost on its
		// next entry.
		d.generation++
		d.nextASID = minASID
	}
	v.asid = d.nextASID
	v.asidGeneration = d.generation
	d.nextASID++

	v.vmcb.SetASID(v.asid)
	v.vmcb.FlushASID()
	return v.asid
}
