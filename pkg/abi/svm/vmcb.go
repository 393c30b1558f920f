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

// CleanBit identifies a VMCB segment for clean-bit (dirty) tracking. The
// hardware may skip reloading a segment whose clean bit is set, so software
// must clear the bit at the point of every field mutation.
type CleanBit int

// VMCB clean-bit segments.
const (
	// CleanIntercepts covers intercept vectors, the TSC offset and the
	// pause filter count.
	CleanIntercepts CleanBit = iota

	// CleanPermMap covers the IOPM and MSRPM base addresses.
	CleanPermMap

	// CleanASID covers the address-space identifier.
	CleanASID

	// CleanIntr covers int_ctl and int_vector.
	CleanIntr

	// CleanNPT covers np_enable, nested CR3 and the guest PAT.
	CleanNPT

	// CleanCR covers CR0, CR3, CR4 and EFER.
	CleanCR

	// CleanDR covers DR6 and DR7.
	CleanDR

	// CleanDT covers the GDT and IDT.
	CleanDT

	// CleanSeg covers CS, DS, SS, ES and CPL.
	CleanSeg

	// CleanCR2 covers CR2 only.
	CleanCR2

	// CleanLBR covers DBGCTL and the last-branch record fields.
	CleanLBR

	// CleanAVIC covers the advanced-interrupt-controller fields.
	CleanAVIC

	// CleanMax is the number of tracked segments.
	CleanMax
)

// AlwaysDirtyMask holds the segments written unconditionally before every
// entry: the interrupt-control fields (TPR) and CR2.
const AlwaysDirtyMask = (1 << CleanIntr) | (1 << CleanCR2)

// AllCleanMask has every clean bit set except the always-dirty segments.
const AllCleanMask = (1<<CleanMax - 1) &^ AlwaysDirtyMask

// TLB control values consumed by hardware on entry.
const (
	// TLBControlDoNothing leaves TLB entries intact.
	TLBControlDoNothing = 0

	// TLBControlFlushAll flushes all TLB entries on entry.
	TLBControlFlushAll = 1

	// TLBControlFlushASID flushes entries tagged with the VMCB ASID.
	TLBControlFlushASID = 3
)
