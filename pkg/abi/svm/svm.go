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

// Package svm defines constants fixed by the AMD64 architecture for
// hardware-assisted virtualization (SVM). See AMD64 Architecture
// Programmer's Manual, Vol 2: System Programming.
package svm

// CPUID leaves and bits advertising SVM support.
const (
	CPUIDExt1SVMLeaf     = 0x80000001
	CPUIDExt1SVMBit      = 0x2
	CPUIDExtASVMLockLeaf = 0x8000000a
	CPUIDExtASVMLockBit  = 0x2
)

// MSRs controlling SVM enablement and the host save area.
const (
	MSRVMCR         = 0xc0010114
	MSRVMCRSVMDis   = 0x4
	MSREFER         = 0xc0000080
	MSREFERSVMEnBit = 12
	MSRVMHSavePA    = 0xc0010117
)

// Hardware flags tracked per virtual CPU.
const (
	// HFGIFMask is set when the global interrupt flag is enabled.
	HFGIFMask = 1 << 0

	// HFGuestMask is set while the virtual CPU is in guest mode.
	HFGuestMask = 1 << 5

	// HFSMMMask is set while the virtual CPU is in system management
	// mode.
	HFSMMMask = 1 << 6
)

// VIntrMask is the virtual-interrupt pending bit in the VMCB interrupt
// control field.
const VIntrMask = 1 << 24

// CR0 bits handled selectively on write intercepts.
const (
	CR0TS = 1 << 3
	CR0MP = 1 << 1

	CR0SelectiveMask = CR0TS | CR0MP
)
