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

// Reg identifies a general-purpose register slot in the virtual CPU register
// cache. The numeric values match the hardware source-index encoding.
type Reg int

// General-purpose register indices, plus RIP.
const (
	RegRAX Reg = 0
	RegRCX Reg = 1
	RegRDX Reg = 2
	RegRBX Reg = 3
	RegRSP Reg = 4
	RegRBP Reg = 5
	RegRSI Reg = 6
	RegRDI Reg = 7
	RegR8  Reg = 8
	RegR9  Reg = 9
	RegR10 Reg = 10
	RegR11 Reg = 11
	RegR12 Reg = 12
	RegR13 Reg = 13
	RegR14 Reg = 14
	RegR15 Reg = 15
	RegRIP Reg = 16

	// NrRegs is the size of the register cache.
	NrRegs = 17
)

// ExReg identifies an extended register class whose availability is tracked
// separately from the general-purpose cache.
type ExReg int

// Extended register classes.
const (
	ExRegPDPTR ExReg = NrRegs + iota
	ExRegCR3
	ExRegRFLAGS
	ExRegSegments
)

// SReg identifies a segment register.
type SReg int

// Segment register indices.
const (
	SRegES SReg = iota
	SRegCS
	SRegSS
	SRegDS
	SRegFS
	SRegGS
	SRegTR
	SRegLDTR
)

// String implements fmt.Stringer.
func (r Reg) String() string {
	names := [NrRegs]string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip",
	}
	if r < 0 || int(r) >= len(names) {
		return "reg(invalid)"
	}
	return names[r]
}
