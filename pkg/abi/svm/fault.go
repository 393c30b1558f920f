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

// Page-fault error code bits. Bits 0-5 are defined by the architecture for
// first-level faults; bits 32 and 33 distinguish the two fault sources that
// exist once nested paging is active (the guest's own page tables versus the
// nested translation of a guest-physical address).
const (
	PFErrPresentBit    = 0
	PFErrWriteBit      = 1
	PFErrUserBit       = 2
	PFErrRsvdBit       = 3
	PFErrFetchBit      = 4
	PFErrPKBit         = 5
	PFErrGuestFinalBit = 32
	PFErrGuestPageBit  = 33

	PFErrPresent    = uint64(1) << PFErrPresentBit
	PFErrWrite      = uint64(1) << PFErrWriteBit
	PFErrUser       = uint64(1) << PFErrUserBit
	PFErrRsvd       = uint64(1) << PFErrRsvdBit
	PFErrFetch      = uint64(1) << PFErrFetchBit
	PFErrPK         = uint64(1) << PFErrPKBit
	PFErrGuestFinal = uint64(1) << PFErrGuestFinalBit
	PFErrGuestPage  = uint64(1) << PFErrGuestPageBit
)
