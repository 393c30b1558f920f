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
	"unsafe"

	"vmrun.dev/vmrun/pkg/hostarch"
)

// unsafePointer returns the address of the first byte of the slice.
func unsafePointer(m []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(m))
}

// Bytes returns the backing bytes at the given host virtual address.
//
// Precondition: [virtual, virtual+length) must lie within a registered
// region; regions are never unmapped before Release.
func (b *Backing) Bytes(virtual hostarch.Addr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(virtual))), length)
}
