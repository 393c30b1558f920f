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
	"vmrun.dev/vmrun/pkg/hostarch"
)

// nestedPaging relies on hardware to walk the guest's page tables; only the
// guest-physical to host-physical level is resolved here. The root is
// installed as the nested CR3.
type nestedPaging struct {
	base
}

// PageFault implements Paging.PageFault for nested paging: addr is a guest
// physical address straight from the exit information, and code carries the
// guest-final/guest-page bits set by hardware.
func (m *nestedPaging) PageFault(addr uint64, code FaultError) (hostarch.HPA, error) {
	return m.mapGPA(hostarch.GPA(addr), code, addr, accAll, hostarch.MaxPageLevel)
}

// GvaToGpa implements Paging.GvaToGpa. With nested paging active the
// hardware walks the guest tables, so the address is already guest physical.
func (m *nestedPaging) GvaToGpa(gva hostarch.GVA) (hostarch.GPA, error) {
	return hostarch.GPA(gva), nil
}

// InvalPage implements Paging.InvalPage: addr is a guest physical address.
func (m *nestedPaging) InvalPage(addr uint64) {
	m.invalGFN(hostarch.GFNOf(hostarch.GPA(addr)))
}
