/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package dma is the hardware-abstraction and memory-ownership layer under a
// paravirtualized device driver stack. It bridges driver-visible virtual
// addresses and device-visible physical addresses, and owns the lifetime of
// contiguous physical regions used for bus-mastering transfers.
//
// The package defines two things: the HAL capability interface a hosting
// platform (kernel framework, hypervisor guest runtime, userspace device
// model) must implement, and the Buffer type that allocates, exposes and
// releases one physical region through that interface. Everything above it,
// such as queue or transport protocols, consumes these primitives.
package dma

// PageSize is the granularity of all physical memory handled by this
// package. Allocations are always a whole number of pages.
const PageSize = 4096

// VirtAddr is a virtual memory address in the address space of the driver.
type VirtAddr uintptr

// PhysAddr is a physical address as seen by the device or bus. The zero
// value is reserved: conforming HAL implementations never produce it for a
// valid allocation, and the package uses it as the allocation-failure
// sentinel.
type PhysAddr uintptr

// HAL is the capability interface between this driver core and whatever
// platform supplies physical memory and address-space services.
//
// Implementations must be safe for concurrent use on independent regions;
// any synchronization they need is internal. Call pairing and ordering
// (alloc before dealloc, share before unshare, each at most once) is the
// caller's contract and is not policed here.
//
// HAL is a type constraint as much as an interface: Buffer is generic over
// its HAL so the binding is resolved at compile time. Implementations are
// conventionally zero-sized struct types whose methods reach package or
// process state.
type HAL interface {
	// DMAAlloc reserves the given number of contiguous physical pages of
	// DMA-capable memory. The direction may influence cache-coherency or
	// visibility setup done by the implementation. Returns zero on failure.
	DMAAlloc(pages int, dir BufferDirection) PhysAddr

	// DMADealloc releases pages previously obtained from DMAAlloc, with the
	// same page count. Zero means success; nonzero means failure. Must be
	// called at most once per allocation.
	DMADealloc(paddr PhysAddr, pages int) int32

	// PhysToVirt converts a physical address to a virtual address the
	// driver can access. It must resolve both addresses originated by
	// DMAAlloc and device-exposed MMIO addresses discovered elsewhere.
	PhysToVirt(paddr PhysAddr) VirtAddr

	// Share grants the device access to an arbitrary caller-owned buffer,
	// per dir, and returns the physical address the device can use. The
	// implementation may map the buffer directly, grant it through an
	// IOMMU, or copy it into an internally managed region.
	Share(buf []byte, dir BufferDirection) PhysAddr

	// Unshare reverses a prior Share. When dir grants the device write
	// access, copy-based implementations copy the possibly device-modified
	// contents back into buf; for DriverToDevice no copy-back occurs.
	Unshare(paddr PhysAddr, buf []byte, dir BufferDirection)
}
