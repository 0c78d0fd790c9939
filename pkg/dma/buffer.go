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

package dma

import (
	"fmt"
	"unsafe"
)

// Buffer is a region of contiguous physical memory owned by exactly one
// holder. It is bound at compile time to one HAL implementation; H is
// conventionally a zero-sized struct so the binding costs nothing per call.
//
// A Buffer is not safe for concurrent use without external synchronization.
// The HAL it is bound to must itself tolerate concurrent calls for
// independent buffers.
type Buffer[H HAL] struct {
	hal   H
	paddr PhysAddr
	pages int
}

// NewBuffer allocates pages contiguous physical pages through H and returns
// a live buffer owning them. It returns ErrAllocFailed when the HAL reports
// the zero sentinel; in that case no deallocation is owed. A non-positive
// page count is a programming error and panics.
//
// The caller must release the buffer with Close exactly once, typically
// with defer.
func NewBuffer[H HAL](pages int, dir BufferDirection) (*Buffer[H], error) {
	if pages <= 0 {
		panic(fmt.Sprintf("dma: non-positive page count %d", pages))
	}
	b := &Buffer[H]{pages: pages}
	b.paddr = b.hal.DMAAlloc(pages, dir)
	if b.paddr == 0 {
		allocFailures.Inc()
		return nil, ErrAllocFailed
	}
	bufferAllocs.Inc()
	livePages.Add(float64(pages))
	return b, nil
}

// Paddr returns the physical base address of the region. It is stable for
// the buffer's lifetime; transport code hands it to the device.
func (b *Buffer[H]) Paddr() PhysAddr {
	return b.paddr
}

// Pages returns the page count the buffer was allocated with.
func (b *Buffer[H]) Pages() int {
	return b.pages
}

// Vaddr returns the virtual address of the region. It is recomputed through
// the HAL on every call rather than cached, so it stays correct under any
// translation that is not strictly time-invariant.
func (b *Buffer[H]) Vaddr() VirtAddr {
	return b.hal.PhysToVirt(b.paddr)
}

// RawSlice returns the driver-side view of the whole region: exactly
// Pages()*PageSize bytes starting at Vaddr(). The slice is only valid while
// the buffer is alive; using it after Close is undefined.
func (b *Buffer[H]) RawSlice() []byte {
	//nolint:govet // Vaddr is a live mapping owned by this buffer.
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.Vaddr()))), b.pages*PageSize)
}

// Close releases the region. It must be called exactly once: a second call
// panics, as does a nonzero deallocation status from the HAL. There is no
// error return because there is no safe way to recover from a failed
// release; continuing would leak or double-manage physical memory.
func (b *Buffer[H]) Close() {
	if b.paddr == 0 {
		panic("dma: buffer already released")
	}
	paddr := b.paddr
	b.paddr = 0
	if status := b.hal.DMADealloc(paddr, b.pages); status != 0 {
		panic(fmt.Sprintf("dma: dealloc of %#x (%d pages) failed, status %d",
			uintptr(paddr), b.pages, status))
	}
	bufferReleases.Inc()
	livePages.Sub(float64(b.pages))
}
