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

// Package dmatest provides a fake, heap-backed HAL implementation for
// testing code built on package dma.
//
// The fake keeps a single in-process arena of pages at a fabricated
// physical window, records every capability call, and implements Share with
// a bounce copy so tests can observe copy-in/copy-back behavior and
// simulate device writes. It is not safe to use from more than one test
// binary state at a time; call Reset at the start of each test.
package dmatest

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/srediag/dma-hal/pkg/dma"
)

const (
	// DefaultPages is the size of the fake physical arena.
	DefaultPages = 256

	// PhysBase is the device-visible base address of the fake arena. It is
	// deliberately far from any plausible heap address so tests mixing up
	// physical and virtual addresses fail loudly.
	PhysBase dma.PhysAddr = 0x8000_0000
)

// Call records one capability invocation, in order.
type Call struct {
	Op    string // "alloc", "dealloc", "share", "unshare"
	Paddr dma.PhysAddr
	Pages int
	Dir   dma.BufferDirection
}

type fake struct {
	mu    sync.Mutex
	mem   []byte
	inUse []bool
	// pages per live allocation, keyed by base physical address
	allocs map[dma.PhysAddr]int
	// pages per outstanding bounce share
	shares map[dma.PhysAddr]int
	calls  []Call

	failNextAlloc   bool
	failNextDealloc bool
}

var f = newFake(DefaultPages)

func newFake(pages int) *fake {
	return &fake{
		mem:    make([]byte, pages*dma.PageSize),
		inUse:  make([]bool, pages),
		allocs: make(map[dma.PhysAddr]int),
		shares: make(map[dma.PhysAddr]int),
	}
}

// Reset discards all fake state, including recorded calls and armed
// failures, and reinitializes the arena to DefaultPages pages.
func Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem = make([]byte, DefaultPages*dma.PageSize)
	f.inUse = make([]bool, DefaultPages)
	f.allocs = make(map[dma.PhysAddr]int)
	f.shares = make(map[dma.PhysAddr]int)
	f.calls = nil
	f.failNextAlloc = false
	f.failNextDealloc = false
}

// HAL is the fake capability implementation. It is zero-sized and delegates
// to package state, so dma.Buffer[dmatest.HAL] binds to it statically.
type HAL struct{}

var _ dma.HAL = HAL{}

func (HAL) DMAAlloc(pages int, dir dma.BufferDirection) dma.PhysAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextAlloc {
		f.failNextAlloc = false
		f.calls = append(f.calls, Call{Op: "alloc", Pages: pages, Dir: dir})
		return 0
	}
	paddr := f.reserve(pages)
	if paddr != 0 {
		f.allocs[paddr] = pages
	}
	f.calls = append(f.calls, Call{Op: "alloc", Paddr: paddr, Pages: pages, Dir: dir})
	return paddr
}

func (HAL) DMADealloc(paddr dma.PhysAddr, pages int) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "dealloc", Paddr: paddr, Pages: pages})
	if f.failNextDealloc {
		f.failNextDealloc = false
		return -1
	}
	if got, ok := f.allocs[paddr]; !ok || got != pages {
		return -1
	}
	delete(f.allocs, paddr)
	f.release(paddr, pages)
	return 0
}

func (HAL) PhysToVirt(paddr dma.PhysAddr) dma.VirtAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, ok := f.offset(paddr)
	if !ok {
		panic(fmt.Sprintf("dmatest: phys_to_virt of address %#x outside fake arena", uintptr(paddr)))
	}
	return dma.VirtAddr(uintptr(unsafe.Pointer(&f.mem[off])))
}

// Share copies buf into freshly reserved shadow pages when dir lets the
// device read, and returns their physical address. The shadow stands in for
// whatever device-accessible region a real platform would use.
func (HAL) Share(buf []byte, dir dma.BufferDirection) dma.PhysAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := (len(buf) + dma.PageSize - 1) / dma.PageSize
	if pages == 0 {
		pages = 1
	}
	if f.failNextAlloc {
		f.failNextAlloc = false
		f.calls = append(f.calls, Call{Op: "share", Pages: pages, Dir: dir})
		return 0
	}
	paddr := f.reserve(pages)
	if paddr == 0 {
		f.calls = append(f.calls, Call{Op: "share", Pages: pages, Dir: dir})
		return 0
	}
	if dir.DeviceReadable() {
		off, _ := f.offset(paddr)
		copy(f.mem[off:], buf)
	}
	f.shares[paddr] = pages
	f.calls = append(f.calls, Call{Op: "share", Paddr: paddr, Pages: pages, Dir: dir})
	return paddr
}

// Unshare copies the shadow back into buf when dir lets the device write,
// then releases the shadow pages. Unsharing an address with no outstanding
// share panics: that is a caller contract violation.
func (HAL) Unshare(paddr dma.PhysAddr, buf []byte, dir dma.BufferDirection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages, ok := f.shares[paddr]
	if !ok {
		panic(fmt.Sprintf("dmatest: unshare of %#x without matching share", uintptr(paddr)))
	}
	if dir.DeviceWritable() {
		off, _ := f.offset(paddr)
		copy(buf, f.mem[off:off+len(buf)])
	}
	delete(f.shares, paddr)
	f.release(paddr, pages)
	f.calls = append(f.calls, Call{Op: "unshare", Paddr: paddr, Pages: pages, Dir: dir})
}

// FailNextAlloc arms a one-shot failure: the next DMAAlloc or Share returns
// the zero sentinel.
func FailNextAlloc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextAlloc = true
}

// FailNextDealloc arms a one-shot nonzero status on the next DMADealloc.
func FailNextDealloc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextDealloc = true
}

// Calls returns a copy of every capability call recorded since Reset.
func Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor filters Calls by operation name.
func CallsFor(op string) []Call {
	var out []Call
	for _, c := range Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Bytes exposes n bytes of fake physical memory at paddr, for tests playing
// the device side of a transfer.
func Bytes(paddr dma.PhysAddr, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, ok := f.offset(paddr)
	if !ok || off+n > len(f.mem) {
		panic(fmt.Sprintf("dmatest: bytes [%#x, +%d) outside fake arena", uintptr(paddr), n))
	}
	return f.mem[off : off+n]
}

// Corrupt overwrites n bytes of fake physical memory at paddr with a fill
// pattern. Used to prove that DriverToDevice unshares never copy back.
func Corrupt(paddr dma.PhysAddr, n int) {
	b := Bytes(paddr, n)
	for i := range b {
		b[i] = 0xa5
	}
}

// LivePages returns the number of pages currently reserved, counting both
// allocations and outstanding shares.
func LivePages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, used := range f.inUse {
		if used {
			n++
		}
	}
	return n
}

// reserve finds a first-fit run of pages free pages, marks it used and
// returns its physical address, or 0 when no run fits. Caller holds f.mu.
func (f *fake) reserve(pages int) dma.PhysAddr {
	if pages <= 0 {
		return 0
	}
	run := 0
	for i := range f.inUse {
		if f.inUse[i] {
			run = 0
			continue
		}
		run++
		if run == pages {
			start := i - pages + 1
			for j := start; j <= i; j++ {
				f.inUse[j] = true
			}
			off := start * dma.PageSize
			clear(f.mem[off : off+pages*dma.PageSize])
			return PhysBase + dma.PhysAddr(off)
		}
	}
	return 0
}

func (f *fake) release(paddr dma.PhysAddr, pages int) {
	off, _ := f.offset(paddr)
	page := off / dma.PageSize
	for i := 0; i < pages; i++ {
		f.inUse[page+i] = false
	}
}

func (f *fake) offset(paddr dma.PhysAddr) (int, bool) {
	if paddr < PhysBase {
		return 0, false
	}
	off := int(paddr - PhysBase)
	if off >= len(f.mem) {
		return 0, false
	}
	return off, true
}
