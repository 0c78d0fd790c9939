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

// Package arena manages one contiguous region of driver memory exposed to a
// device through a fixed physical window. The region is backed by an
// anonymous memfd, a file under /dev/shm, or the Go heap, and is carved
// into pages by a first-fit allocator over a bit array.
//
// Device-visible addresses are PhysBase plus the page offset into the
// region; translation in either direction is plain arithmetic against the
// mapped base.
package arena

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/Workiva/go-datastructures/bitarray"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/dma-hal/internal/logger"
	"github.com/srediag/dma-hal/pkg/dma"
)

// Backing selects how the arena's memory is obtained.
type Backing int

const (
	// BackingAuto picks memfd on Linux and the heap elsewhere.
	BackingAuto Backing = iota
	// BackingHeap uses a plain Go slice. Portable; fine for tests and for
	// device models living in the same process.
	BackingHeap
	// BackingMemfd uses memfd_create + mmap (Linux only). The fd can later
	// be handed to another process hosting the device model.
	BackingMemfd
	// BackingShmFile maps a named file under /dev/shm (Linux only).
	BackingShmFile
)

const (
	// DefaultPhysBase is the device-visible base of the physical window
	// when Options.PhysBase is zero.
	DefaultPhysBase dma.PhysAddr = 0x1000_0000

	defaultPages = 1024
	maxAutoPages = 65536
)

// ErrNoSpace is returned by Alloc when no contiguous run of free pages is
// large enough.
var ErrNoSpace = errors.New("arena: insufficient contiguous free pages")

// Options configures a new arena. The zero value is usable: auto backing,
// auto sizing, DefaultPhysBase, no telemetry.
type Options struct {
	// Pages is the region size in pages. Zero derives a size from the
	// machine's available memory.
	Pages int
	// PhysBase is the device-visible window base. Must be page-aligned and
	// nonzero (zero is the allocation-failure sentinel upstream); zero
	// here means DefaultPhysBase.
	PhysBase dma.PhysAddr
	// Backing selects the memory source.
	Backing Backing
	// Path names the backing file for BackingShmFile.
	Path string
	// Meter, when set, publishes allocation telemetry through OpenTelemetry.
	Meter metric.Meter
}

// Arena is one physical memory region plus its page accounting. All
// mutating operations are safe for concurrent use.
type Arena struct {
	mu        sync.Mutex
	mem       []byte
	base      uintptr
	physBase  dma.PhysAddr
	pages     int
	used      bitarray.BitArray
	usedPages int
	// pages per live allocation, for validating frees
	allocs  map[dma.PhysAddr]int
	backing Backing
	cleanup func() error
	closed  bool

	allocOps   metric.Int64Counter
	pagesInUse metric.Int64UpDownCounter
}

// New maps a region per opts and returns an arena over it.
func New(opts Options) (*Arena, error) {
	physBase := opts.PhysBase
	if physBase == 0 {
		physBase = DefaultPhysBase
	}
	if uintptr(physBase)%dma.PageSize != 0 {
		return nil, fmt.Errorf("arena: phys base %#x is not page aligned", uintptr(physBase))
	}
	pages := opts.Pages
	if pages == 0 {
		pages = autoPages()
	}
	if pages < 0 {
		return nil, fmt.Errorf("arena: negative page count %d", pages)
	}
	size := pages * dma.PageSize

	backing := opts.Backing
	if backing == BackingAuto {
		if runtime.GOOS == "linux" {
			backing = BackingMemfd
		} else {
			backing = BackingHeap
		}
	}

	var (
		region  []byte
		cleanup func() error
		err     error
	)
	switch backing {
	case BackingHeap:
		region = make([]byte, size)
		cleanup = func() error { return nil }
	case BackingMemfd:
		region, cleanup, err = mapMemfd("dma-arena", size)
	case BackingShmFile:
		if opts.Path == "" {
			return nil, errors.New("arena: shm-file backing needs a path")
		}
		if !canCreateOnDevShm(uint64(size), opts.Path) {
			return nil, fmt.Errorf("arena: not enough space on /dev/shm for %d bytes at %s", size, opts.Path)
		}
		region, cleanup, err = mapShmFile(opts.Path, size)
	default:
		return nil, fmt.Errorf("arena: unknown backing %d", backing)
	}
	if err != nil {
		return nil, err
	}

	a := &Arena{
		mem:      region,
		base:     uintptr(unsafe.Pointer(&region[0])),
		physBase: physBase,
		pages:    pages,
		used:     bitarray.NewBitArray(uint64(pages)),
		allocs:   make(map[dma.PhysAddr]int),
		backing:  backing,
		cleanup:  cleanup,
	}
	if opts.Meter != nil {
		a.allocOps, err = opts.Meter.Int64Counter("dma.arena.allocs")
		if err != nil {
			return nil, fmt.Errorf("arena: create alloc counter: %w", err)
		}
		a.pagesInUse, err = opts.Meter.Int64UpDownCounter("dma.arena.pages_in_use")
		if err != nil {
			return nil, fmt.Errorf("arena: create pages gauge: %w", err)
		}
	}
	logger.Infof("arena: mapped %d pages at %#x, window base %#x, backing %d",
		pages, a.base, uintptr(physBase), backing)
	return a, nil
}

// Alloc reserves a contiguous run of pages and returns its device-visible
// address. The pages are zeroed. Returns ErrNoSpace when the region cannot
// satisfy the request.
func (a *Arena) Alloc(pages int) (dma.PhysAddr, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("arena: non-positive page count %d", pages)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start, ok := a.findRun(pages)
	if !ok {
		return 0, ErrNoSpace
	}
	for i := start; i < start+pages; i++ {
		if err := a.used.SetBit(uint64(i)); err != nil {
			return 0, fmt.Errorf("arena: mark page %d: %w", i, err)
		}
	}
	a.usedPages += pages
	off := start * dma.PageSize
	clear(a.mem[off : off+pages*dma.PageSize])
	paddr := a.physBase + dma.PhysAddr(off)
	a.allocs[paddr] = pages
	a.record(int64(pages))
	return paddr, nil
}

// Free releases a run previously returned by Alloc with the same page
// count. Freeing anything else is an error.
func (a *Arena) Free(paddr dma.PhysAddr, pages int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	got, ok := a.allocs[paddr]
	if !ok {
		return fmt.Errorf("arena: free of unallocated address %#x", uintptr(paddr))
	}
	if got != pages {
		return fmt.Errorf("arena: free of %#x with %d pages, allocated with %d", uintptr(paddr), pages, got)
	}
	delete(a.allocs, paddr)
	page := int(paddr-a.physBase) / dma.PageSize
	for i := page; i < page+pages; i++ {
		if err := a.used.ClearBit(uint64(i)); err != nil {
			return fmt.Errorf("arena: clear page %d: %w", i, err)
		}
	}
	a.usedPages -= pages
	a.record(int64(-pages))
	return nil
}

// VirtOf translates a device-visible address inside the window to the
// driver's virtual address.
func (a *Arena) VirtOf(paddr dma.PhysAddr) (dma.VirtAddr, bool) {
	if paddr < a.physBase {
		return 0, false
	}
	off := uintptr(paddr - a.physBase)
	if off >= uintptr(len(a.mem)) {
		return 0, false
	}
	return dma.VirtAddr(a.base + off), true
}

// PhysOf is the inverse of VirtOf for addresses inside the mapped region.
func (a *Arena) PhysOf(va dma.VirtAddr) (dma.PhysAddr, bool) {
	if uintptr(va) < a.base {
		return 0, false
	}
	off := uintptr(va) - a.base
	if off >= uintptr(len(a.mem)) {
		return 0, false
	}
	return a.physBase + dma.PhysAddr(off), true
}

// Bytes exposes n bytes of the region at paddr.
func (a *Arena) Bytes(paddr dma.PhysAddr, n int) ([]byte, error) {
	if paddr < a.physBase {
		return nil, fmt.Errorf("arena: address %#x below window", uintptr(paddr))
	}
	off := int(paddr - a.physBase)
	if off+n > len(a.mem) {
		return nil, fmt.Errorf("arena: range [%#x, +%d) beyond window", uintptr(paddr), n)
	}
	return a.mem[off : off+n], nil
}

// Size returns the region size in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Stats returns pages in use and total pages.
func (a *Arena) Stats() (used, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedPages, a.pages
}

// DumpUsage renders a one-line utilization summary.
func (a *Arena) DumpUsage() string {
	a.mu.Lock()
	used, total, live := a.usedPages, a.pages, len(a.allocs)
	a.mu.Unlock()
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	fmt.Fprintf(bb, "arena: %d/%d pages in use (%.1f%%), %d live allocations, window %#x+%#x",
		used, total, 100*float64(used)/float64(total), live,
		uintptr(a.physBase), total*dma.PageSize)
	return bb.String()
}

// Close unmaps the region. Live allocations are abandoned; callers are
// expected to have released everything first.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if n := len(a.allocs); n != 0 {
		logger.Warnf("arena: closing with %d live allocations (%d pages)", n, a.usedPages)
	}
	err := a.cleanup()
	a.mem = nil
	return err
}

// findRun locates the first run of pages free pages. Caller holds a.mu.
func (a *Arena) findRun(pages int) (int, bool) {
	run := 0
	for i := 0; i < a.pages; i++ {
		set, _ := a.used.GetBit(uint64(i))
		if set {
			run = 0
			continue
		}
		run++
		if run == pages {
			return i - pages + 1, true
		}
	}
	return 0, false
}

func (a *Arena) record(pagesDelta int64) {
	if a.allocOps == nil {
		return
	}
	ctx := context.Background()
	if pagesDelta > 0 {
		a.allocOps.Add(ctx, 1)
	}
	a.pagesInUse.Add(ctx, pagesDelta)
}

// autoPages sizes the region from the machine's available memory, clamped
// to a sane range. Falls back to the default when the probe fails.
func autoPages() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warnf("arena: probing available memory failed: %v", err)
		return defaultPages
	}
	pages := int(vm.Available / dma.PageSize / 64)
	if pages < defaultPages {
		return defaultPages
	}
	if pages > maxAutoPages {
		return maxAutoPages
	}
	return pages
}

// canCreateOnDevShm reports whether /dev/shm has room for size bytes when
// path lives there. Paths elsewhere (or non-Linux hosts) always pass.
func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, "/dev/shm") {
		return true
	}
	stat, err := disk.Usage("/dev/shm")
	if err != nil {
		logger.Warnf("arena: stat /dev/shm failed: %v", err)
		return false
	}
	return stat.Free >= size
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
