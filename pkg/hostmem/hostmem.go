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

// Package hostmem is a HAL implementation for userspace virtual-device
// backends. Physical memory is one process-wide arena mapped through a
// fixed device window; sharing is a direct mapping for in-arena ranges and
// a bounce copy for everything else; MMIO windows registered by transport
// code resolve through the same translation path as DMA regions.
//
// The package must be initialized once with Init before the HAL is used.
// The zero-sized HAL type keeps dma.Buffer's static binding while the
// backing state lives at package level.
package hostmem

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/dma-hal/internal/arena"
	"github.com/srediag/dma-hal/internal/logger"
	"github.com/srediag/dma-hal/pkg/dma"
)

// Options configures the process-global HAL state.
type Options struct {
	// Arena configures the backing region.
	Arena arena.Options
	// Tracer, when set, records spans around bounce-buffer copies.
	Tracer trace.Tracer
}

var global struct {
	mu     sync.RWMutex
	arena  *arena.Arena
	tracer trace.Tracer
}

type bounceRecord struct {
	pages  int
	length int
}

// Outstanding bounce shares, keyed by hex physical address. Kept only so
// Unshare can find its own shadow pages; pairing discipline stays with the
// caller.
var bounces = cmap.New[bounceRecord]()

// Init maps the arena and arms the HAL. It fails when called twice without
// an intervening Shutdown.
func Init(opts Options) error {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.arena != nil {
		return errors.New("hostmem: already initialized")
	}
	a, err := arena.New(opts.Arena)
	if err != nil {
		return err
	}
	global.arena = a
	global.tracer = opts.Tracer
	return nil
}

// Shutdown releases the arena and forgets registered MMIO windows. Any
// live buffers or outstanding shares are abandoned.
func Shutdown() error {
	global.mu.Lock()
	a := global.arena
	global.arena = nil
	global.tracer = nil
	global.mu.Unlock()
	bounces.Clear()
	resetMMIOWindows()
	if a == nil {
		return nil
	}
	return a.Close()
}

// Usage returns a human-readable utilization summary of the arena.
func Usage() string {
	a, _ := current()
	if a == nil {
		return "hostmem: not initialized"
	}
	return a.DumpUsage()
}

// Stats returns pages in use and total pages of the arena.
func Stats() (used, total int) {
	a, _ := current()
	if a == nil {
		return 0, 0
	}
	return a.Stats()
}

func current() (*arena.Arena, trace.Tracer) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.arena, global.tracer
}

// HAL implements dma.HAL against the package-global arena.
type HAL struct{}

var _ dma.HAL = HAL{}

// DMAAlloc reserves pages from the arena. The whole window is mapped
// cache-coherent for an in-process device model, so dir needs no extra
// setup here.
func (HAL) DMAAlloc(pages int, dir dma.BufferDirection) dma.PhysAddr {
	a, _ := current()
	if a == nil {
		logger.Warnf("hostmem: DMAAlloc before Init")
		return 0
	}
	paddr, err := a.Alloc(pages)
	if err != nil {
		logger.Warnf("hostmem: alloc of %d pages (%s) failed: %v", pages, dir, err)
		return 0
	}
	return paddr
}

func (HAL) DMADealloc(paddr dma.PhysAddr, pages int) int32 {
	a, _ := current()
	if a == nil {
		logger.Errorf("hostmem: DMADealloc before Init")
		return -1
	}
	if err := a.Free(paddr, pages); err != nil {
		logger.Errorf("hostmem: dealloc failed: %v", err)
		return -1
	}
	return 0
}

// PhysToVirt resolves both arena addresses and registered MMIO windows. An
// address in neither is a contract violation and panics: there is nothing
// meaningful to return and continuing would hand out a wild pointer.
func (HAL) PhysToVirt(paddr dma.PhysAddr) dma.VirtAddr {
	a, _ := current()
	if a != nil {
		if va, ok := a.VirtOf(paddr); ok {
			return va
		}
	}
	if va, ok := lookupMMIOWindow(paddr); ok {
		return va
	}
	panic("hostmem: phys_to_virt of unmapped address " + strconv.FormatUint(uint64(paddr), 16))
}

// Share grants the device access to buf. Ranges already inside the arena
// are device-visible as-is and map directly; anything else goes through a
// bounce buffer allocated from the arena, with a copy-in when dir lets the
// device read. Returns the zero sentinel when bounce pages cannot be
// reserved.
func (HAL) Share(buf []byte, dir dma.BufferDirection) dma.PhysAddr {
	a, tracer := current()
	if a == nil || len(buf) == 0 {
		logger.Warnf("hostmem: unusable share request (init=%t, len=%d)", a != nil, len(buf))
		return 0
	}
	if paddr, ok := directPhys(a, buf); ok {
		return paddr
	}

	pages := (len(buf) + dma.PageSize - 1) / dma.PageSize
	paddr, err := a.Alloc(pages)
	if err != nil {
		logger.Warnf("hostmem: bounce alloc of %d pages failed: %v", pages, err)
		return 0
	}
	if dir.DeviceReadable() {
		var span trace.Span
		if tracer != nil {
			_, span = tracer.Start(context.Background(), "hostmem.share.copy_in",
				trace.WithAttributes(
					attribute.Int("bytes", len(buf)),
					attribute.String("direction", dir.String()),
				))
		}
		shadow, err := a.Bytes(paddr, len(buf))
		if err != nil {
			logger.Errorf("hostmem: share copy-in failed: %v", err)
		} else {
			copy(shadow, buf)
		}
		if span != nil {
			span.End()
		}
	}
	if logger.DebugMode() {
		logger.Debugf("hostmem: bounce share of %d bytes (%s) at %#x", len(buf), dir, uintptr(paddr))
	}
	bounces.Set(bounceKey(paddr), bounceRecord{pages: pages, length: len(buf)})
	return paddr
}

// Unshare reverses a Share. Direct-mapped shares need no work: the range
// never left the arena. For bounce shares the shadow is copied back when
// dir lets the device write, then the shadow pages are freed.
func (HAL) Unshare(paddr dma.PhysAddr, buf []byte, dir dma.BufferDirection) {
	rec, ok := bounces.Pop(bounceKey(paddr))
	if !ok {
		return
	}
	a, tracer := current()
	if a == nil {
		logger.Errorf("hostmem: Unshare of %#x after Shutdown", uintptr(paddr))
		return
	}
	if dir.DeviceWritable() {
		var span trace.Span
		if tracer != nil {
			_, span = tracer.Start(context.Background(), "hostmem.unshare.copy_back",
				trace.WithAttributes(
					attribute.Int("bytes", len(buf)),
					attribute.String("direction", dir.String()),
				))
		}
		shadow, err := a.Bytes(paddr, min(len(buf), rec.length))
		if err != nil {
			logger.Errorf("hostmem: unshare copy-back failed: %v", err)
		} else {
			copy(buf, shadow)
		}
		if span != nil {
			span.End()
		}
	}
	if logger.DebugMode() {
		logger.Debugf("hostmem: bounce unshare of %#x, copy_back=%t", uintptr(paddr), dir.DeviceWritable())
	}
	if err := a.Free(paddr, rec.pages); err != nil {
		logger.Errorf("hostmem: freeing bounce pages failed: %v", err)
	}
}

// directPhys returns the device address for buf when the whole range lies
// inside the arena.
func directPhys(a *arena.Arena, buf []byte) (dma.PhysAddr, bool) {
	start := dma.VirtAddr(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	paddr, ok := a.PhysOf(start)
	if !ok {
		return 0, false
	}
	if _, ok := a.PhysOf(start + dma.VirtAddr(len(buf)-1)); !ok {
		return 0, false
	}
	return paddr, true
}

func bounceKey(paddr dma.PhysAddr) string {
	return strconv.FormatUint(uint64(paddr), 16)
}
