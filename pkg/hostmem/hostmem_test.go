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

package hostmem_test

import (
	"bytes"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/dma-hal/internal/arena"
	"github.com/srediag/dma-hal/pkg/dma"
	"github.com/srediag/dma-hal/pkg/hostmem"
)

func initArena(t *testing.T, pages int) {
	t.Helper()
	err := hostmem.Init(hostmem.Options{
		Arena: arena.Options{Pages: pages, Backing: arena.BackingHeap},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hostmem.Shutdown() })
}

func deviceView(t *testing.T, paddr dma.PhysAddr, n int) []byte {
	t.Helper()
	var h hostmem.HAL
	va := h.PhysToVirt(paddr)
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), n)
}

func TestInitTwiceFails(t *testing.T) {
	initArena(t, 8)
	err := hostmem.Init(hostmem.Options{
		Arena: arena.Options{Pages: 8, Backing: arena.BackingHeap},
	})
	assert.Error(t, err)
}

func TestBufferLifecycle(t *testing.T) {
	initArena(t, 16)

	b, err := dma.NewBuffer[hostmem.HAL](4, dma.Both)
	require.NoError(t, err)

	used, total := hostmem.Stats()
	assert.Equal(t, 4, used)
	assert.Equal(t, 16, total)

	s := b.RawSlice()
	require.Len(t, s, 4*dma.PageSize)
	s[0] = 0x42
	s[len(s)-1] = 0x24

	var h hostmem.HAL
	assert.Equal(t, h.PhysToVirt(b.Paddr()), b.Vaddr())

	b.Close()
	used, _ = hostmem.Stats()
	assert.Zero(t, used)
}

func TestAllocExhaustionReturnsSentinel(t *testing.T) {
	initArena(t, 4)

	var h hostmem.HAL
	assert.Zero(t, h.DMAAlloc(5, dma.Both))

	_, err := dma.NewBuffer[hostmem.HAL](5, dma.Both)
	assert.ErrorIs(t, err, dma.ErrAllocFailed)
}

func TestUninitializedAllocReturnsSentinel(t *testing.T) {
	var h hostmem.HAL
	assert.Zero(t, h.DMAAlloc(1, dma.Both))
}

func TestDirectShareInsideArena(t *testing.T) {
	initArena(t, 8)
	var h hostmem.HAL

	b, err := dma.NewBuffer[hostmem.HAL](2, dma.Both)
	require.NoError(t, err)
	defer b.Close()

	s := b.RawSlice()
	paddr := h.Share(s, dma.Both)
	assert.Equal(t, b.Paddr(), paddr, "in-arena ranges map directly")

	// A subrange maps to the corresponding interior address.
	sub := s[dma.PageSize : dma.PageSize+64]
	assert.Equal(t, b.Paddr()+dma.PageSize, h.Share(sub, dma.DriverToDevice))

	// Direct unshares hold no bounce pages.
	usedBefore, _ := hostmem.Stats()
	h.Unshare(paddr, s, dma.Both)
	h.Unshare(b.Paddr()+dma.PageSize, sub, dma.DriverToDevice)
	usedAfter, _ := hostmem.Stats()
	assert.Equal(t, usedBefore, usedAfter)
}

func TestBounceShareRoundTrip(t *testing.T) {
	initArena(t, 8)
	var h hostmem.HAL

	buf := make([]byte, 200)
	for i := range buf {
		buf[i] = byte(i)
	}
	usedBefore, _ := hostmem.Stats()

	paddr := h.Share(buf, dma.Both)
	require.NotZero(t, paddr)

	shadow := deviceView(t, paddr, len(buf))
	assert.True(t, bytes.Equal(buf, shadow), "copy-in for a device-readable buffer")

	// Device response.
	shadow[0] = 0xf0
	shadow[199] = 0x0f

	h.Unshare(paddr, buf, dma.Both)
	assert.Equal(t, byte(0xf0), buf[0])
	assert.Equal(t, byte(0x0f), buf[199])

	usedAfter, _ := hostmem.Stats()
	assert.Equal(t, usedBefore, usedAfter, "bounce pages returned")
}

func TestBounceShareDriverToDeviceNoCopyBack(t *testing.T) {
	initArena(t, 8)
	var h hostmem.HAL

	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i)
	}
	want := append([]byte(nil), buf...)

	paddr := h.Share(buf, dma.DriverToDevice)
	require.NotZero(t, paddr)

	shadow := deviceView(t, paddr, len(buf))
	for i := range shadow {
		shadow[i] = 0xa5
	}

	h.Unshare(paddr, buf, dma.DriverToDevice)
	assert.Equal(t, want, buf)
}

func TestShareZeroLengthReturnsSentinel(t *testing.T) {
	initArena(t, 4)
	var h hostmem.HAL
	assert.Zero(t, h.Share(nil, dma.Both))
}

func TestPhysToVirtUnmappedPanics(t *testing.T) {
	initArena(t, 4)
	var h hostmem.HAL
	assert.Panics(t, func() { h.PhysToVirt(0x2) })
}

func TestMMIOWindowTranslation(t *testing.T) {
	initArena(t, 4)
	var h hostmem.HAL

	regs := make([]byte, dma.PageSize)
	base := dma.VirtAddr(uintptr(unsafe.Pointer(&regs[0])))
	const barPhys = dma.PhysAddr(0xf000_0000)

	require.NoError(t, hostmem.RegisterMMIOWindow(barPhys, base, len(regs)))
	assert.Equal(t, base, h.PhysToVirt(barPhys))
	assert.Equal(t, base+0x70, h.PhysToVirt(barPhys+0x70))
	assert.Panics(t, func() { h.PhysToVirt(barPhys + dma.PhysAddr(len(regs))) })

	// Overlaps and junk are refused.
	assert.Error(t, hostmem.RegisterMMIOWindow(barPhys+0x100, base, len(regs)))
	assert.Error(t, hostmem.RegisterMMIOWindow(0, base, len(regs)))
	assert.Error(t, hostmem.RegisterMMIOWindow(barPhys, base, 0))
}

func TestConcurrentBuffers(t *testing.T) {
	initArena(t, 128)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				b, err := dma.NewBuffer[hostmem.HAL](2, dma.Both)
				if err != nil {
					continue
				}
				b.RawSlice()[0] = byte(i)
				b.Close()
			}
		}()
	}
	wg.Wait()

	used, _ := hostmem.Stats()
	assert.Zero(t, used)
}

func TestUsageSummary(t *testing.T) {
	initArena(t, 8)
	b, err := dma.NewBuffer[hostmem.HAL](2, dma.Both)
	require.NoError(t, err)
	defer b.Close()
	assert.Contains(t, hostmem.Usage(), "2/8 pages in use")
}
