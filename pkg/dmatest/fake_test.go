package dmatest_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/dma-hal/pkg/dma"
	"github.com/srediag/dma-hal/pkg/dmatest"
)

func TestShareBothIsFaithfulRoundTrip(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL

	buf := make([]byte, 100)
	for i := range buf {
		buf[i] = byte(i)
	}
	paddr := h.Share(buf, dma.Both)
	require.NotZero(t, paddr)

	// Copy-in happened: the device sees the driver's bytes.
	shadow := dmatest.Bytes(paddr, len(buf))
	assert.True(t, bytes.Equal(buf, shadow))

	// The device writes into the shared region before unshare.
	shadow[0] = 0xff
	shadow[99] = 0xee

	h.Unshare(paddr, buf, dma.Both)
	assert.Equal(t, byte(0xff), buf[0])
	assert.Equal(t, byte(0xee), buf[99])
	assert.Zero(t, dmatest.LivePages())
}

func TestShareDriverToDeviceNeverCopiesBack(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL

	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i)
	}
	want := append([]byte(nil), buf...)

	paddr := h.Share(buf, dma.DriverToDevice)
	require.NotZero(t, paddr)

	// Even a trashed shadow must not leak back into the original.
	dmatest.Corrupt(paddr, len(buf))
	h.Unshare(paddr, buf, dma.DriverToDevice)
	assert.Equal(t, want, buf)
}

func TestShareDeviceToDriverSkipsCopyIn(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL

	buf := bytes.Repeat([]byte{0x77}, 32)
	paddr := h.Share(buf, dma.DeviceToDriver)
	require.NotZero(t, paddr)

	// No copy-in for a device-write-only buffer: shadow starts zeroed.
	assert.Equal(t, make([]byte, 32), dmatest.Bytes(paddr, 32))
	h.Unshare(paddr, buf, dma.DeviceToDriver)
}

func TestBufferOverFakeHAL(t *testing.T) {
	dmatest.Reset()

	b, err := dma.NewBuffer[dmatest.HAL](2, dma.DeviceToDriver)
	require.NoError(t, err)
	assert.Equal(t, 2, dmatest.LivePages())

	// The raw view is live fake physical memory.
	s := b.RawSlice()
	require.Len(t, s, 2*dma.PageSize)
	s[17] = 0xab
	assert.Equal(t, byte(0xab), dmatest.Bytes(b.Paddr(), 32)[17])

	b.Close()
	assert.Zero(t, dmatest.LivePages())

	allocs := dmatest.CallsFor("alloc")
	deallocs := dmatest.CallsFor("dealloc")
	require.Len(t, allocs, 1)
	require.Len(t, deallocs, 1)
	assert.Equal(t, allocs[0].Paddr, deallocs[0].Paddr)
	assert.Equal(t, allocs[0].Pages, deallocs[0].Pages)
	assert.Equal(t, dma.DeviceToDriver, allocs[0].Dir)
}

func TestFailNextAlloc(t *testing.T) {
	dmatest.Reset()
	dmatest.FailNextAlloc()

	_, err := dma.NewBuffer[dmatest.HAL](1, dma.Both)
	require.ErrorIs(t, err, dma.ErrAllocFailed)
	assert.Empty(t, dmatest.CallsFor("dealloc"))

	// One-shot: the next attempt succeeds.
	b, err := dma.NewBuffer[dmatest.HAL](1, dma.Both)
	require.NoError(t, err)
	b.Close()
}

func TestFailNextAllocAppliesToShare(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL
	buf := make([]byte, 32)

	dmatest.FailNextAlloc()
	assert.Zero(t, h.Share(buf, dma.Both))
	assert.Zero(t, dmatest.LivePages())

	shares := dmatest.CallsFor("share")
	require.Len(t, shares, 1)
	assert.Zero(t, shares[0].Paddr)

	// One-shot: the next share succeeds.
	paddr := h.Share(buf, dma.Both)
	require.NotZero(t, paddr)
	h.Unshare(paddr, buf, dma.Both)
}

func TestArenaExhaustionReturnsSentinel(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL
	assert.Zero(t, h.DMAAlloc(dmatest.DefaultPages+1, dma.Both))
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL

	a := h.DMAAlloc(2, dma.Both)
	b := h.DMAAlloc(3, dma.Both)
	require.NotZero(t, a)
	require.NotZero(t, b)
	assert.GreaterOrEqual(t, uintptr(b), uintptr(a)+2*dma.PageSize)

	require.Zero(t, h.DMADealloc(a, 2))
	require.Zero(t, h.DMADealloc(b, 3))
	assert.Zero(t, dmatest.LivePages())
}

func TestDeallocWithWrongPageCountFails(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL
	paddr := h.DMAAlloc(2, dma.Both)
	require.NotZero(t, paddr)
	assert.NotZero(t, h.DMADealloc(paddr, 3))
	assert.Zero(t, h.DMADealloc(paddr, 2))
}

func TestUnshareWithoutSharePanics(t *testing.T) {
	dmatest.Reset()
	var h dmatest.HAL
	buf := make([]byte, 8)
	assert.Panics(t, func() { h.Unshare(dmatest.PhysBase, buf, dma.Both) })
}
