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

package hostmem

import (
	"fmt"
	"sync"

	"github.com/srediag/dma-hal/pkg/dma"
)

// An mmioWindow maps a device-exposed physical range (a BAR, a virtio-mmio
// register block) onto driver-visible memory, so PhysToVirt serves register
// addresses through the same path as DMA regions.
type mmioWindow struct {
	phys dma.PhysAddr
	virt dma.VirtAddr
	size int
}

var (
	mmioMu      sync.RWMutex
	mmioWindows []mmioWindow
)

// RegisterMMIOWindow teaches the translation path about a device-exposed
// physical range backed by driver-visible memory at virt. Transport code
// registers BARs here after discovering them in configuration space.
func RegisterMMIOWindow(phys dma.PhysAddr, virt dma.VirtAddr, size int) error {
	if phys == 0 || virt == 0 || size <= 0 {
		return fmt.Errorf("hostmem: invalid mmio window %#x -> %#x (+%d)", uintptr(phys), uintptr(virt), size)
	}
	mmioMu.Lock()
	defer mmioMu.Unlock()
	for _, w := range mmioWindows {
		if phys < w.phys+dma.PhysAddr(w.size) && w.phys < phys+dma.PhysAddr(size) {
			return fmt.Errorf("hostmem: mmio window %#x (+%d) overlaps %#x (+%d)",
				uintptr(phys), size, uintptr(w.phys), w.size)
		}
	}
	mmioWindows = append(mmioWindows, mmioWindow{phys: phys, virt: virt, size: size})
	return nil
}

func lookupMMIOWindow(paddr dma.PhysAddr) (dma.VirtAddr, bool) {
	mmioMu.RLock()
	defer mmioMu.RUnlock()
	for _, w := range mmioWindows {
		if paddr >= w.phys && paddr < w.phys+dma.PhysAddr(w.size) {
			return w.virt + dma.VirtAddr(paddr-w.phys), true
		}
	}
	return 0, false
}

func resetMMIOWindows() {
	mmioMu.Lock()
	defer mmioMu.Unlock()
	mmioWindows = nil
}
