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

// BufferDirection tags who may read and write a region shared between the
// driver and the device. It is passed symmetrically to alloc/share and to
// unshare, and governs whether a copy-based sharing implementation copies
// data in, out, both, or neither.
type BufferDirection uint8

const (
	// DriverToDevice: the driver may read or write the buffer, the device
	// only reads it.
	DriverToDevice BufferDirection = iota
	// DeviceToDriver: the device may read or write the buffer, the driver
	// only reads it.
	DeviceToDriver
	// Both: driver and device may both read and write the buffer.
	Both
)

// DeviceReadable reports whether the device may read the buffer under d. A
// copy-based Share must copy the caller's data in exactly when this holds.
func (d BufferDirection) DeviceReadable() bool {
	return d == DriverToDevice || d == Both
}

// DeviceWritable reports whether the device may write the buffer under d. A
// copy-based Unshare must copy data back out exactly when this holds.
func (d BufferDirection) DeviceWritable() bool {
	return d == DeviceToDriver || d == Both
}

func (d BufferDirection) String() string {
	switch d {
	case DriverToDevice:
		return "DriverToDevice"
	case DeviceToDriver:
		return "DeviceToDriver"
	case Both:
		return "Both"
	}
	return "BufferDirection(invalid)"
}
