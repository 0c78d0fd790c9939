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

//go:build linux

package arena

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// mapMemfd backs the region with an anonymous memfd so its fd can be passed
// to a device-model process over a unix socket later.
func mapMemfd(name string, size int) ([]byte, func() error, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("arena: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("arena: truncate memfd: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("arena: mmap memfd: %w", err)
	}
	cleanup := func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("arena: munmap: %w", err)
		}
		return unix.Close(fd)
	}
	return mem, cleanup, nil
}

// mapShmFile backs the region with a named file, normally under /dev/shm.
// The file must not already exist; it is removed again on cleanup.
func mapShmFile(path string, size int) ([]byte, func() error, error) {
	_ = os.MkdirAll(filepath.Dir(path), os.ModePerm)
	if pathExists(path) {
		return nil, nil, fmt.Errorf("arena: backing file already exists, path %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("arena: create backing file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, nil, fmt.Errorf("arena: truncate backing file: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, nil, fmt.Errorf("arena: mmap backing file: %w", err)
	}
	cleanup := func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("arena: munmap: %w", err)
		}
		return os.Remove(path)
	}
	return mem, cleanup, nil
}
