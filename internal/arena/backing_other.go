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

//go:build !linux

package arena

import "errors"

func mapMemfd(name string, size int) ([]byte, func() error, error) {
	return nil, nil, errors.New("arena: memfd backing is only supported on linux")
}

func mapShmFile(path string, size int) ([]byte, func() error, error) {
	return nil, nil, errors.New("arena: shm-file backing is only supported on linux")
}
