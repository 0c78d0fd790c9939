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

import "errors"

// ErrAllocFailed is returned by NewBuffer when the underlying HAL reports
// the zero-address sentinel. It is the only recoverable failure in this
// package; callers may retry or propagate it. Every other abnormal
// condition here is a contract violation and panics.
var ErrAllocFailed = errors.New("dma: physical page allocation failed")
