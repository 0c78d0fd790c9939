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

import "github.com/cenkalti/backoff/v4"

// NewBufferRetry is NewBuffer with a retry policy around the one
// recoverable failure. Allocation pressure in a hosting platform is often
// transient (another buffer being released frees pages), so callers that
// can afford to wait pass a backoff here instead of hand-rolling the loop.
func NewBufferRetry[H HAL](pages int, dir BufferDirection, bo backoff.BackOff) (*Buffer[H], error) {
	var buf *Buffer[H]
	err := backoff.Retry(func() error {
		b, err := NewBuffer[H](pages, dir)
		if err != nil {
			return err
		}
		buf = b
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
