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

import "github.com/prometheus/client_golang/prometheus"

var (
	bufferAllocs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dma_buffer_allocs_total",
		Help: "Total number of owned DMA buffer allocations.",
	})
	allocFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dma_buffer_alloc_failures_total",
		Help: "Total number of DMA buffer allocations refused by the HAL.",
	})
	bufferReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dma_buffer_releases_total",
		Help: "Total number of owned DMA buffer releases.",
	})
	livePages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dma_buffer_live_pages",
		Help: "Physical pages currently held by live DMA buffers.",
	})
)

func init() {
	prometheus.MustRegister(bufferAllocs)
	prometheus.MustRegister(allocFailures)
	prometheus.MustRegister(bufferReleases)
	prometheus.MustRegister(livePages)
}
