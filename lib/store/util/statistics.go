// Package util provides statistics helpers for object store
// implementations. This file implements a payload-size histogram with
// exponential bucket sizing, covering byte to gigabyte payloads with
// fixed memory overhead, so an engine can report on the shape of its
// stored data without scanning segments.
package util

import (
	"math"
	"sync"
)

// SizeHistogram tracks the distribution of payload sizes. Buckets grow
// exponentially so a handful of counters covers the whole range the
// store accepts.
type SizeHistogram struct {
	mutex      sync.RWMutex
	boundaries []int   // Bucket upper bounds from 16B to 4GB
	buckets    []int64 // Count of payloads in each bucket
	count      int64   // Total number of samples
	sum        int64   // Sum of all sampled sizes
}

// NewSizeHistogram creates a histogram with the default bucket
// boundaries.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		boundaries: []int{
			16, 64, 256, 1024, 4096, // 16B to 4KB
			16384, 65536, 262144, 1048576, // 16KB to 1MB
			4194304, 16777216, 67108864, // 4MB to 64MB
			268435456, 1073741824, 4294967296, // 256MB to 4GB
		},
		buckets: make([]int64, 16), // 15 boundaries + 1 overflow bucket
	}
}

// AddSample records one payload size.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) AddSample(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucketIndex := len(h.boundaries)
	for i, boundary := range h.boundaries {
		if size <= boundary {
			bucketIndex = i
			break
		}
	}

	h.buckets[bucketIndex]++
	h.count++
	h.sum += int64(size)
}

// GetCount returns the total number of samples.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) GetCount() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the mean payload size across all samples.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// MedianEstimate estimates the median payload size from the buckets.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) MedianEstimate() int {
	return h.GetPercentileEstimate(50)
}

// GetPercentileEstimate returns an estimate for the given percentile
// (0-100). Estimates resolve to bucket midpoints.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	targetCount := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	if targetCount == 0 {
		targetCount = 1
	}

	cumulativeCount := int64(0)
	for i, count := range h.buckets {
		cumulativeCount += count
		if cumulativeCount >= targetCount {
			if i == 0 {
				return h.boundaries[0] / 2
			}
			if i < len(h.boundaries) {
				return (h.boundaries[i-1] + h.boundaries[i]) / 2
			}
			// overflow bucket, estimate as 2x the last boundary
			return h.boundaries[len(h.boundaries)-1] * 2
		}
	}

	return int(h.sum / h.count)
}
