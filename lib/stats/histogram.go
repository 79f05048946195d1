// Package stats tracks the size distribution of frames handled by the router.
// The histogram uses exponential buckets from 16 bytes up to the largest
// accepted frame, so it needs a fixed amount of memory no matter how much
// traffic it sees.
package stats

import (
	"fmt"
	"math"
	"sync/atomic"
)

// boundaries are the inclusive upper limits of the buckets. Everything above
// the last boundary lands in an overflow bucket.
var boundaries = []int{
	16, 64, 256, 1024, 4096, // 16B to 4KB
	16384, 65536, 262144, 1048576, // 16KB to 1MB
	4194304, 16777216, // 4MB to 16MB
}

// SizeHistogram counts sizes per bucket. All methods are safe for concurrent
// use, AddSample never blocks.
type SizeHistogram struct {
	buckets [12]atomic.Int64 // len(boundaries) + overflow
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

// bucketOf returns the index of the bucket size falls into
func bucketOf(size int) int {
	for i, b := range boundaries {
		if size <= b {
			return i
		}
	}
	return len(boundaries)
}

// AddSample records one size. Negative sizes are ignored.
func (h *SizeHistogram) AddSample(size int) {
	if size < 0 {
		return
	}
	h.buckets[bucketOf(size)].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// Count returns the number of samples
func (h *SizeHistogram) Count() int64 {
	return h.count.Load()
}

// Average returns the mean size, 0 without samples
func (h *SizeHistogram) Average() int {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// Percentile estimates the size below which p percent (0-100) of the samples
// fall. The estimate is the midpoint of the bucket holding the percentile.
func (h *SizeHistogram) Percentile(p int) int {
	n := h.count.Load()
	if n == 0 || p < 0 || p > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(n) * float64(p) / 100.0))
	if target == 0 {
		target = 1
	}

	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			return midpoint(i)
		}
	}
	// samples added while iterating
	return midpoint(len(boundaries))
}

func midpoint(i int) int {
	switch {
	case i == 0:
		return boundaries[0] / 2
	case i < len(boundaries):
		return (boundaries[i-1] + boundaries[i]) / 2
	default:
		return boundaries[len(boundaries)-1] * 2
	}
}

// Distribution returns the bucket limits and the share of samples (in
// percent) per bucket. The last share belongs to the overflow bucket.
func (h *SizeHistogram) Distribution() ([]int, []float64) {
	shares := make([]float64, len(h.buckets))
	n := h.count.Load()
	if n == 0 {
		return boundaries, shares
	}
	for i := range h.buckets {
		shares[i] = float64(h.buckets[i].Load()) * 100.0 / float64(n)
	}
	return boundaries, shares
}

// Reset clears all samples
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
}

// String returns a one line summary used in log output
func (h *SizeHistogram) String() string {
	return fmt.Sprintf("n=%d avg=%dB p50=%dB p99=%dB", h.Count(), h.Average(), h.Percentile(50), h.Percentile(99))
}
