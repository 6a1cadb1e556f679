package util

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// sizeBuckets covers sizes up to 2^47 bytes; bucket i holds sizes in [2^(i-1), 2^i)
const sizeBuckets = 48

// SizeHistogram counts sizes in power-of-two buckets. Estimates are exact to
// within a factor of two, which is enough for capacity reports.
//
// Thread-safety: all methods are safe for concurrent use.
type SizeHistogram struct {
	buckets [sizeBuckets]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

// Add records one size. Negative sizes count as zero.
func (h *SizeHistogram) Add(size int) {
	if size < 0 {
		size = 0
	}
	b := bits.Len64(uint64(size))
	if b >= sizeBuckets {
		b = sizeBuckets - 1
	}
	h.buckets[b].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// Count returns the number of recorded sizes
func (h *SizeHistogram) Count() int64 { return h.count.Load() }

// Mean returns the average size
func (h *SizeHistogram) Mean() int {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// Percentile estimates the size below which p percent (0-100) of the samples
// fall, as the midpoint of the bucket that contains it
func (h *SizeHistogram) Percentile(p float64) int {
	n := h.count.Load()
	if n == 0 || p < 0 || p > 100 {
		return 0
	}
	target := int64(math.Ceil(float64(n) * p / 100))
	if target == 0 {
		target = 1
	}
	var seen int64
	for b := 0; b < sizeBuckets; b++ {
		seen += h.buckets[b].Load()
		if seen >= target {
			return bucketMidpoint(b)
		}
	}
	return h.Mean()
}

// Median is Percentile(50)
func (h *SizeHistogram) Median() int { return h.Percentile(50) }

func bucketMidpoint(b int) int {
	if b == 0 {
		return 0
	}
	lo := 1 << (b - 1)
	return lo + lo/2
}

// SizeSummary describes a set of sizes
type SizeSummary struct {
	Count  int     `json:"count"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_deviation"`
}

// Summarize computes count, extremes, mean and population standard deviation
func Summarize(sizes []int) SizeSummary {
	if len(sizes) == 0 {
		return SizeSummary{}
	}
	s := SizeSummary{Count: len(sizes), Min: sizes[0], Max: sizes[0]}
	var sum float64
	for _, v := range sizes {
		sum += float64(v)
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Mean = sum / float64(len(sizes))

	var sq float64
	for _, v := range sizes {
		d := float64(v) - s.Mean
		sq += d * d
	}
	s.StdDev = math.Sqrt(sq / float64(len(sizes)))
	return s
}
