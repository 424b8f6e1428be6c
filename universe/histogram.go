package universe

import (
	"sort"
	"sync"
)

// Histogram counts integer values in fixed-width buckets. Bucket b holds the
// values v with v/width == b, rounding toward zero.
type Histogram struct {
	width int64

	mu     sync.Mutex
	counts map[int64]uint64
}

// Bucket is a histogram entry.
type Bucket struct {
	Bucket int64
	Count  uint64
}

// NewHistogram returns an empty histogram. A width below 1 means 1.
func NewHistogram(width int64) *Histogram {
	if width < 1 {
		width = 1
	}
	return &Histogram{width: width, counts: make(map[int64]uint64)}
}

// Width returns the number of values per bucket.
func (h *Histogram) Width() int64 { return h.width }

// Add counts v.
func (h *Histogram) Add(v int64) {
	h.mu.Lock()
	h.counts[v/h.width]++
	h.mu.Unlock()
}

// Buckets returns the non-empty buckets, sorted.
func (h *Histogram) Buckets() []Bucket {
	h.mu.Lock()
	buckets := make([]Bucket, 0, len(h.counts))
	for b, n := range h.counts {
		buckets = append(buckets, Bucket{b, n})
	}
	h.mu.Unlock()
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Bucket < buckets[j].Bucket })
	return buckets
}
