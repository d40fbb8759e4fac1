package flush

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// SeenFilter remembers recently processed envelope ids so redelivered
// envelopes are dropped. It keeps two generations of bloom filters; when the
// current one reaches its capacity it becomes the previous one, which bounds
// the false positive rate on a long-running node.
type SeenFilter struct {
	mu       sync.Mutex
	capacity uint
	fpRate   float64
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	added    uint

	checked    uint64
	duplicates uint64
}

// NewSeenFilter creates a filter sized for capacity ids per generation.
func NewSeenFilter(capacity uint, falsePositiveRate float64) *SeenFilter {
	if capacity == 0 {
		capacity = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.001
	}
	return &SeenFilter{
		capacity: capacity,
		fpRate:   falsePositiveRate,
		current:  bloom.NewWithEstimates(capacity, falsePositiveRate),
	}
}

// Seen records id and reports whether it had (probably) been recorded before.
func (s *SeenFilter) Seen(id string) bool {
	key := []byte(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checked++
	if s.current.Test(key) || (s.previous != nil && s.previous.Test(key)) {
		s.duplicates++
		return true
	}

	if s.added >= s.capacity {
		s.previous = s.current
		s.current = bloom.NewWithEstimates(s.capacity, s.fpRate)
		s.added = 0
	}
	s.current.Add(key)
	s.added++
	return false
}

// Reset forgets every id.
func (s *SeenFilter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = bloom.NewWithEstimates(s.capacity, s.fpRate)
	s.previous = nil
	s.added = 0
	s.checked = 0
	s.duplicates = 0
}

// SeenStats describes filter usage.
type SeenStats struct {
	Checked    uint64
	Duplicates uint64
	Capacity   uint
}

// Stats returns usage counters.
func (s *SeenFilter) Stats() SeenStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SeenStats{Checked: s.checked, Duplicates: s.duplicates, Capacity: s.capacity}
}
