// Package history implements the bounded price history ring.
//
// The ring holds the most recent (timestamp, price) samples in timestamp
// order, evicting the oldest on overflow. It is single-writer (the price
// feed) and many-reader (spike detector, chart endpoint), guarded by an
// RWMutex. Lookups by time use binary search over the logical order.
package history

import (
	"sort"
	"sync"
	"time"

	"polymarket-trainbot/pkg/types"
)

// DefaultCapacity covers 60 minutes of 1-second samples.
const DefaultCapacity = 3600

// Ring is a bounded, time-ordered sequence of price points.
type Ring struct {
	mu    sync.RWMutex
	buf   []types.PricePoint
	head  int // index of the oldest sample
	count int
}

// NewRing creates a ring with the given capacity (DefaultCapacity if <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]types.PricePoint, capacity)}
}

// Append adds a sample, evicting the oldest when full. Timestamps must be
// non-decreasing; an out-of-order timestamp is clamped to the last one so
// the ordering invariant holds even if an upstream clock steps backwards.
func (r *Ring) Append(ts time.Time, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		last := r.at(r.count - 1)
		if ts.Before(last.Timestamp) {
			ts = last.Timestamp
		}
	}

	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = types.PricePoint{Timestamp: ts, Price: price}
		r.count++
		return
	}

	// Full: overwrite the oldest slot and advance head.
	r.buf[r.head] = types.PricePoint{Timestamp: ts, Price: price}
	r.head = (r.head + 1) % len(r.buf)
}

// at returns the i-th sample in logical (oldest-first) order.
// Caller must hold the lock.
func (r *Ring) at(i int) types.PricePoint {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Len returns the number of stored samples.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Last returns the most recent sample, or false if the ring is empty.
func (r *Ring) Last() (types.PricePoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return types.PricePoint{}, false
	}
	return r.at(r.count - 1), true
}

// PriceAtOrBefore returns the most recent sample with timestamp <= target,
// or false if history does not reach that far back.
func (r *Ring) PriceAtOrBefore(target time.Time) (types.PricePoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return types.PricePoint{}, false
	}

	// First index with timestamp > target; the answer is the one before it.
	idx := sort.Search(r.count, func(i int) bool {
		return r.at(i).Timestamp.After(target)
	})
	if idx == 0 {
		return types.PricePoint{}, false
	}
	return r.at(idx - 1), true
}

// SamplesInRange returns a copy of all samples with from <= timestamp <= to,
// oldest first.
func (r *Ring) SamplesInRange(from, to time.Time) []types.PricePoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	lo := sort.Search(r.count, func(i int) bool {
		return !r.at(i).Timestamp.Before(from)
	})
	hi := sort.Search(r.count, func(i int) bool {
		return r.at(i).Timestamp.After(to)
	})
	if lo >= hi {
		return nil
	}

	out := make([]types.PricePoint, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// Recent returns up to n most recent samples, oldest first. Used by the
// chart endpoint.
func (r *Ring) Recent(n int) []types.PricePoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]types.PricePoint, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.at(i))
	}
	return out
}
