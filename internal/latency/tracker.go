// Package latency estimates upstream one-way delay per symbol.
//
// Depth snapshots carry no usable exchange timestamp, so the capture
// pipeline back-dates each record by the median of recent one-way
// delay samples. Samples come from the connection prober; the consumer
// reads the median on every frame, which makes reads the hot path and
// keeps them lock-free against the cached value.
package latency

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// window holds the most recent samples for one symbol. Writers take
// the mutex and refresh the cached median; readers only touch the
// atomics and may observe a value one update behind, which is fine.
type window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int

	median atomic.Int64 // cached median, nanoseconds
	count  atomic.Int32
}

func (w *window) record(sample time.Duration, size int) {
	w.mu.Lock()
	if len(w.samples) < size {
		w.samples = append(w.samples, sample)
	} else {
		w.samples[w.next] = sample
		w.next = (w.next + 1) % size
	}

	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	// Lower central value for even counts, exact middle for odd.
	w.median.Store(int64(sorted[(len(sorted)-1)/2]))
	w.count.Store(int32(len(w.samples)))
	w.mu.Unlock()
}

// Tracker maintains a bounded window of one-way delay samples per
// symbol and serves the median. The symbol set is fixed at
// construction; samples for unknown symbols are ignored.
type Tracker struct {
	windows map[string]*window
	size    int
}

// NewTracker builds a tracker for the given symbols with room for size
// samples per symbol. Once size samples have been recorded, each new
// one evicts the oldest.
func NewTracker(symbols []string, size int) *Tracker {
	if size < 1 {
		size = 1
	}
	t := &Tracker{
		windows: make(map[string]*window, len(symbols)),
		size:    size,
	}
	for _, s := range symbols {
		t.windows[s] = &window{samples: make([]time.Duration, 0, size)}
	}
	return t
}

// Record appends one sample to the symbol's window and refreshes the
// cached median.
func (t *Tracker) Record(symbol string, sample time.Duration) {
	if w := t.windows[symbol]; w != nil {
		w.record(sample, t.size)
	}
}

// RecordAll feeds one sample to every symbol's window. All symbols
// ride the same upstream connection, so a single round-trip
// measurement applies across the board.
func (t *Tracker) RecordAll(sample time.Duration) {
	for _, w := range t.windows {
		w.record(sample, t.size)
	}
}

// Median returns the cached median delay for symbol. ok is false when
// the symbol is unknown or its window has no samples yet; callers must
// not emit latency-corrected records in that state.
func (t *Tracker) Median(symbol string) (median time.Duration, ok bool) {
	w := t.windows[symbol]
	if w == nil || w.count.Load() == 0 {
		return 0, false
	}
	return time.Duration(w.median.Load()), true
}
