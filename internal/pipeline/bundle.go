package pipeline

import (
	"sync"
	"sync/atomic"
)

// Bundle owns all per-symbol pipeline state. One bundle is built per
// configured symbol at startup and never replaced: the bounded queue
// between the consumer (single producer) and the writer (single
// consumer), and the set of days already handed to the merge pool.
//
// Replacing the old global symbol-keyed maps with one value per symbol
// means no lock ever spans two symbols; a slow disk under one writer
// cannot stall any other.
type Bundle struct {
	symbol string

	queueMu sync.RWMutex
	queue   chan Snapshot
	closed  bool

	mergeMu    sync.Mutex
	mergedDays map[string]struct{}

	enqueued atomic.Int64
	dropped  atomic.Int64
}

// NewBundle builds the bundle for one symbol with a queue of the given
// capacity.
func NewBundle(symbol string, queueCap int) *Bundle {
	if queueCap < 1 {
		queueCap = 1
	}
	return &Bundle{
		symbol:     symbol,
		queue:      make(chan Snapshot, queueCap),
		mergedDays: make(map[string]struct{}),
	}
}

// Symbol returns the lower-cased symbol this bundle belongs to.
func (b *Bundle) Symbol() string { return b.symbol }

// Enqueue hands a snapshot to the writer without blocking. When the
// queue is full or already closed the snapshot is dropped and counted;
// a healthy writer keeps depth near zero, so sustained drops indicate
// a stuck disk.
func (b *Bundle) Enqueue(s Snapshot) bool {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return false
	}
	select {
	case b.queue <- s:
		b.enqueued.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Queue exposes the receive side for the symbol's writer. Nothing else
// may receive from it.
func (b *Bundle) Queue() <-chan Snapshot { return b.queue }

// CloseQueue closes the queue so the writer drains and exits. The
// close serializes against Enqueue, so a producer that outlives its
// teardown wait sheds late snapshots instead of sending on a closed
// channel. Closing twice is harmless.
func (b *Bundle) CloseQueue() {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.queue)
}

// Depth reports the current queue backlog.
func (b *Bundle) Depth() int { return len(b.queue) }

// Enqueued reports how many snapshots were accepted onto the queue.
func (b *Bundle) Enqueued() int64 { return b.enqueued.Load() }

// Dropped reports how many snapshots were discarded on a full or
// closed queue.
func (b *Bundle) Dropped() int64 { return b.dropped.Load() }

// MarkMerged records that day's merge as submitted and reports whether
// this call was the first to do so. The check-and-insert is atomic
// under the bundle's merge mutex, which is what bounds merge dispatch
// to at most once per (symbol, day) for the life of the process. Days
// stay marked even if the merge later fails; a rerun of the process
// picks up leftover archives instead.
func (b *Bundle) MarkMerged(day string) bool {
	b.mergeMu.Lock()
	defer b.mergeMu.Unlock()
	if _, seen := b.mergedDays[day]; seen {
		return false
	}
	b.mergedDays[day] = struct{}{}
	return true
}

// Registry is the fixed symbol→bundle table, built once at startup.
type Registry struct {
	order   []string
	bundles map[string]*Bundle
}

// NewRegistry creates one bundle per symbol, preserving the configured
// order for deterministic iteration.
func NewRegistry(symbols []string, queueCap int) *Registry {
	r := &Registry{
		order:   make([]string, 0, len(symbols)),
		bundles: make(map[string]*Bundle, len(symbols)),
	}
	for _, sym := range symbols {
		if _, dup := r.bundles[sym]; dup {
			continue
		}
		r.order = append(r.order, sym)
		r.bundles[sym] = NewBundle(sym, queueCap)
	}
	return r
}

// Lookup returns the bundle for a symbol, or ok=false when the symbol
// is not part of the configured set.
func (r *Registry) Lookup(symbol string) (*Bundle, bool) {
	b, ok := r.bundles[symbol]
	return b, ok
}

// Bundles returns every bundle in configuration order.
func (r *Registry) Bundles() []*Bundle {
	out := make([]*Bundle, 0, len(r.order))
	for _, sym := range r.order {
		out = append(out, r.bundles[sym])
	}
	return out
}

// CloseQueues closes every symbol queue so the writers drain and exit.
// Producers should have been stopped first, but a straggler mid-enqueue
// is tolerated per Bundle.CloseQueue.
func (r *Registry) CloseQueues() {
	for _, sym := range r.order {
		r.bundles[sym].CloseQueue()
	}
}
