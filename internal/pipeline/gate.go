package pipeline

import (
	"sync"
	"sync/atomic"
)

// Gate is the process lifecycle switchboard. Startup arms the stream;
// an interrupt disarms it and raises shutdown. Producers check
// StreamEnabled before enqueueing, writers re-check it at dequeue so a
// record buffered across the shutdown edge is discarded rather than
// written.
type Gate struct {
	streamEnabled atomic.Bool
	firstSnapshot atomic.Bool
	shutdown      atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewGate returns a gate with the stream enabled and the snapshot
// latch and shutdown flag clear.
func NewGate() *Gate {
	g := &Gate{done: make(chan struct{})}
	g.streamEnabled.Store(true)
	return g
}

// StreamEnabled reports whether the pipeline is accepting records.
func (g *Gate) StreamEnabled() bool { return g.streamEnabled.Load() }

// DisableStream stops record acceptance without starting shutdown.
func (g *Gate) DisableStream() { g.streamEnabled.Store(false) }

// MarkFirstSnapshot latches that at least one snapshot has flowed
// through the pipeline since startup.
func (g *Gate) MarkFirstSnapshot() { g.firstSnapshot.Store(true) }

// FirstSnapshotSeen reports the snapshot latch; health checks use it
// to distinguish "connected but idle" from "ingesting".
func (g *Gate) FirstSnapshotSeen() bool { return g.firstSnapshot.Load() }

// BeginShutdown clears the stream gate, raises the shutdown flag, and
// closes Done. Safe to call more than once.
func (g *Gate) BeginShutdown() {
	g.streamEnabled.Store(false)
	g.shutdown.Store(true)
	g.doneOnce.Do(func() { close(g.done) })
}

// ShuttingDown reports whether shutdown has begun.
func (g *Gate) ShuttingDown() bool { return g.shutdown.Load() }

// Done is closed when shutdown begins, for select-based waiters.
func (g *Gate) Done() <-chan struct{} { return g.done }
