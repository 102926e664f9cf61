package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeHandle struct {
	ready     chan struct{}
	done      chan struct{}
	startedAt time.Time

	readyOnce sync.Once
	doneOnce  sync.Once
	stopped   atomic.Bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

func (f *fakeHandle) Ready() <-chan struct{} { return f.ready }
func (f *fakeHandle) Done() <-chan struct{}  { return f.done }
func (f *fakeHandle) StartedAt() time.Time   { return f.startedAt }
func (f *fakeHandle) State() State           { return StateConnected }

func (f *fakeHandle) Stop() {
	f.stopped.Store(true)
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeHandle) markReady() { f.readyOnce.Do(func() { close(f.ready) }) }
func (f *fakeHandle) die()       { f.doneOnce.Do(func() { close(f.done) }) }

// spawnRecorder hands out fake handles and remembers which endpoint
// each spawn targeted.
type spawnRecorder struct {
	mu        sync.Mutex
	endpoints []string
	handles   []*fakeHandle
}

func (r *spawnRecorder) spawn(endpoint string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := newFakeHandle()
	r.endpoints = append(r.endpoints, endpoint)
	r.handles = append(r.handles, h)
	return h
}

func (r *spawnRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *spawnRecorder) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

func (r *spawnRecorder) endpoint(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints[i]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestSwapper(period, readyAhead time.Duration) (*Swapper, *spawnRecorder) {
	rec := &spawnRecorder{}
	s := NewSwapper(SwapperConfig{
		Period:     period,
		ReadyAhead: readyAhead,
		PrimaryURL: "ws://primary",
		BackupURL:  "ws://backup",
		CheckEvery: 5 * time.Millisecond,
	}, rec.spawn, zerolog.Nop())
	return s, rec
}

// TestSwapper_SpawnsReplacementAtThreshold verifies the replacement is
// spawned on the alternate endpoint once the active consumer's age
// reaches Period−ReadyAhead.
func TestSwapper_SpawnsReplacementAtThreshold(t *testing.T) {
	s, rec := newTestSwapper(60*time.Millisecond, 20*time.Millisecond)
	s.Start(context.Background())
	defer s.Shutdown()

	if rec.count() != 1 {
		t.Fatalf("spawn count after Start = %d, want 1", rec.count())
	}
	if rec.endpoint(0) != "ws://primary" {
		t.Errorf("first consumer dialed %q, want primary", rec.endpoint(0))
	}

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 2 }, "replacement never spawned")
	if rec.endpoint(1) != "ws://backup" {
		t.Errorf("replacement dialed %q, want the alternate endpoint", rec.endpoint(1))
	}
}

// TestSwapper_NoReplacementBeforeThreshold verifies a young active
// consumer is left alone.
func TestSwapper_NoReplacementBeforeThreshold(t *testing.T) {
	s, rec := newTestSwapper(10*time.Second, time.Second)
	s.Start(context.Background())
	defer s.Shutdown()

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("spawn count = %d during the active period, want 1", rec.count())
	}
}

// TestSwapper_PromotesOnFirstSnapshot verifies the handoff: the pending
// consumer becomes active once it signals Ready, the old one is
// stopped, and the next cycle alternates back to the primary endpoint.
func TestSwapper_PromotesOnFirstSnapshot(t *testing.T) {
	s, rec := newTestSwapper(50*time.Millisecond, 25*time.Millisecond)
	s.Start(context.Background())
	defer s.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 2 }, "replacement never spawned")
	rec.handle(1).markReady()

	waitFor(t, 2*time.Second, func() bool { return rec.handle(0).stopped.Load() }, "old consumer never stopped after promotion")

	if _, _, ok := s.ActiveInfo(); !ok {
		t.Error("ActiveInfo not ok after promotion")
	}

	// The promoted consumer ages in turn; its replacement must target
	// the primary endpoint again.
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 3 }, "next cycle never spawned")
	if rec.endpoint(2) != "ws://primary" {
		t.Errorf("third spawn dialed %q, want alternation back to primary", rec.endpoint(2))
	}
}

// TestSwapper_AbandonsSwapWhenPendingDies verifies a pending consumer
// that exits before its first snapshot is discarded: the active one
// stays in place and a fresh attempt follows.
func TestSwapper_AbandonsSwapWhenPendingDies(t *testing.T) {
	s, rec := newTestSwapper(50*time.Millisecond, 25*time.Millisecond)
	s.Start(context.Background())
	defer s.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 2 }, "replacement never spawned")
	rec.handle(1).die()

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 3 }, "retry never spawned after pending died")

	if rec.handle(0).stopped.Load() {
		t.Error("active consumer was stopped by an abandoned swap")
	}
	if rec.endpoint(2) != "ws://backup" {
		t.Errorf("retry dialed %q, want backup (active still holds primary parity)", rec.endpoint(2))
	}
}

// TestSwapper_ShutdownTearsDownBoth verifies shutdown stops pending and
// active consumers, returns promptly, and schedules nothing further.
func TestSwapper_ShutdownTearsDownBoth(t *testing.T) {
	s, rec := newTestSwapper(50*time.Millisecond, 25*time.Millisecond)
	s.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 2 }, "replacement never spawned")

	start := time.Now()
	s.Shutdown()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v with cooperative consumers", elapsed)
	}

	if !rec.handle(0).stopped.Load() || !rec.handle(1).stopped.Load() {
		t.Error("shutdown left a consumer running")
	}
	if _, _, ok := s.ActiveInfo(); ok {
		t.Error("ActiveInfo still ok after shutdown")
	}

	time.Sleep(30 * time.Millisecond)
	if rec.count() != 2 {
		t.Errorf("spawn count = %d after shutdown, want 2", rec.count())
	}
}

// TestSwapper_ActiveInfoLifecycle verifies the health view before
// Start and while running.
func TestSwapper_ActiveInfoLifecycle(t *testing.T) {
	s, _ := newTestSwapper(10*time.Second, time.Second)

	if _, _, ok := s.ActiveInfo(); ok {
		t.Error("ActiveInfo ok before Start")
	}

	s.Start(context.Background())
	defer s.Shutdown()

	state, age, ok := s.ActiveInfo()
	if !ok {
		t.Fatal("ActiveInfo not ok after Start")
	}
	if state != StateConnected {
		t.Errorf("state = %v, want connected fake", state)
	}
	if age < 0 {
		t.Errorf("age = %v, want non-negative", age)
	}
}
