package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeMerger records merge calls and can block or panic on demand.
type fakeMerger struct {
	mu      sync.Mutex
	calls   []Job
	started chan struct{} // receives one value per job start, if set
	release chan struct{} // jobs block here until closed, if set
	panicOn string        // symbol that triggers a panic
}

func (f *fakeMerger) MergeDay(symbol, day string) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if symbol == f.panicOn {
		panic("corrupt archive")
	}
	f.mu.Lock()
	f.calls = append(f.calls, Job{Symbol: symbol, Day: day})
	f.mu.Unlock()
	return nil
}

func (f *fakeMerger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// TestPool_ExecutesSubmittedJobs verifies accepted jobs run and Stop
// waits for them.
func TestPool_ExecutesSubmittedJobs(t *testing.T) {
	fake := &fakeMerger{}
	p := NewPool(2, 8, fake, zerolog.Nop())
	p.Start(context.Background())

	if !p.Submit("btcusdt", "2025-11-07") {
		t.Fatal("submit should be accepted")
	}
	if !p.Submit("ethusdt", "2025-11-07") {
		t.Fatal("submit should be accepted")
	}
	p.Stop()

	if got := fake.callCount(); got != 2 {
		t.Fatalf("merged %d jobs, want 2", got)
	}
}

// TestPool_DropsWhenQueueFull verifies submission never blocks: with
// the single worker busy and the queue occupied, the next job is
// rejected and counted.
func TestPool_DropsWhenQueueFull(t *testing.T) {
	fake := &fakeMerger{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	p := NewPool(1, 1, fake, zerolog.Nop())
	p.Start(context.Background())

	if !p.Submit("btcusdt", "2025-11-07") {
		t.Fatal("first submit should be accepted")
	}
	<-fake.started // worker is now blocked inside job 1

	if !p.Submit("ethusdt", "2025-11-07") {
		t.Fatal("second submit should occupy the queue slot")
	}
	if p.Submit("solusdt", "2025-11-07") {
		t.Fatal("third submit should be dropped")
	}
	if got := p.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	close(fake.release)
	p.Stop()

	if got := fake.callCount(); got != 2 {
		t.Fatalf("merged %d jobs, want 2 (third was dropped)", got)
	}
}

// TestPool_RecoversFromPanickingJob verifies a panicking merge is
// contained: the worker survives and processes the next job.
func TestPool_RecoversFromPanickingJob(t *testing.T) {
	fake := &fakeMerger{panicOn: "badusdt"}
	p := NewPool(1, 8, fake, zerolog.Nop())
	p.Start(context.Background())

	p.Submit("badusdt", "2025-11-07")
	p.Submit("btcusdt", "2025-11-07")
	p.Stop()

	if got := fake.callCount(); got != 1 {
		t.Fatalf("recorded %d completed jobs, want 1 (panicking job completes none)", got)
	}
	f := fake.calls[0]
	if f.Symbol != "btcusdt" {
		t.Errorf("surviving job = %q, want btcusdt", f.Symbol)
	}
}

// TestPool_ContextCancelStopsWorkers verifies the hard-stop path: a
// cancelled context ends workers without needing Stop first.
func TestPool_ContextCancelStopsWorkers(t *testing.T) {
	fake := &fakeMerger{}
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(2, 8, fake, zerolog.Nop())
	p.Start(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after context cancel")
	}
}
