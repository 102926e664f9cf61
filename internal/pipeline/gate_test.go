package pipeline

import "testing"

// TestGate_StartupState verifies the documented initial state: stream
// armed, snapshot latch clear, shutdown clear.
func TestGate_StartupState(t *testing.T) {
	g := NewGate()

	if !g.StreamEnabled() {
		t.Error("stream should be enabled at startup")
	}
	if g.FirstSnapshotSeen() {
		t.Error("snapshot latch should start clear")
	}
	if g.ShuttingDown() {
		t.Error("shutdown should start clear")
	}
	select {
	case <-g.Done():
		t.Error("Done() should not be closed before shutdown")
	default:
	}
}

// TestGate_BeginShutdownFlipsBothFlags verifies the interrupt path:
// one call disables the stream, raises shutdown, and closes Done.
// Calling it again is harmless.
func TestGate_BeginShutdownFlipsBothFlags(t *testing.T) {
	g := NewGate()

	g.BeginShutdown()
	g.BeginShutdown() // idempotent

	if g.StreamEnabled() {
		t.Error("stream should be disabled after shutdown")
	}
	if !g.ShuttingDown() {
		t.Error("shutdown flag should be set")
	}
	select {
	case <-g.Done():
	default:
		t.Error("Done() should be closed after shutdown")
	}
}

// TestGate_FirstSnapshotLatches verifies the latch sticks once set.
func TestGate_FirstSnapshotLatches(t *testing.T) {
	g := NewGate()

	g.MarkFirstSnapshot()
	g.MarkFirstSnapshot()

	if !g.FirstSnapshotSeen() {
		t.Error("latch should be set")
	}
}

// TestGate_DisableStreamAlone verifies the stream can be paused
// without initiating shutdown.
func TestGate_DisableStreamAlone(t *testing.T) {
	g := NewGate()

	g.DisableStream()

	if g.StreamEnabled() {
		t.Error("stream should be disabled")
	}
	if g.ShuttingDown() {
		t.Error("shutdown should remain clear")
	}
}
