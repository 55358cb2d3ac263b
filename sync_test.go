package enoki

import (
	"testing"

	"github.com/arrayjit/enoki/backend"
)

func TestSyncThreadWaitsOnlyOnCallersStreams(t *testing.T) {
	g, fb := newTestGlobalWithBackend(backend.GPU, 1)
	tok := NewToken()
	other := NewToken()

	if _, err := g.ThreadState(tok, backend.GPU, 0); err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	if _, err := g.ThreadState(other, backend.GPU, 0); err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	fb.syncCalls.Store(0)

	if err := g.SyncThread(tok); err != nil {
		t.Fatalf("SyncThread: %v", err)
	}
	if got := fb.syncCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one Sync call for tok's own stream, got %d", got)
	}
}

func TestSyncDeviceWaitsOnlyOnMatchingDeviceIndex(t *testing.T) {
	g, fb := newTestGlobalWithBackend(backend.GPU, 2)
	onDevice0 := NewToken()
	onDevice1 := NewToken()

	if _, err := g.ThreadState(onDevice0, backend.GPU, 0); err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	if _, err := g.ThreadState(onDevice1, backend.GPU, 1); err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	fb.syncCalls.Store(0)

	if err := g.SyncDevice(0); err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if got := fb.syncCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one Sync call for device 0's ThreadState, got %d", got)
	}
}

func TestSyncAllWaitsOnEveryThreadState(t *testing.T) {
	g, fb := newTestGlobalWithBackend(backend.GPU, 2)
	a, b := NewToken(), NewToken()

	if _, err := g.ThreadState(a, backend.GPU, 0); err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	if _, err := g.ThreadState(b, backend.GPU, 1); err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	fb.syncCalls.Store(0)

	if err := g.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if got := fb.syncCalls.Load(); got != 2 {
		t.Fatalf("expected two Sync calls, one per ThreadState, got %d", got)
	}
}

func TestSyncThreadDrainsPendingReleases(t *testing.T) {
	g, _ := newTestGlobalWithBackend(backend.GPU, 1)
	tok := NewToken()

	ts, err := g.ThreadState(tok, backend.GPU, 0)
	if err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	released := false
	ts.queueRelease(func() { released = true })

	if err := g.SyncThread(tok); err != nil {
		t.Fatalf("SyncThread: %v", err)
	}
	if !released {
		t.Fatalf("expected SyncThread to drain the queued release")
	}
	if len(ts.pendingRelease) != 0 {
		t.Fatalf("expected pendingRelease to be emptied after drain")
	}
}

func TestSyncAllPropagatesFirstError(t *testing.T) {
	g, fb := newTestGlobalWithBackend(backend.GPU, 1)
	tok := NewToken()
	if _, err := g.ThreadState(tok, backend.GPU, 0); err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	fb.failSync.Store(true)

	if err := g.SyncAll(); err == nil {
		t.Fatalf("expected SyncAll to surface the backend's Sync error")
	}
}
