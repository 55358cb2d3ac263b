package enoki

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/arrayjit/enoki/backend"
)

// fakeBackend is a minimal backend.Backend double for exercising
// ThreadState/sync/shutdown logic without a real GPU or CPU JIT
// present, following the teacher's habit (see backends/simplego) of
// keeping one dependency-free reference backend around to test the
// dispatch layer against.
type fakeBackend struct {
	kind      backend.Kind
	devices   []*backend.Device
	streamSeq atomic.Int64
	eventSeq  atomic.Int64
	syncCalls atomic.Int64
	launches  atomic.Int64
	failSync  atomic.Bool
}

func newFakeBackend(kind backend.Kind, numDevices int) *fakeBackend {
	b := &fakeBackend{kind: kind}
	for i := 0; i < numDevices; i++ {
		b.devices = append(b.devices, &backend.Device{Kind: kind, Index: i, Name: "fake"})
	}
	return b
}

func (b *fakeBackend) Kind() backend.Kind        { return b.kind }
func (b *fakeBackend) Available() bool           { return len(b.devices) > 0 }
func (b *fakeBackend) Devices() []*backend.Device { return b.devices }

func (b *fakeBackend) NewStream(deviceIndex int) (backend.Stream, error) {
	return b.streamSeq.Add(1), nil
}
func (b *fakeBackend) NewEvent() (backend.Event, error) {
	return b.eventSeq.Add(1), nil
}
func (b *fakeBackend) DestroyStream(backend.Stream) {}
func (b *fakeBackend) DestroyEvent(backend.Event)   {}

func (b *fakeBackend) Compile(deviceIndex int, source string) (backend.CompiledKernel, error) {
	return source, nil
}
func (b *fakeBackend) Launch(stream backend.Stream, kernel backend.CompiledKernel, outputSize int64, deviceIndex int, event backend.Event) error {
	b.launches.Add(1)
	return nil
}
func (b *fakeBackend) Sync(stream backend.Stream) error {
	b.syncCalls.Add(1)
	if b.failSync.Load() {
		return fmt.Errorf("fake sync failure")
	}
	return nil
}
func (b *fakeBackend) Finalize() {}

func newTestGlobalWithBackend(kind backend.Kind, numDevices int) (*Global, *fakeBackend) {
	fb := newFakeBackend(kind, numDevices)
	g := newTestGlobal()
	g.backends = map[backend.Kind]backend.Backend{kind: fb}
	g.threads = make(map[threadKey]*ThreadState)
	for _, d := range fb.devices {
		g.devices = append(g.devices, &Device{Backend: fb, Info: d})
	}
	return g, fb
}

func TestThreadStateLazilyCreatedAndReused(t *testing.T) {
	g, _ := newTestGlobalWithBackend(backend.GPU, 2)
	tok := NewToken()

	ts1, err := g.ThreadState(tok, backend.GPU, 0)
	if err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	ts2, err := g.ThreadState(tok, backend.GPU, 0)
	if err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	if ts1 != ts2 {
		t.Fatalf("expected the same ThreadState to be reused for the same (token, kind)")
	}
}

func TestSwitchDeviceReplacesStreamAndEvent(t *testing.T) {
	g, fb := newTestGlobalWithBackend(backend.GPU, 2)
	tok := NewToken()

	ts, err := g.ThreadState(tok, backend.GPU, 0)
	if err != nil {
		t.Fatalf("ThreadState: %v", err)
	}
	oldStream := ts.stream

	if err := g.SwitchDevice(tok, 1); err != nil {
		t.Fatalf("SwitchDevice: %v", err)
	}
	if ts.device != 1 {
		t.Fatalf("expected device index 1 after switch, got %d", ts.device)
	}
	if ts.stream == oldStream {
		t.Fatalf("expected a new stream to be allocated on device switch")
	}
	if fb.syncCalls.Load() != 1 {
		t.Fatalf("expected exactly one Sync call before switching devices, got %d", fb.syncCalls.Load())
	}
}

func TestThreadStateUnavailableBackend(t *testing.T) {
	g, _ := newTestGlobalWithBackend(backend.GPU, 0) // Available() == false
	_, err := g.ThreadState(NewToken(), backend.GPU, 0)
	if err == nil {
		t.Fatalf("expected an error for an unavailable backend")
	}
}
