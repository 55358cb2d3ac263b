package enoki

import (
	"sync/atomic"

	"github.com/arrayjit/enoki/backend"
	"github.com/arrayjit/enoki/kernelcache"
)

// threadKey identifies a ThreadState by the calling goroutine's
// self-registered identity and the backend it's paired with — the
// design note's "exactly one ThreadState per (thread, backend) pair."
// Go has no first-class OS-thread-local identity outside cgo/LockOSThread,
// so callers obtain a Token once (typically per goroutine, via
// NewToken) and pass it explicitly; this mirrors the teacher's own
// Manager, which similarly hands callers an explicit handle instead of
// relying on ambient thread-locals.
type Token uint64

var nextToken atomic.Uint64

// NewToken allocates a fresh identity for use as a ThreadState key.
// Call once per logical worker (e.g. once per goroutine that will
// issue engine operations) and reuse it for the worker's lifetime.
func NewToken() Token {
	return Token(nextToken.Add(1))
}

type threadKey struct {
	token Token
	kind  backend.Kind
}

// ThreadState is the per-thread, per-backend execution context named
// in SPEC_FULL.md §3: a GPU ThreadState owns a stream and event; a CPU
// ThreadState owns its current outstanding stream (the CPU backend has
// no device-bound context to switch).
type ThreadState struct {
	kind   backend.Kind
	device int

	stream backend.Stream
	event  backend.Event

	// compiled caches the local backend.CompiledKernel handle for every
	// fingerprint this ThreadState has compiled or reloaded, since a
	// kernelcache.Entry only carries source and artifact bytes, not a
	// live backend handle (those aren't shareable across backend
	// instances, unlike the cached source/artifact).
	compiled map[kernelcache.Fingerprint]backend.CompiledKernel

	// pendingRelease holds buffers awaiting stream completion before
	// their backend storage can be freed; drained by Sync.
	pendingRelease []func()
}

// ThreadState returns (creating if necessary) the ThreadState for
// token on the given backend kind and device index. GPU ThreadStates
// are bound to one device at a time; SwitchDevice moves them.
func (g *Global) ThreadState(token Token, kind backend.Kind, deviceIndex int) (*ThreadState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threadStateLocked(token, kind, deviceIndex)
}

func (g *Global) threadStateLocked(token Token, kind backend.Kind, deviceIndex int) (*ThreadState, error) {
	if g.shuttingDown {
		return nil, newError(KindShutdownInProgress, "cannot create ThreadState during shutdown")
	}
	key := threadKey{token: token, kind: kind}
	if ts, ok := g.threads[key]; ok {
		return ts, nil
	}

	b, ok := g.backends[kind]
	if !ok || !b.Available() {
		return nil, newError(KindBackendUnavailable, "%s backend unavailable; set ENOKI_LIB%s_PATH", kind, envSuffix(kind))
	}
	stream, err := b.NewStream(deviceIndex)
	if err != nil {
		return nil, newError(KindLaunchFailed, "creating stream: %v", err)
	}
	event, err := b.NewEvent()
	if err != nil {
		b.DestroyStream(stream)
		return nil, newError(KindLaunchFailed, "creating event: %v", err)
	}
	ts := &ThreadState{
		kind: kind, device: deviceIndex, stream: stream, event: event,
		compiled: make(map[kernelcache.Fingerprint]backend.CompiledKernel),
	}
	g.threads[key] = ts
	return ts, nil
}

func envSuffix(kind backend.Kind) string {
	if kind == backend.GPU {
		return "CUDA"
	}
	return "LLVM"
}

// SwitchDevice moves a GPU ThreadState to a different device: it syncs
// and destroys the old stream/event before creating fresh ones on the
// new device (SPEC_FULL.md §4.4). No-op for CPU ThreadStates, which
// aren't device-bound.
func (g *Global) SwitchDevice(token Token, deviceIndex int) error {
	g.mu.Lock()
	key := threadKey{token: token, kind: backend.GPU}
	ts, ok := g.threads[key]
	if !ok {
		g.mu.Unlock()
		_, err := g.ThreadState(token, backend.GPU, deviceIndex)
		return err
	}
	if ts.device == deviceIndex {
		g.mu.Unlock()
		return nil
	}
	b := g.backends[backend.GPU]
	oldStream, oldEvent := ts.stream, ts.event
	scope := g.unlock()
	err := b.Sync(oldStream)
	scope.relock()
	b.DestroyStream(oldStream)
	b.DestroyEvent(oldEvent)

	if err != nil {
		delete(g.threads, key)
		g.mu.Unlock()
		return newError(KindLaunchFailed, "syncing before device switch: %v", err)
	}

	newStream, serr := b.NewStream(deviceIndex)
	if serr != nil {
		delete(g.threads, key)
		g.mu.Unlock()
		return newError(KindLaunchFailed, "creating stream on device %d: %v", deviceIndex, serr)
	}
	newEvent, eerr := b.NewEvent()
	if eerr != nil {
		b.DestroyStream(newStream)
		delete(g.threads, key)
		g.mu.Unlock()
		return newError(KindLaunchFailed, "creating event on device %d: %v", deviceIndex, eerr)
	}
	ts.device = deviceIndex
	ts.stream = newStream
	ts.event = newEvent
	g.mu.Unlock()
	return nil
}

func (ts *ThreadState) queueRelease(fn func()) {
	ts.pendingRelease = append(ts.pendingRelease, fn)
}

func (ts *ThreadState) drainReleases() {
	for _, fn := range ts.pendingRelease {
		fn()
	}
	ts.pendingRelease = ts.pendingRelease[:0]
}
