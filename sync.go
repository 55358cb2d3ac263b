package enoki

import "github.com/arrayjit/enoki/backend"

// SyncThread waits for the calling thread's outstanding work on both
// backends (SPEC_FULL.md §4.10). The global mutex is released for the
// duration of each backend wait, per §4.10's "no sync may hold it."
func (g *Global) SyncThread(token Token) error {
	g.mu.Lock()
	var streams []syncTarget
	for _, kind := range []backend.Kind{backend.CPU, backend.GPU} {
		if ts, ok := g.threads[threadKey{token: token, kind: kind}]; ok {
			streams = append(streams, syncTarget{b: g.backends[kind], stream: ts.stream, ts: ts})
		}
	}
	scope := g.unlock()
	err := syncAll(streams)
	scope.relock()
	for _, t := range streams {
		t.ts.drainReleases()
	}
	g.mu.Unlock()
	return err
}

// SyncDevice waits for all work on the GPU's current device context
// and on every CPU ThreadState (SPEC_FULL.md §4.10).
func (g *Global) SyncDevice(deviceIndex int) error {
	g.mu.Lock()
	var streams []syncTarget
	for key, ts := range g.threads {
		if key.kind == backend.CPU || (key.kind == backend.GPU && ts.device == deviceIndex) {
			streams = append(streams, syncTarget{b: g.backends[key.kind], stream: ts.stream, ts: ts})
		}
	}
	scope := g.unlock()
	err := syncAll(streams)
	scope.relock()
	for _, t := range streams {
		t.ts.drainReleases()
	}
	g.mu.Unlock()
	return err
}

// SyncAll waits for every registered ThreadState across both backends.
func (g *Global) SyncAll() error {
	g.mu.Lock()
	streams := make([]syncTarget, 0, len(g.threads))
	for key, ts := range g.threads {
		streams = append(streams, syncTarget{b: g.backends[key.kind], stream: ts.stream, ts: ts})
	}
	scope := g.unlock()
	err := syncAll(streams)
	scope.relock()
	for _, t := range streams {
		t.ts.drainReleases()
	}
	g.mu.Unlock()
	return err
}

type syncTarget struct {
	b      backend.Backend
	stream backend.Stream
	ts     *ThreadState
}

// syncAll runs every target's Sync and returns the first error
// encountered, still waiting out the rest so that a failure on one
// stream doesn't leave others outstanding.
func syncAll(targets []syncTarget) error {
	var firstErr error
	for _, t := range targets {
		if t.b == nil {
			continue
		}
		if err := t.b.Sync(t.stream); err != nil && firstErr == nil {
			firstErr = newError(KindLaunchFailed, "sync: %v", err)
		}
	}
	return firstErr
}
