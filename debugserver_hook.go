package enoki

import (
	"context"

	"github.com/arrayjit/enoki/debugserver"
)

// StartDebugServer wires an HTTP debug surface into the process
// singleton, blocking until ctx is cancelled. It builds its snapshot
// closures here rather than exposing Global's internals, keeping the
// debugserver package itself free of any dependency on this one
// (SPEC_FULL.md §4.17). Opt-in: nothing calls this on the caller's
// behalf.
func StartDebugServer(ctx context.Context, addr string) error {
	return Process().StartDebugServer(ctx, addr)
}

// StartDebugServer is the Global-scoped form of the package-level
// StartDebugServer, useful for tests that build their own Global.
func (g *Global) StartDebugServer(ctx context.Context, addr string) error {
	srv := debugserver.New(g.debugState, g.debugCacheStats)
	return srv.ListenAndServe(ctx, addr)
}

func (g *Global) debugState() debugserver.State {
	g.mu.Lock()
	defer g.mu.Unlock()

	outstanding := make(map[string]int, len(g.outstanding))
	for kind, wg := range g.outstanding {
		outstanding[kind.String()] = int(wg.Count())
	}

	devices := make([]debugserver.DeviceInfo, 0, len(g.devices))
	for _, d := range g.devices {
		devices = append(devices, debugserver.DeviceInfo{
			Backend: d.Info.Kind.String(),
			Index:   d.Info.Index,
			Name:    d.Info.Name,
		})
	}

	return debugserver.State{
		ProcessID:     g.processID,
		LiveVariables: g.store.Len(),
		CseCacheSize:  g.store.CseCacheLen(),
		ThreadStates:  len(g.threads),
		Outstanding:   outstanding,
		Devices:       devices,
		ShuttingDown:  g.shuttingDown,
	}
}

func (g *Global) debugCacheStats() debugserver.CacheStats {
	stats := g.Cache().Stats()
	return debugserver.CacheStats{
		Hits:     stats.Hits,
		Misses:   stats.Misses,
		Launches: stats.Launches,
		Entries:  stats.Entries,
	}
}
