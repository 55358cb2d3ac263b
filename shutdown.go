package enoki

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/arrayjit/enoki/ir"
)

// maxLeakReports bounds how many individual leaked Variables Shutdown
// names before falling back to a summary count (SPEC_FULL.md §4.11).
const maxLeakReports = 10

// Shutdown waits for in-flight launches, drains every ThreadState,
// flushes pending frees, finalizes every backend, and runs the
// leak-detection pass. The kernel cache is left as it is: its
// in-memory entries are not released and pending disk writes are not
// awaited. It panics (via
// fatal) on a confirmed leak or on the empty-VariableMap-but-nonempty-
// CSE-cache invariant violation — both are treated as unrecoverable
// per §4.13.
func (g *Global) Shutdown() {
	g.mu.Lock()
	if g.shuttingDown {
		g.mu.Unlock()
		return
	}
	g.shuttingDown = true

	for _, wg := range g.outstanding {
		if wg == nil {
			continue
		}
		scope := g.unlock()
		wg.Wait()
		scope.relock()
	}

	for key, ts := range g.threads {
		b := g.backends[key.kind]
		stream, event := ts.stream, ts.event
		scope := g.unlock()
		if b != nil {
			_ = b.Sync(stream)
		}
		scope.relock()
		ts.drainReleases()
		if b != nil {
			b.DestroyStream(stream)
			b.DestroyEvent(event)
		}
		delete(g.threads, key)
	}

	for _, b := range g.backends {
		if b != nil {
			b.Finalize()
		}
	}

	g.decrementDeadScatterRefs()

	live := g.store.LiveIDs()
	if len(live) > 0 {
		err := buildLeakReport(g.store, live)
		g.mu.Unlock()
		fatal(KindLeakDetected, "%v", err)
		return
	}

	if g.store.Len() == 0 && g.store.CseCacheLen() > 0 {
		cseLen := g.store.CseCacheLen()
		g.mu.Unlock()
		fatal(KindInternalInvariant, "empty VariableMap but %d entries remain in the CSE cache", cseLen)
		return
	}

	g.mu.Unlock()
}

// decrementDeadScatterRefs implements §4.11 step (a): a scatter
// Variable with no internal referrer is structural garbage once its
// only remaining reference is external — nothing will ever read it
// through the graph again, so shutdown may drop that reference on its
// behalf rather than reporting it as a leak (Open Question (c) in
// DESIGN.md).
func (g *Global) decrementDeadScatterRefs() {
	for _, id := range g.store.LiveIDs() {
		v := g.store.Get(id)
		if v == nil || !v.Scatter || v.RefCountInternal != 0 {
			continue
		}
		for v.RefCountExternal > 0 {
			g.store.DecRefExt(id)
		}
	}
}

// buildLeakReport aggregates up to maxLeakReports individual leak
// descriptions plus a summary count via multierr, satisfying §4.13's
// "accumulate more than one independent leak report" requirement.
func buildLeakReport(store *ir.Store, live []ir.ID) error {
	var err error
	reported := 0
	for _, id := range live {
		if reported >= maxLeakReports {
			break
		}
		v := store.Get(id)
		if v == nil {
			continue
		}
		if e := store.GetExtra(id); e != nil && e.DebugLabel != "" {
			err = multierr.Append(err, fmt.Errorf("leaked %s %q", v, e.DebugLabel))
		} else {
			err = multierr.Append(err, fmt.Errorf("leaked %s", v))
		}
		reported++
	}
	if len(live) > reported {
		err = multierr.Append(err, fmt.Errorf("and %d more leaked Variable(s)", len(live)-reported))
	}
	return err
}
