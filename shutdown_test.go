package enoki

import (
	"fmt"
	"strings"
	"testing"

	"github.com/arrayjit/enoki/ir"
)

func TestShutdownCleanNoPanic(t *testing.T) {
	g := newTestGlobal()
	g.Shutdown()
	if !g.shuttingDown {
		t.Fatalf("expected shuttingDown to be set")
	}
}

func TestShutdownDetectsLeak(t *testing.T) {
	g := newTestGlobal()
	g.store.NewParameter(11, 1) // never released: a leak.

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected Shutdown to panic on a leaked Variable")
		}
		msg := fmt.Sprint(r)
		if !strings.Contains(msg, KindLeakDetected.String()) {
			t.Fatalf("expected panic message to mention %q, got %q", KindLeakDetected, msg)
		}
	}()
	g.Shutdown()
}

func TestShutdownLeakReportIncludesDebugLabel(t *testing.T) {
	g := newTestGlobal()
	leaked := g.store.NewParameter(11, 1)
	g.store.SetDebugLabel(leaked.ID, "momentum_buffer")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected Shutdown to panic on a leaked Variable")
		}
		msg := fmt.Sprint(r)
		if !strings.Contains(msg, "momentum_buffer") {
			t.Fatalf("expected panic message to mention the leaked Variable's debug label, got %q", msg)
		}
	}()
	g.Shutdown()
}

func TestShutdownDecrementsDeadScatterRefs(t *testing.T) {
	// A scatter op with zero internal refs but a lingering external ref
	// (the caller never explicitly released its handle to the side
	// effect) must have that ref dropped by shutdown's dead-scatter
	// pass rather than being reported as a leak, per Open Question (c).
	g := newTestGlobal()
	buf := g.store.NewParameter(11, 10)
	idx := g.store.NewParameter(4, 2)
	vals := g.store.NewParameter(11, 2)
	if _, err := g.store.NewOp(testOpScatter, 11, []ir.ID{buf.ID, idx.ID, vals.ID}, true); err != nil {
		t.Fatalf("NewOp scatter: %v", err)
	}
	g.store.DecRefExt(buf.ID)
	g.store.DecRefExt(idx.ID)
	g.store.DecRefExt(vals.ID)

	g.Shutdown()
	if live := g.store.LiveIDs(); len(live) != 0 {
		t.Fatalf("expected shutdown to drop the dangling scatter's external ref, still live: %v", live)
	}
}
