package enoki

import (
	"testing"

	"github.com/arrayjit/enoki/ir"
)

const (
	testOpAdd     = int32(1)
	testOpScatter = int32(2)
)

func newTestGlobal() *Global {
	return &Global{store: ir.NewStore()}
}

func TestExpandRootSetIncludesDirtyScatterDeps(t *testing.T) {
	g := newTestGlobal()
	buf := g.store.NewParameter(11, 10)
	idx := g.store.NewParameter(4, 2)
	vals := g.store.NewParameter(11, 2)
	scatter, err := g.store.NewOp(testOpScatter, 11, []ir.ID{buf.ID, idx.ID, vals.ID}, true)
	if err != nil {
		t.Fatalf("NewOp scatter: %v", err)
	}
	use, err := g.store.NewOp(testOpAdd, 11, []ir.ID{scatter.ID, scatter.ID}, false)
	if err != nil {
		t.Fatalf("NewOp add: %v", err)
	}

	roots := g.expandRootSet([]ir.ID{use.ID})
	found := false
	for _, id := range roots {
		if id == scatter.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dirty scatter dependency %d in expanded root set %v", scatter.ID, roots)
	}
}

func TestTopoOrderProducersBeforeConsumers(t *testing.T) {
	g := newTestGlobal()
	a := g.store.NewParameter(11, 1)
	b := g.store.NewParameter(11, 1)
	sum, err := g.store.NewOp(testOpAdd, 11, []ir.ID{a.ID, b.ID}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	doubled, err := g.store.NewOp(testOpAdd, 11, []ir.ID{sum.ID, sum.ID}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}

	roots := g.expandRootSet([]ir.ID{doubled.ID})
	order := g.topoOrder(roots)

	pos := make(map[ir.ID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos[sum.ID] >= pos[doubled.ID] {
		t.Fatalf("expected producer %d before consumer %d in %v", sum.ID, doubled.ID, order)
	}
}

func TestPartitionKernelsSplitsAtScatterBoundary(t *testing.T) {
	g := newTestGlobal()
	buf := g.store.NewParameter(11, 10)
	idx := g.store.NewParameter(4, 2)
	vals := g.store.NewParameter(11, 2)
	scatter, err := g.store.NewOp(testOpScatter, 11, []ir.ID{buf.ID, idx.ID, vals.ID}, true)
	if err != nil {
		t.Fatalf("NewOp scatter: %v", err)
	}
	after, err := g.store.NewOp(testOpAdd, 11, []ir.ID{scatter.ID, scatter.ID}, false)
	if err != nil {
		t.Fatalf("NewOp add: %v", err)
	}

	roots := g.expandRootSet([]ir.ID{after.ID})
	order := g.topoOrder(roots)
	kernels := g.partitionKernels(order, roots)

	if len(kernels) != 2 {
		t.Fatalf("expected 2 kernels split at the scatter boundary, got %d", len(kernels))
	}
	lastOfFirst := kernels[0].kernel.Ops[len(kernels[0].kernel.Ops)-1]
	if !lastOfFirst.Scatter {
		t.Fatalf("expected first kernel to end with the scatter op, got %+v", lastOfFirst)
	}
}

func TestFireCallbacksRunsOutsideLock(t *testing.T) {
	g := newTestGlobal()
	g.outstanding = nil // unused by fireCallbacks directly
	a := g.store.NewParameter(11, 1)

	var fired ir.ID
	var lockFree bool
	g.store.SetCallback(a.ID, func(id ir.ID) {
		fired = id
		if g.mu.TryLock() {
			lockFree = true
			g.mu.Unlock()
		}
	})

	g.mu.Lock()
	g.fireCallbacks([]ir.ID{a.ID})
	g.mu.Unlock()

	if fired != a.ID {
		t.Fatalf("expected callback invoked with id %d, got %d", a.ID, fired)
	}
	if !lockFree {
		t.Fatalf("expected the global mutex to be released while the callback ran")
	}
}

func TestPartitionKernelsLeafForCrossKernelDep(t *testing.T) {
	// A dependency belonging to an earlier kernel becomes a zero-Deps
	// leaf op in the later kernel, mirroring codegen/ptx's ld.param
	// convention for len(Deps)==0.
	g := newTestGlobal()
	buf := g.store.NewParameter(11, 10)
	idx := g.store.NewParameter(4, 2)
	vals := g.store.NewParameter(11, 2)
	scatter, err := g.store.NewOp(testOpScatter, 11, []ir.ID{buf.ID, idx.ID, vals.ID}, true)
	if err != nil {
		t.Fatalf("NewOp scatter: %v", err)
	}
	after, err := g.store.NewOp(testOpAdd, 11, []ir.ID{scatter.ID, scatter.ID}, false)
	if err != nil {
		t.Fatalf("NewOp add: %v", err)
	}

	roots := g.expandRootSet([]ir.ID{after.ID})
	order := g.topoOrder(roots)
	kernels := g.partitionKernels(order, roots)

	secondOps := kernels[1].kernel.Ops
	leaf := secondOps[0]
	if len(leaf.Deps) != 0 {
		t.Fatalf("expected the carried-over scatter result to render as a zero-Deps leaf, got %+v", leaf)
	}
}
