package enoki

import (
	"testing"
	"time"

	"github.com/arrayjit/enoki/backend"
	_ "github.com/arrayjit/enoki/codegen/llvmir"
	"github.com/arrayjit/enoki/ir"
	"github.com/arrayjit/enoki/kernelcache"
	"github.com/arrayjit/enoki/pkg/support/xsync"
)

// waitForDiskPersist polls until the cache's async persistence
// goroutine has written at least one entry to dir, bounded so a
// genuine failure to persist fails the test instead of hanging.
func waitForDiskPersist(t *testing.T, cache *kernelcache.Cache) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := cache.ListDisk()
		if err != nil {
			t.Fatalf("ListDisk: %v", err)
		}
		if len(entries) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for the kernel cache to persist to disk")
}

// newEvaluateTestGlobal wires a fakeBackend plus a disk-backed kernel
// cache rooted at dir, enough state for Global.Evaluate to run its
// full codegen -> cache -> compile -> launch -> writeback pipeline
// without a real GPU or CPU JIT present.
func newEvaluateTestGlobal(t *testing.T, dir string, numDevices int) (*Global, *fakeBackend) {
	t.Helper()
	g, fb := newTestGlobalWithBackend(backend.CPU, numDevices)
	cache, err := kernelcache.Open(dir)
	if err != nil {
		t.Fatalf("kernelcache.Open: %v", err)
	}
	g.cache = cache
	g.log = newLogger()
	g.outstanding = map[backend.Kind]*xsync.DynamicWaitGroup{
		backend.CPU: xsync.NewDynamicWaitGroup(),
		backend.GPU: xsync.NewDynamicWaitGroup(),
	}
	return g, fb
}

// TestEvaluateScalarFoldProducesSingleKernel exercises S1: a single
// add over two scalar parameters schedules and launches as exactly
// one kernel, and the root is materialized as a buffer afterward.
func TestEvaluateScalarFoldProducesSingleKernel(t *testing.T) {
	g, fb := newEvaluateTestGlobal(t, t.TempDir(), 1)
	a := g.store.NewParameter(int8(Float32), 1)
	b := g.store.NewParameter(int8(Float32), 1)
	sum, err := g.store.NewOp(int32(OpAdd), int8(Float32), []ir.ID{a.ID, b.ID}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}

	tok := NewToken()
	if err := g.Evaluate(tok, backend.CPU, 0, []ir.ID{sum.ID}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fb.launches.Load() != 1 {
		t.Fatalf("expected exactly one launch, got %d", fb.launches.Load())
	}
	if g.store.Get(sum.ID).Data == nil {
		t.Fatalf("expected sum to be materialized after Evaluate")
	}
	if g.cache.Misses != 1 || g.cache.Hits != 0 {
		t.Fatalf("expected one cache miss on first compile, got hits=%d misses=%d", g.cache.Hits, g.cache.Misses)
	}
}

// TestEvaluateFingerprintStableAcrossIdenticalGraphs exercises the
// other half of S1: two structurally identical graphs built
// independently must compile to the same kernel cache entry, since
// the fingerprint is computed from rendered source text, not Variable
// ids.
func TestEvaluateFingerprintStableAcrossIdenticalGraphs(t *testing.T) {
	dir := t.TempDir()
	g, fb := newEvaluateTestGlobal(t, dir, 1)
	tok := NewToken()

	build := func(g *Global) ir.ID {
		a := g.store.NewParameter(int8(Float32), 1)
		b := g.store.NewParameter(int8(Float32), 1)
		sum, err := g.store.NewOp(int32(OpAdd), int8(Float32), []ir.ID{a.ID, b.ID}, false)
		if err != nil {
			t.Fatalf("NewOp: %v", err)
		}
		return sum.ID
	}

	first := build(g)
	if err := g.Evaluate(tok, backend.CPU, 0, []ir.ID{first}); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}
	if g.cache.Misses != 1 {
		t.Fatalf("expected a compile on the first graph, got misses=%d", g.cache.Misses)
	}

	second := build(g)
	if err := g.Evaluate(tok, backend.CPU, 0, []ir.ID{second}); err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if g.cache.Hits != 1 || g.cache.Misses != 1 {
		t.Fatalf("expected the structurally identical graph to hit the cache, got hits=%d misses=%d", g.cache.Hits, g.cache.Misses)
	}
	if fb.launches.Load() != 2 {
		t.Fatalf("expected both graphs to launch once each, got %d", fb.launches.Load())
	}
}

// TestEvaluateScatterGatherOrdering exercises S3: two scatters into
// the same buffer followed by a gather partition into three kernels
// at the scatter boundaries, and all three launch without codegen
// failing on OpGather (previously unsupported in both generators).
func TestEvaluateScatterGatherOrdering(t *testing.T) {
	g, fb := newEvaluateTestGlobal(t, t.TempDir(), 1)

	buf := g.store.NewParameter(int8(Float32), 10)
	idx := g.store.NewParameter(int8(Int32), 1)
	v1 := g.store.NewParameter(int8(Float32), 1)
	v2 := g.store.NewParameter(int8(Float32), 1)

	scatter1, err := g.store.NewOp(int32(OpScatter), int8(Float32), []ir.ID{buf.ID, idx.ID, v1.ID}, true)
	if err != nil {
		t.Fatalf("NewOp scatter1: %v", err)
	}
	scatter2, err := g.store.NewOp(int32(OpScatter), int8(Float32), []ir.ID{scatter1.ID, idx.ID, v2.ID}, true)
	if err != nil {
		t.Fatalf("NewOp scatter2: %v", err)
	}
	gather, err := g.store.NewOp(int32(OpGather), int8(Float32), []ir.ID{scatter2.ID, idx.ID}, false)
	if err != nil {
		t.Fatalf("NewOp gather: %v", err)
	}

	tok := NewToken()
	if err := g.Evaluate(tok, backend.CPU, 0, []ir.ID{gather.ID}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fb.launches.Load() != 3 {
		t.Fatalf("expected 3 launches (one per scatter boundary plus the gather kernel), got %d", fb.launches.Load())
	}
	if g.store.Get(gather.ID).Data == nil {
		t.Fatalf("expected gather to be materialized after Evaluate")
	}
}

// TestEvaluateCacheReusedAcrossProcessRestarts exercises S5: a fresh
// Cache opened on the same directory a prior one persisted to, paired
// with a brand new backend instance (simulating a new process), hits
// the disk-backed entry instead of recompiling from scratch, though
// it still needs one local Compile call since a CompiledKernel handle
// never outlives the backend instance that produced it.
func TestEvaluateCacheReusedAcrossProcessRestarts(t *testing.T) {
	dir := t.TempDir()

	g1, fb1 := newEvaluateTestGlobal(t, dir, 1)
	a := g1.store.NewParameter(int8(Float32), 1)
	b := g1.store.NewParameter(int8(Float32), 1)
	sum, err := g1.store.NewOp(int32(OpAdd), int8(Float32), []ir.ID{a.ID, b.ID}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	if err := g1.Evaluate(NewToken(), backend.CPU, 0, []ir.ID{sum.ID}); err != nil {
		t.Fatalf("first-process Evaluate: %v", err)
	}
	if fb1.launches.Load() != 1 {
		t.Fatalf("expected one launch in the first process, got %d", fb1.launches.Load())
	}
	waitForDiskPersist(t, g1.cache)

	// Simulate a process restart: identical graph, fresh Store, fresh
	// backend, a Cache reopened from the same disk directory.
	g2, fb2 := newEvaluateTestGlobal(t, dir, 1)
	a2 := g2.store.NewParameter(int8(Float32), 1)
	b2 := g2.store.NewParameter(int8(Float32), 1)
	sum2, err := g2.store.NewOp(int32(OpAdd), int8(Float32), []ir.ID{a2.ID, b2.ID}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	if err := g2.Evaluate(NewToken(), backend.CPU, 0, []ir.ID{sum2.ID}); err != nil {
		t.Fatalf("restarted-process Evaluate: %v", err)
	}
	if g2.cache.Hits != 1 || g2.cache.Misses != 0 {
		t.Fatalf("expected the restarted process to hit the disk-persisted entry, got hits=%d misses=%d", g2.cache.Hits, g2.cache.Misses)
	}
	if fb2.launches.Load() != 1 {
		t.Fatalf("expected the restarted process to still launch once, got %d", fb2.launches.Load())
	}
}
