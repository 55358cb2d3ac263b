package enoki

import (
	"fmt"

	"github.com/arrayjit/enoki/backend"
	"github.com/arrayjit/enoki/codegen"
	"github.com/arrayjit/enoki/ir"
	"github.com/arrayjit/enoki/kernelcache"
	"github.com/arrayjit/enoki/pkg/support/sets"
)

// evaluatedMarker is the opaque Data value a Variable receives once a
// kernel materializing it has been launched. Actual device buffer
// allocation and host transfer are out of scope: the engine tracks
// that a value has been produced by some kernel, not where its bytes
// live.
type evaluatedMarker struct {
	fingerprint kernelcache.Fingerprint
	kind        backend.Kind
}

// generatorName maps a backend.Kind to the codegen.Generator registered
// for it (SPEC_FULL.md §4.8).
func generatorName(kind backend.Kind) string {
	if kind == backend.GPU {
		return "ptx"
	}
	return "llvmir"
}

// Evaluate is the scheduler/evaluator entry point (SPEC_FULL.md §4.7),
// triggered whenever a caller demands concrete values for roots. token
// selects which ThreadState's stream the resulting kernels are
// launched on; kind/deviceIndex select the backend and device.
func (g *Global) Evaluate(token Token, kind backend.Kind, deviceIndex int, roots []ir.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shuttingDown {
		return newError(KindShutdownInProgress, "cannot evaluate during shutdown")
	}

	ts, err := g.threadStateLocked(token, kind, deviceIndex)
	if err != nil {
		return err
	}
	b, ok := g.backends[kind]
	if !ok || !b.Available() {
		return newError(KindBackendUnavailable, "%s backend unavailable", kind)
	}
	gen, ok := codegen.Get(generatorName(kind))
	if !ok {
		return g.fatalInvariantErr("no codegen registered for %s", generatorName(kind))
	}

	rootSet := g.expandRootSet(roots)
	order := g.topoOrder(rootSet)
	kernels := g.partitionKernels(order, rootSet)

	device, derr := g.deviceByIndex(kind, deviceIndex)
	if derr != nil {
		return derr
	}
	// SPEC_FULL.md §3: the CPU fingerprint's device identifier is the
	// target triple, CPU name, feature string, and vector width
	// together — two physically different CPUs sharing GOARCH/GOOS
	// must not collide on the same cache entry. The GPU identifier is
	// the device's compute capability.
	deviceKey := fmt.Sprintf("%s|%s|%s|%d", device.Info.TargetTriple, device.Info.Name, device.Info.Features, device.Info.VectorWidth)
	if kind == backend.GPU {
		deviceKey = fmt.Sprintf("sm_%d%d", device.Info.ComputeCapMajor, device.Info.ComputeCapMinor)
	}

	for _, sk := range kernels {
		source, gerr := gen.Generate(sk.kernel)
		if gerr != nil {
			return newError(KindCompileFailed, "codegen: %v", gerr)
		}
		fp := kernelcache.Compute(source, deviceKey)

		var backendTag uint16
		if kind == backend.GPU {
			backendTag = 1
		}

		var compileErr error
		entry, cerr := g.cache.GetOrCompile(fp, source, backendTag, func() ([]byte, error) {
			compiled, cerr := b.Compile(deviceIndex, source)
			if cerr != nil {
				compileErr = cerr
				return nil, cerr
			}
			ts.compiled[fp] = compiled
			return []byte(source), nil
		})
		if cerr != nil {
			return newError(KindCompileFailed, "compile: %v", cerr)
		}
		if compileErr != nil {
			return newError(KindCompileFailed, "compile: %v", compileErr)
		}

		compiled, ok := ts.compiled[entry.Fingerprint]
		if !ok {
			// Cache hit from a prior process or another ThreadState: the
			// compiled artifact wasn't produced on this stream's backend
			// instance, so we must recompile it locally. The disk/memory
			// cache still saved us the codegen+fingerprint work.
			recompiled, rerr := b.Compile(deviceIndex, entry.Source)
			if rerr != nil {
				return newError(KindCompileFailed, "recompile from cache: %v", rerr)
			}
			ts.compiled[fp] = recompiled
			compiled = recompiled
		}

		outputSize := int64(1)
		for _, outIdx := range sk.kernel.Outputs {
			id := sk.localToID[outIdx]
			if v := g.store.Get(id); v != nil && v.Size > outputSize {
				outputSize = v.Size
			}
		}

		outstanding := g.outstanding[kind]
		outstanding.Add(1)
		scope := g.unlock()
		lerr := b.Launch(ts.stream, compiled, outputSize, deviceIndex, ts.event)
		scope.relock()
		outstanding.Done()
		if lerr != nil {
			return newError(KindLaunchFailed, "launch: %v", lerr)
		}

		var ready []ir.ID
		for _, outIdx := range sk.kernel.Outputs {
			id := sk.localToID[outIdx]
			marker := evaluatedMarker{fingerprint: fp, kind: kind}
			g.store.ToBuffer(id, marker)
			g.store.MarkClean(id)
			if g.store.Callback(id) != nil {
				ready = append(ready, id)
			}
		}
		if len(ready) > 0 {
			g.fireCallbacks(ready)
		}
	}
	return nil
}

// fireCallbacks runs every registered materialization callback for ids
// outside the global lock, following the same unlock-for-the-duration
// discipline §5 requires for any call that might block or re-enter the
// core (a callback could itself create Variables).
func (g *Global) fireCallbacks(ids []ir.ID) {
	fns := make([]func(ir.ID), len(ids))
	for i, id := range ids {
		fns[i] = g.store.Callback(id)
	}
	scope := g.unlock()
	for i, fn := range fns {
		fn(ids[i])
	}
	scope.relock()
}

func (g *Global) fatalInvariantErr(format string, args ...any) error {
	g.log.log(LevelError, "scheduler", format, args...)
	return newError(KindInternalInvariant, format, args...)
}

// expandRootSet implements step 1 of §4.7. It returns every
// not-yet-evaluated op (ir.KindOp) reachable from the explicit roots
// via deps, the roots included, which covers every dirty scatter
// reachable from them. The set is not limited to roots and scatters:
// partitionKernels makes each member a kernel output, so every
// intermediate op is materialized too.
func (g *Global) expandRootSet(roots []ir.ID) []ir.ID {
	seen := sets.Make[ir.ID](len(roots))
	var out []ir.ID
	var walk func(id ir.ID)
	walk = func(id ir.ID) {
		if seen.Has(id) {
			return
		}
		seen.Insert(id)
		v := g.store.Get(id)
		if v == nil {
			return
		}
		if v.Kind == ir.KindOp {
			out = append(out, id)
		}
		for i := 0; i < v.NumDeps; i++ {
			walk(v.Deps[i])
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return out
}

// topoOrder walks dependencies in reverse (producers first), restricted
// to nodes not yet evaluated, via post-order DFS from rootSet — step 2.
func (g *Global) topoOrder(rootSet []ir.ID) []ir.ID {
	visited := sets.Make[ir.ID](len(rootSet))
	var order []ir.ID
	var visit func(id ir.ID)
	visit = func(id ir.ID) {
		if visited.Has(id) {
			return
		}
		visited.Insert(id)
		v := g.store.Get(id)
		if v == nil || v.Kind != ir.KindOp {
			return
		}
		for i := 0; i < v.NumDeps; i++ {
			visit(v.Deps[i])
		}
		order = append(order, id)
	}
	for _, r := range rootSet {
		visit(r)
	}
	return order
}

// scheduledKernel pairs a codegen.Kernel with the ir.ID each of its
// local op indices corresponds to, so results can be written back.
type scheduledKernel struct {
	kernel    *codegen.Kernel
	localToID map[int]ir.ID
}

// partitionKernels implements step 3: split the topological order into
// kernels at scatter boundaries, building the local (0..N-1) numbering
// codegen.Kernel expects. A dependency belonging to an earlier kernel
// (already evaluated, or a literal/parameter) becomes a zero-Deps
// "load" op in the new kernel.
func (g *Global) partitionKernels(order []ir.ID, rootSet []ir.ID) []scheduledKernel {
	isRoot := sets.MakeWith(rootSet...)

	var kernels []scheduledKernel
	idToLocal := make(map[ir.ID]int)
	var ops []codegen.Op
	localToID := make(map[int]ir.ID)

	flush := func() {
		if len(ops) == 0 {
			return
		}
		var outputs []int
		for idx, id := range localToID {
			if isRoot.Has(id) {
				outputs = append(outputs, idx)
			}
		}
		if len(outputs) == 0 {
			outputs = []int{len(ops) - 1}
		}
		kernels = append(kernels, scheduledKernel{
			kernel:    &codegen.Kernel{Ops: append([]codegen.Op(nil), ops...), Outputs: outputs},
			localToID: copyIntIDMap(localToID),
		})
		ops = ops[:0]
		idToLocal = make(map[ir.ID]int)
		localToID = make(map[int]ir.ID)
	}

	ensureLeaf := func(id ir.ID) int {
		if idx, ok := idToLocal[id]; ok {
			return idx
		}
		v := g.store.Get(id)
		var scalarType int8
		if v != nil {
			scalarType = v.ScalarType
		}
		idx := len(ops)
		ops = append(ops, codegen.Op{ScalarType: scalarType})
		idToLocal[id] = idx
		localToID[idx] = id
		return idx
	}

	for _, id := range order {
		v := g.store.Get(id)
		if v == nil {
			continue
		}
		deps := make([]int, v.NumDeps)
		for i := 0; i < v.NumDeps; i++ {
			deps[i] = ensureLeaf(v.Deps[i])
		}
		idx := len(ops)
		ops = append(ops, codegen.Op{
			Opcode:     v.Opcode,
			ScalarType: v.ScalarType,
			Deps:       deps,
			Scatter:    v.Scatter,
		})
		idToLocal[id] = idx
		localToID[idx] = id

		if v.Scatter {
			flush()
		}
	}
	flush()
	return kernels
}

func copyIntIDMap(m map[int]ir.ID) map[int]ir.ID {
	out := make(map[int]ir.ID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
