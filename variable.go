package enoki

import (
	"github.com/x448/float16"

	"github.com/arrayjit/enoki/ir"
)

// NewLiteral creates a compile-time-constant Variable, returning its
// id (SPEC_FULL.md §4.5's new_literal). The caller owns one external
// reference on return and must eventually call DecRefExt.
func (g *Global) NewLiteral(scalarType ScalarType, literal []byte) ir.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.NewLiteral(int8(scalarType), literal).ID
}

// Float16Literal encodes v as an IEEE 754 half-precision literal,
// following types/shapes.Shape's use of the same library to pack
// float16 constants for backends that don't accept a native float32
// literal. The caller owns one external reference on return.
func (g *Global) Float16Literal(v float32) ir.ID {
	bits := float16.Fromfloat32(v).Bits()
	return g.NewLiteral(Float16, []byte{byte(bits), byte(bits >> 8)})
}

// NewParameter creates a Variable representing a value supplied at
// launch time, returning its id. The caller owns one external
// reference on return.
func (g *Global) NewParameter(scalarType ScalarType, size int64) ir.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.NewParameter(int8(scalarType), size).ID
}

// NewOp creates (or CSE-reuses) a Variable computing opcode over deps,
// returning its id (SPEC_FULL.md §4.5's new_op). Scatter classification
// is derived from the opcode itself, per Opcode.isScatter, so callers
// never need to pass it explicitly. The caller owns one external
// reference on return.
func (g *Global) NewOp(opcode Opcode, scalarType ScalarType, deps []ir.ID) (ir.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, err := g.store.NewOp(int32(opcode), int8(scalarType), deps, opcode.isScatter())
	if err != nil {
		return 0, translateStoreErr(err)
	}
	return v.ID, nil
}

// IncRefExt increments id's external reference count.
func (g *Global) IncRefExt(id ir.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.IncRefExt(id)
}

// DecRefExt decrements id's external reference count, collecting it
// (and, transitively, any dep left unreferenced) if the sum reaches
// zero. Returns the ids collected, if any.
func (g *Global) DecRefExt(id ir.ID) []ir.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.DecRefExt(id)
}

// IncRefInt and DecRefInt expose the internal reference-count pair
// named in SPEC_FULL.md §4.5, for the out-of-scope wrapper layer's own
// bookkeeping (e.g. a capture set holding an id outside any Variable's
// Deps). NewOp already maintains this count for its own deps.
func (g *Global) IncRefInt(id ir.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.IncRefInt(id)
}

func (g *Global) DecRefInt(id ir.ID) []ir.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.DecRefInt(id)
}

// MarkDirty forces a previously-materialized scatter Variable to be
// re-run on the next Evaluate (SPEC_FULL.md §4.5's mark_dirty).
func (g *Global) MarkDirty(id ir.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.MarkDirty(id)
}

// SetDebugLabel attaches a human-readable label to id, surfaced by
// logging and diagnostics but otherwise inert.
func (g *Global) SetDebugLabel(id ir.ID, label string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.SetDebugLabel(id, label)
}

// SetCallback registers fn to run (outside the global lock) the
// moment id is materialized by the scheduler into a buffer.
func (g *Global) SetCallback(id ir.ID, fn func(ir.ID)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.SetCallback(id, fn)
}

// AddCapture records that id's owner wants captured kept alive for as
// long as id is (SPEC_FULL.md §3's capture-set attribute), e.g. a
// closure over an index Variable that never appears in any op's Deps.
func (g *Global) AddCapture(id, captured ir.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.AddCapture(id, captured)
}

func translateStoreErr(err error) error {
	switch err.(type) {
	case *ir.ErrTooManyDeps:
		return newError(KindTooManyDeps, "%v", err)
	case *ir.ErrSizeMismatch:
		return newError(KindSizeMismatch, "%v", err)
	default:
		return err
	}
}
