// Package ir implements the reference-counted intermediate-representation
// graph: Variable nodes, common-subexpression elimination, and the
// worklist-based collector.
//
// Every exported method on Store mutates shared state and assumes the
// caller already holds the owning Global's mutex — the package itself
// carries no locks of its own, mirroring how gomlx's graph.Graph methods
// are not concurrency-safe in isolation and rely on a single caller-held
// lock (see graph/graph.go's deferred-error pattern, which this package
// also borrows for construction-time failures).
package ir

import "fmt"

// ID uniquely identifies a Variable within a Store. IDs are assigned
// monotonically increasing, which is what makes the graph acyclic
// (invariant I1): every dep points to a strictly smaller id.
type ID uint64

// Kind discriminates the tagged variant a Variable represents.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindLiteral
	KindBuffer // evaluated result: owns a backend buffer, no deps (I4).
	KindParameter
	KindOp
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindBuffer:
		return "buffer"
	case KindParameter:
		return "parameter"
	case KindOp:
		return "op"
	default:
		return "invalid"
	}
}

// MaxDeps bounds the fan-in of a single Variable at 4. Wider fan-in
// must go through an intermediate pack operation instead of widening
// this array — see Open Question (b) in DESIGN.md.
const MaxDeps = 4

// Variable is one IR node.
type Variable struct {
	ID   ID
	Kind Kind

	Opcode     int32 // interpretation owned by the caller (enoki.Opcode).
	Deps       [MaxDeps]ID
	NumDeps    int
	ScalarType int8 // interpretation owned by the caller (enoki.ScalarType).
	Size       int64

	RefCountInternal int32
	RefCountExternal int32

	// Scatter marks a side-effectful write; such Variables bypass CSE
	// (invariant I6) and are never removed by dead-code elimination
	// while reachable from a later operation.
	Scatter bool
	Dirty   bool // scatter output not yet materialized by the scheduler.

	// Literal holds the encoded constant value when Kind==KindLiteral.
	Literal []byte

	// Data is the opaque backend buffer handle once evaluated
	// (Kind==KindBuffer). Owned by the backend, released on collection.
	Data any
}

// IsLive reports whether v has any live referrer (invariant I3).
func (v *Variable) IsLive() bool {
	return v.RefCountInternal+v.RefCountExternal > 0
}

func (v *Variable) String() string {
	return fmt.Sprintf("v%d(%s, op=%d, size=%d, refs=%d/%d)",
		v.ID, v.Kind, v.Opcode, v.Size, v.RefCountInternal, v.RefCountExternal)
}
