// Package codegen defines the pluggable interface the scheduler calls
// into to turn a scheduled kernel into textual source (SPEC_FULL.md
// §4.8). The engine only requires that identical scheduled kernels
// produce byte-identical source, so it can fingerprint kernels
// deterministically (property P3); it is otherwise opaque to the
// generator's internals.
package codegen

// Op is one scheduled operation, already ordered and using the
// codegen-local temporary numbering (0..N-1) instead of Variable ids,
// so two structurally identical kernels always render identically
// regardless of the ids their Variables happened to receive.
type Op struct {
	Opcode     int32
	ScalarType int8
	Deps       []int // indices into the kernel's op list; inputs from outside the kernel are zero-Deps leaf ops.
	Scatter    bool
}

// Kernel is a scheduled, ready-to-render unit of work: an ordered list
// of ops plus which of them are externally observable outputs.
type Kernel struct {
	Ops     []Op
	Outputs []int // indices into Ops that must be materialized.
}

// Generator renders a Kernel to source text for one backend.
type Generator interface {
	// Name identifies the generator. It is not part of the kernel
	// cache's device key.
	Name() string

	Generate(k *Kernel) (string, error)
}

var registry = map[string]Generator{}

// Register makes a Generator available under name. Called from
// codegen/ptx and codegen/llvmir's package init, mirroring
// backends.Register's dynamic-dispatch registry.
func Register(name string, g Generator) {
	registry[name] = g
}

// Get looks up a previously registered Generator.
func Get(name string) (Generator, bool) {
	g, ok := registry[name]
	return g, ok
}
