package enoki

import (
	"testing"

	"github.com/arrayjit/enoki/ir"
)

func TestNewOpAppliesCSE(t *testing.T) {
	g := newTestGlobal()
	a := g.NewLiteral(Float32, []byte{0, 0, 0, 0})
	b := g.NewLiteral(Float32, []byte{0, 0, 0, 0})

	id1, err := g.NewOp(OpAdd, Float32, []ir.ID{a, b})
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	id2, err := g.NewOp(OpAdd, Float32, []ir.ID{a, b})
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected CSE to return the same id for identical ops, got %d and %d", id1, id2)
	}
}

func TestNewOpScatterBypassesCSE(t *testing.T) {
	g := newTestGlobal()
	buf := g.NewParameter(Float32, 10)
	idx := g.NewParameter(Int32, 2)
	vals := g.NewParameter(Float32, 2)

	s1, err := g.NewOp(OpScatter, Float32, []ir.ID{buf, idx, vals})
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	s2, err := g.NewOp(OpScatter, Float32, []ir.ID{buf, idx, vals})
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	if s1 == s2 {
		t.Fatalf("expected two distinct scatter ops, CSE must not merge side-effectful ops")
	}
}

func TestDecRefExtCollectsUnreferencedGraph(t *testing.T) {
	g := newTestGlobal()
	a := g.NewLiteral(Float32, []byte{0, 0, 0, 0})
	b := g.NewLiteral(Float32, []byte{0, 0, 0, 0})
	sum, err := g.NewOp(OpAdd, Float32, []ir.ID{a, b})
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}

	// sum holds internal refs to a and b via NewOp; dropping their own
	// external refs must leave them live until sum itself is released.
	g.DecRefExt(a)
	g.DecRefExt(b)
	if len(g.store.LiveIDs()) != 3 {
		t.Fatalf("expected a, b, and sum still live, got %v", g.store.LiveIDs())
	}

	collected := g.DecRefExt(sum)
	if len(collected) != 3 {
		t.Fatalf("expected dropping sum's last ref to collect all 3 nodes, got %v", collected)
	}
	if len(g.store.LiveIDs()) != 0 {
		t.Fatalf("expected an empty graph after collection, got %v", g.store.LiveIDs())
	}
}

func TestTooManyDepsTranslatesToKindTooManyDeps(t *testing.T) {
	g := newTestGlobal()
	deps := make([]ir.ID, 5)
	for i := range deps {
		deps[i] = g.NewParameter(Float32, 1)
	}
	_, err := g.NewOp(OpPack, Float32, deps)
	if err == nil {
		t.Fatalf("expected an error for a 5-dep op")
	}
	if kind, ok := AsKind(err); !ok || kind != KindTooManyDeps {
		t.Fatalf("expected KindTooManyDeps, got %v (ok=%v)", err, ok)
	}
}

func TestFloat16LiteralRoundTripsBits(t *testing.T) {
	g := newTestGlobal()
	id := g.Float16Literal(1.5)
	v := g.store.Get(id)
	if v == nil {
		t.Fatalf("expected the float16 literal to be live")
	}
	if len(v.Literal) != 2 {
		t.Fatalf("expected a 2-byte float16 encoding, got %d bytes", len(v.Literal))
	}
}

func TestMarkDirtyOnlyAffectsScatterOps(t *testing.T) {
	g := newTestGlobal()
	a := g.NewLiteral(Float32, []byte{0, 0, 0, 0})
	b := g.NewLiteral(Float32, []byte{0, 0, 0, 0})
	sum, err := g.NewOp(OpAdd, Float32, []ir.ID{a, b})
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	g.MarkDirty(sum) // no-op: sum is not a scatter.
	if g.store.Get(sum).Dirty {
		t.Fatalf("expected MarkDirty to be a no-op on a non-scatter Variable")
	}
}
