package ir

import "testing"

const (
	opAdd     = int32(1)
	opScatter = int32(2)
)

func mustLit(t *testing.T, s *Store, v float32) ID {
	t.Helper()
	lit := s.NewLiteral(int8(1), []byte{0, 0, 0, 0})
	_ = v
	return lit.ID
}

func TestNewOpCSE(t *testing.T) {
	s := NewStore()
	a := mustLit(t, s, 3)
	b := mustLit(t, s, 4)

	v1, err := s.NewOp(opAdd, 1, []ID{a, b}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	v2, err := s.NewOp(opAdd, 1, []ID{a, b}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}
	if v1.ID != v2.ID {
		t.Fatalf("CSE failed: got distinct ids %d and %d", v1.ID, v2.ID)
	}
	if s.CseCacheLen() != 1 {
		t.Fatalf("expected exactly one CSE entry, got %d", s.CseCacheLen())
	}
	if v1.RefCountExternal != 2 {
		t.Fatalf("expected external ref count 2 after second NewOp, got %d", v1.RefCountExternal)
	}
}

func TestBroadcastAndSizeMismatch(t *testing.T) {
	s := NewStore()
	big := s.NewParameter(11, 1000)
	scalar := s.NewParameter(11, 1)
	other := s.NewParameter(11, 500)

	v, err := s.NewOp(opAdd, 11, []ID{big.ID, scalar.ID}, false)
	if err != nil {
		t.Fatalf("broadcast NewOp: %v", err)
	}
	if v.Size != 1000 {
		t.Fatalf("expected broadcast size 1000, got %d", v.Size)
	}

	_, err = s.NewOp(opAdd, 11, []ID{big.ID, other.ID}, false)
	if err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if _, ok := err.(*ErrSizeMismatch); !ok {
		t.Fatalf("expected ErrSizeMismatch, got %T", err)
	}
}

func TestScatterBypassesCSE(t *testing.T) {
	s := NewStore()
	buf := s.NewParameter(11, 10)
	idx := s.NewParameter(4, 2)
	vals := s.NewParameter(11, 2)

	v1, err := s.NewOp(opScatter, 11, []ID{buf.ID, idx.ID, vals.ID}, true)
	if err != nil {
		t.Fatalf("NewOp scatter: %v", err)
	}
	v2, err := s.NewOp(opScatter, 11, []ID{buf.ID, idx.ID, vals.ID}, true)
	if err != nil {
		t.Fatalf("NewOp scatter: %v", err)
	}
	if v1.ID == v2.ID {
		t.Fatalf("scatter ops must not be CSE'd, got the same id %d twice", v1.ID)
	}
	if s.CseCacheLen() != 0 {
		t.Fatalf("scatter ops must not populate the CSE cache, got %d entries", s.CseCacheLen())
	}
	if !v1.Dirty || !v2.Dirty {
		t.Fatalf("scatter ops must be created dirty")
	}
}

func TestTooManyDeps(t *testing.T) {
	s := NewStore()
	ids := make([]ID, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, s.NewParameter(11, 1).ID)
	}
	_, err := s.NewOp(opAdd, 11, ids, false)
	if err == nil {
		t.Fatalf("expected ErrTooManyDeps")
	}
	if _, ok := err.(*ErrTooManyDeps); !ok {
		t.Fatalf("expected ErrTooManyDeps, got %T", err)
	}
}

func TestRefCountingAndCollection(t *testing.T) {
	s := NewStore()
	a := mustLit(t, s, 1)
	b := mustLit(t, s, 2)
	sum, err := s.NewOp(opAdd, 1, []ID{a, b}, false)
	if err != nil {
		t.Fatalf("NewOp: %v", err)
	}

	if got := s.Get(a).RefCountInternal; got != 1 {
		t.Fatalf("expected a's internal ref count 1, got %d", got)
	}

	// Drop every external handle: a and b's internal refs (held via
	// sum's deps) keep them alive until sum itself collects, at which
	// point collection cascades transitively (invariant P1/P4).
	if got := s.DecRefExt(a); got != nil {
		t.Fatalf("a should still be kept alive by sum's dep, got collected=%v", got)
	}
	if got := s.DecRefExt(b); got != nil {
		t.Fatalf("b should still be kept alive by sum's dep, got collected=%v", got)
	}
	collected := s.DecRefExt(sum.ID)
	want := map[ID]bool{sum.ID: true, a: true, b: true}
	if len(collected) != len(want) {
		t.Fatalf("expected 3 collected ids, got %v", collected)
	}
	for _, id := range collected {
		if !want[id] {
			t.Fatalf("unexpected id collected: %d", id)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store after full collection, got %d live", s.Len())
	}
	if s.CseCacheLen() != 0 {
		t.Fatalf("expected empty CSE cache after full collection, got %d", s.CseCacheLen())
	}
}

func TestExtraCaptureKeepsVariableAlive(t *testing.T) {
	s := NewStore()
	idx := s.NewParameter(4, 1)
	owner := s.NewParameter(11, 1)

	s.AddCapture(owner.ID, idx.ID)
	if got := s.Get(idx.ID).RefCountInternal; got != 1 {
		t.Fatalf("expected idx's internal ref count 1 after AddCapture, got %d", got)
	}

	// idx has no external handle anymore; only owner's capture keeps it
	// alive.
	if got := s.DecRefExt(idx.ID); got != nil {
		t.Fatalf("idx should still be kept alive by owner's capture, got collected=%v", got)
	}

	collected := s.DecRefExt(owner.ID)
	want := map[ID]bool{owner.ID: true, idx.ID: true}
	if len(collected) != len(want) {
		t.Fatalf("expected owner+idx collected, got %v", collected)
	}
	if s.GetExtra(owner.ID) != nil {
		t.Fatalf("expected owner's Extra entry purged on collection")
	}
}

func TestExtraDebugLabelAndCallback(t *testing.T) {
	s := NewStore()
	a := mustLit(t, s, 1)

	s.SetDebugLabel(a, "accumulator")
	if got := s.GetExtra(a).DebugLabel; got != "accumulator" {
		t.Fatalf("expected debug label %q, got %q", "accumulator", got)
	}

	var fired ID
	s.SetCallback(a, func(id ID) { fired = id })
	if cb := s.Callback(a); cb == nil {
		t.Fatalf("expected a registered callback")
	} else {
		cb(a)
	}
	if fired != a {
		t.Fatalf("expected callback invoked with id %d, got %d", a, fired)
	}
}

func TestCollectionIsIterativeNotRecursive(t *testing.T) {
	// A long chain of unary ops must collect without stack overflow;
	// this exercises the explicit-worklist collector (property P7).
	s := NewStore()
	prev := s.NewParameter(11, 1).ID
	const chain = 200000
	for i := 0; i < chain; i++ {
		v, err := s.NewOp(opAdd, 11, []ID{prev, prev}, false)
		if err != nil {
			t.Fatalf("NewOp: %v", err)
		}
		// Drop the previous external ref: only the internal ref from the
		// new node keeps prev alive.
		s.DecRefExt(prev)
		prev = v.ID
	}
	collected := s.DecRefExt(prev)
	if len(collected) != chain+1 {
		t.Fatalf("expected %d collected ids, got %d", chain+1, len(collected))
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d live", s.Len())
	}
}
