package ir

import "fmt"

// Store owns the VariableMap and CseCache named in SPEC_FULL.md §3.
//
// types/keepalive.Acquire/Release threads a free-slot list through its
// backing slice so that ids can be recycled; Store cannot do the same,
// because invariant I1 (every dep points to a Variable with a strictly
// smaller id) requires ids to be assigned in construction order forever
// — recycling a freed id could let a later Variable reference a dep
// numerically larger than itself. Store instead keeps keepalive's
// slice-of-slots shape (a freed entry becomes nil, avoiding a live
// map's rehashing) but always grows nextID monotonically.
type Store struct {
	slots  []*Variable // nil for collected ids.
	nextID ID          // strictly increasing; never reused, guarantees I1 ordering.

	cse   cseCache
	extra map[ID]*Extra // lazily allocated; see extra.go.
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		nextID: 1, // 0 is reserved as "no dependency".
		cse:    make(cseCache),
	}
}

// Get returns the Variable for id, or nil if it doesn't exist (already
// collected, or never allocated).
func (s *Store) Get(id ID) *Variable {
	idx := int(id)
	if idx <= 0 || idx >= len(s.slots) {
		return nil
	}
	return s.slots[idx]
}

// Len returns the number of live Variables currently tracked.
func (s *Store) Len() int {
	n := 0
	for _, v := range s.slots {
		if v != nil {
			n++
		}
	}
	return n
}

// CseCacheLen returns the number of entries in the CSE cache, used by
// enoki.Shutdown to detect the "empty VariableMap but non-empty CSE
// cache" fatal condition (SPEC_FULL.md §4.11).
func (s *Store) CseCacheLen() int {
	return len(s.cse)
}

func (s *Store) allocID() ID {
	id := s.nextID
	s.nextID++
	for ID(len(s.slots)) <= id {
		s.slots = append(s.slots, nil)
	}
	return id
}

// NewLiteral creates a constant Variable. Literals are never CSE'd
// against each other here (a caller wanting literal dedup should
// route through NewOp with a constant-folding opcode); this mirrors
// the source's treatment of literals as a distinct kind from ops.
func (s *Store) NewLiteral(scalarType int8, literal []byte) *Variable {
	id := s.allocID()
	v := &Variable{ID: id, Kind: KindLiteral, ScalarType: scalarType, Size: 1, Literal: literal, RefCountExternal: 1}
	s.slots[id] = v
	return v
}

// NewParameter creates a Variable representing a value supplied at
// launch time rather than computed.
func (s *Store) NewParameter(scalarType int8, size int64) *Variable {
	id := s.allocID()
	v := &Variable{ID: id, Kind: KindParameter, ScalarType: scalarType, Size: size, RefCountExternal: 1}
	s.slots[id] = v
	return v
}

// ErrTooManyDeps is returned when NewOp is asked for more than MaxDeps
// dependencies. See Open Question (b) in DESIGN.md: callers must
// materialize an intermediate pack Variable instead.
type ErrTooManyDeps struct {
	Requested int
}

func (e *ErrTooManyDeps) Error() string {
	return fmt.Sprintf("ir: %d deps requested, exceeds MaxDeps=%d", e.Requested, MaxDeps)
}

// ErrSizeMismatch is returned by NewOp when deps broadcast-conflict:
// two non-size-1 deps disagree on size (for a scatter, the target
// buffer deps[0] is not compared).
type ErrSizeMismatch struct {
	A, B int64
}

func (e *ErrSizeMismatch) Error() string {
	return fmt.Sprintf("ir: size mismatch, %d vs %d", e.A, e.B)
}

// NewOp creates (or, for pure ops, reuses via CSE) a Variable computing
// opcode over deps. isScatter must be true for side-effectful writes;
// such ops always bypass CSE (invariant I6) and are stamped Dirty so
// the scheduler treats them as roots until evaluated.
//
// The output size is the broadcast maximum of the dep sizes: deps of
// size 1 broadcast silently, any other mismatch fails with
// ErrSizeMismatch (SPEC_FULL.md §4.5). For a scatter, deps[0] is the
// target buffer: it is left out of the broadcast check, and the
// output takes its size.
func (s *Store) NewOp(opcode int32, scalarType int8, deps []ID, isScatter bool) (*Variable, error) {
	if len(deps) > MaxDeps {
		return nil, &ErrTooManyDeps{Requested: len(deps)}
	}

	size := int64(1)
	checked := deps
	if isScatter && len(deps) > 0 {
		// A scatter writes into deps[0]; only the remaining operands
		// (indices, values) must broadcast-agree with each other.
		checked = deps[1:]
	}
	for _, d := range checked {
		dep := s.Get(d)
		if dep == nil {
			continue
		}
		if dep.Size != 1 {
			if size != 1 && size != dep.Size {
				return nil, &ErrSizeMismatch{A: size, B: dep.Size}
			}
			size = dep.Size
		}
	}
	if isScatter && len(deps) > 0 {
		if target := s.Get(deps[0]); target != nil {
			size = target.Size
		}
	}

	if !isScatter {
		key := Key{Opcode: opcode, ScalarType: scalarType, Size: size}
		copy(key.Deps[:], deps)
		key.NumDeps = len(deps)
		if existing, ok := s.cse[key]; ok {
			v := s.Get(existing)
			if v != nil {
				v.RefCountExternal++
				return v, nil
			}
			delete(s.cse, key)
		}
	}

	id := s.allocID()
	v := &Variable{
		ID: id, Kind: KindOp, Opcode: opcode, ScalarType: scalarType,
		Size: size, NumDeps: len(deps), Scatter: isScatter, Dirty: isScatter,
		RefCountExternal: 1,
	}
	copy(v.Deps[:], deps)
	s.slots[id] = v

	for _, d := range deps {
		if dep := s.Get(d); dep != nil {
			dep.RefCountInternal++
		}
	}

	if !isScatter {
		key := keyOf(v)
		s.cse[key] = id
	}
	return v, nil
}

// IncRefExt increments a Variable's external reference count. No-op if
// id no longer exists.
func (s *Store) IncRefExt(id ID) {
	if v := s.Get(id); v != nil {
		v.RefCountExternal++
	}
}

// DecRefExt decrements a Variable's external reference count and, if
// the sum of both counts reaches zero, collects it (and transitively,
// any dep that becomes unreferenced). Returns the ids collected.
func (s *Store) DecRefExt(id ID) []ID {
	v := s.Get(id)
	if v == nil || v.RefCountExternal == 0 {
		return nil
	}
	v.RefCountExternal--
	if v.IsLive() {
		return nil
	}
	return s.collect(id)
}

// collect removes id and, transitively, any dep that becomes
// unreferenced as a result — implemented as an explicit worklist
// (never recursion) so that pathologically deep graphs (the design
// note calls out graphs exceeding 10^6 nodes) cannot exhaust the
// stack, satisfying property P7.
func (s *Store) collect(root ID) []ID {
	var collected []ID
	worklist := []ID{root}
	for len(worklist) > 0 {
		id := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		v := s.Get(id)
		if v == nil || v.IsLive() {
			continue
		}

		if !v.Scatter {
			delete(s.cse, keyOf(v))
		}

		for i := 0; i < v.NumDeps; i++ {
			dep := s.Get(v.Deps[i])
			if dep == nil {
				continue
			}
			dep.RefCountInternal--
			if !dep.IsLive() {
				worklist = append(worklist, dep.ID)
			}
		}

		if e := s.extra[id]; e != nil {
			delete(s.extra, id)
			for _, captured := range e.Captures {
				cap := s.Get(captured)
				if cap == nil {
					continue
				}
				cap.RefCountInternal--
				if !cap.IsLive() {
					worklist = append(worklist, cap.ID)
				}
			}
		}

		s.slots[id] = nil
		collected = append(collected, id)
	}
	return collected
}

// IncRefInt increments a Variable's internal reference count, for
// callers building deps outside of NewOp's own accounting (SPEC_FULL.md
// §4.5's inc_ref_int). NewOp already does this for its own deps; this
// is for the out-of-scope wrapper layer's own bookkeeping when it holds
// an id somewhere NewOp doesn't see, e.g. a capture set in Extra.
func (s *Store) IncRefInt(id ID) {
	if v := s.Get(id); v != nil {
		v.RefCountInternal++
	}
}

// DecRefInt is IncRefInt's inverse, collecting id if the decrement
// drives it to zero references.
func (s *Store) DecRefInt(id ID) []ID {
	v := s.Get(id)
	if v == nil || v.RefCountInternal == 0 {
		return nil
	}
	v.RefCountInternal--
	if v.IsLive() {
		return nil
	}
	return s.collect(id)
}

// MarkDirty flags a scatter Variable as not-yet-materialized again,
// forcing the scheduler to re-run it on the next Evaluate even though
// it was previously cleaned by ToBuffer/MarkClean. Only meaningful for
// Scatter Variables; a no-op otherwise.
func (s *Store) MarkDirty(id ID) {
	if v := s.Get(id); v != nil && v.Scatter {
		v.Dirty = true
	}
}

// MarkClean clears an evaluated scatter's Dirty flag once the
// scheduler has materialized it, per SPEC_FULL.md §4.5's mark_dirty
// counterpart.
func (s *Store) MarkClean(id ID) {
	if v := s.Get(id); v != nil {
		v.Dirty = false
	}
}

// ToBuffer converts an evaluated op Variable into an evaluated-buffer
// Variable, satisfying invariant I4 (no incoming deps once evaluated):
// dep reference counts are released, Deps is cleared, and data is
// attached.
func (s *Store) ToBuffer(id ID, data any) []ID {
	v := s.Get(id)
	if v == nil {
		return nil
	}
	var collected []ID
	for i := 0; i < v.NumDeps; i++ {
		dep := s.Get(v.Deps[i])
		if dep == nil {
			continue
		}
		dep.RefCountInternal--
		if !dep.IsLive() {
			collected = append(collected, s.collect(dep.ID)...)
		}
	}
	v.NumDeps = 0
	v.Deps = [MaxDeps]ID{}
	v.Kind = KindBuffer
	v.Data = data
	v.Dirty = false
	return collected
}

// LiveIDs returns every currently live Variable id, for leak reporting.
func (s *Store) LiveIDs() []ID {
	var ids []ID
	for id, v := range s.slots {
		if v != nil {
			ids = append(ids, ID(id))
		}
	}
	return ids
}
