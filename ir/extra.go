package ir

// Extra holds the large-or-rare Variable attributes SPEC_FULL.md §3
// keeps out of the hot Variable struct: a debug label, a user callback
// fired when the Variable is materialized, and a capture set (ids the
// Variable's out-of-scope owner wants kept alive alongside it, e.g. a
// closure's free variables) held via the same internal-reference
// counting as an ordinary dep.
//
// Only a minority of Variables ever need any of this, and production
// graphs run into the millions of nodes (§4.5's collection note), so
// these fields live in a side map keyed by id instead of inline on
// every Variable — the same "side table for rare attributes" shape the
// spec's data model names directly, rather than a per-Variable pointer
// that would cost an allocation on every single op.
type Extra struct {
	DebugLabel string
	Callback   func(ID)
	Captures   []ID
}

// extraFor returns s's Extra record for id, lazily allocating the side
// table itself (not the record) on first use.
func (s *Store) extraFor(id ID) *Extra {
	if s.extra == nil {
		s.extra = make(map[ID]*Extra)
	}
	e := s.extra[id]
	if e == nil {
		e = &Extra{}
		s.extra[id] = e
	}
	return e
}

// GetExtra returns id's side-table entry, or nil if none was ever set.
func (s *Store) GetExtra(id ID) *Extra {
	return s.extra[id]
}

// SetDebugLabel attaches a human-readable label to id, read only by
// logging and diagnostics.
func (s *Store) SetDebugLabel(id ID, label string) {
	if s.Get(id) == nil {
		return
	}
	s.extraFor(id).DebugLabel = label
}

// SetCallback registers fn to be invoked (by the scheduler, outside
// the global lock) the moment id is materialized into a buffer.
func (s *Store) SetCallback(id ID, fn func(ID)) {
	if s.Get(id) == nil {
		return
	}
	s.extraFor(id).Callback = fn
}

// AddCapture records that id's owner also wants captured kept alive
// for as long as id is, incrementing captured's internal reference
// count exactly as if captured were one of id's ordinary deps. This is
// the capture-set mechanism named in SPEC_FULL.md §3 for closures that
// hold ids the core's own Deps array never sees (a gather's index
// Variable held onto for later reuse, say).
func (s *Store) AddCapture(id, captured ID) {
	if s.Get(id) == nil || s.Get(captured) == nil {
		return
	}
	s.extraFor(id).Captures = append(s.extraFor(id).Captures, captured)
	s.IncRefInt(captured)
}

// Callback returns id's registered materialization callback, if any,
// without allocating a side-table entry. Exported for the scheduler,
// which fires it outside the global lock once id's buffer is ready.
func (s *Store) Callback(id ID) func(ID) {
	if e := s.extra[id]; e != nil {
		return e.Callback
	}
	return nil
}
