package ir

// Key is the common-subexpression key: the tuple (opcode, scalar type,
// size, deps[0..4]) that two structurally identical pure ops share
// (invariant I5).
//
// The design note packs this as "8x32 bits" for a from-scratch bit-exact
// hash; here it is expressed as an ordinary comparable Go struct instead,
// which the runtime already hashes bit-exactly for map lookups. Hand
// rolling a manual bit-packed hash would only reproduce what the
// language does for us, so this one deliberately does not reach for a
// third-party hashing library.
type Key struct {
	Opcode     int32
	ScalarType int8
	Size       int64
	Deps       [MaxDeps]ID
	NumDeps    int
}

func keyOf(v *Variable) Key {
	return Key{
		Opcode:     v.Opcode,
		ScalarType: v.ScalarType,
		Size:       v.Size,
		Deps:       v.Deps,
		NumDeps:    v.NumDeps,
	}
}

// cseCache maps a Key to the canonical Variable id realizing it.
type cseCache map[Key]ID
