package enoki

// ScalarType is the closed set of element types a Variable may carry.
//
// Trimmed from pkg/core/dtypes/dtype_enum.go's PJRT-derived enum down
// to the set this engine actually needs: the ND-tensor/complex/narrow
// float types that enum also carries belong to the array-wrapper layer
// this engine sits underneath, out of scope per SPEC_FULL.md §1.
type ScalarType int8

const (
	InvalidType ScalarType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float16
	Float32
	Float64
	Pointer
)

func (t ScalarType) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int8:
		return "i8"
	case Int16:
		return "i16"
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case UInt8:
		return "u8"
	case UInt16:
		return "u16"
	case UInt32:
		return "u32"
	case UInt64:
		return "u64"
	case Float16:
		return "f16"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Pointer:
		return "ptr"
	default:
		return "invalid"
	}
}

// byteSize returns the element size in bytes, or 0 for Pointer (whose
// size is target-dependent and resolved by the backend).
func (t ScalarType) byteSize() int {
	switch t {
	case Bool, Int8, UInt8:
		return 1
	case Int16, UInt16, Float16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	default:
		return 0
	}
}

// IsValid reports whether t is one of the defined scalar types.
func (t ScalarType) IsValid() bool {
	return t >= Bool && t <= Pointer
}
