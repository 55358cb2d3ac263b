// Package llvmir renders a scheduled kernel as textual LLVM IR for the
// CPU backend.
//
// Grounded on original_source/src/var.cpp's type_name_llvm table, the
// original engine's per-scalar-type LLVM type-name lookup (e.g.
// "float", "i64"), reproduced here as llvmType.
package llvmir

import (
	"fmt"
	"strings"

	"github.com/arrayjit/enoki/codegen"
)

func init() {
	codegen.Register("llvmir", Generator{})
}

// Generator implements codegen.Generator for the CPU backend.
type Generator struct{}

func (Generator) Name() string { return "llvmir" }

var llvmType = map[int8]string{
	1: "i1",
	2: "i8", 3: "i16", 4: "i32", 5: "i64",
	6: "i8", 7: "i16", 8: "i32", 9: "i64",
	10: "half", 11: "float", 12: "double",
	13: "ptr",
}

// llvmBinOp covers every opcode rendered as a plain two-operand
// "%t = mnem ty a, b" instruction.
var llvmBinOp = map[int32]string{
	1: "add", 2: "sub", 3: "mul", 4: "sdiv", 7: "call @llvm.smin", 8: "call @llvm.smax",
}

// llvmUnaryOp covers every opcode rendered as a one-operand
// "%t = mnem ty a" instruction.
var llvmUnaryOp = map[int32]string{
	5: "fneg", 6: "call @llvm.fabs",
}

func (Generator) Generate(k *codegen.Kernel) (string, error) {
	var b strings.Builder
	b.WriteString("define void @kernel_main(i64 %start, i64 %end, ptr %out) {\nentry:\n")

	for i, op := range k.Ops {
		ty, ok := llvmType[op.ScalarType]
		if !ok {
			return "", fmt.Errorf("llvmir: unsupported scalar type %d", op.ScalarType)
		}
		reg := fmt.Sprintf("%%t%d", i)

		switch {
		case op.Scatter:
			b.WriteString(fmt.Sprintf("  store %s %%t%d, ptr %%t%d\n", ty, op.Deps[len(op.Deps)-1], op.Deps[0]))
		case len(op.Deps) == 0:
			b.WriteString(fmt.Sprintf("  %s = load %s, ptr %%param_%d\n", reg, ty, i))
		case op.Opcode == 11: // OpGather: buffer, index -> indexed load.
			b.WriteString(fmt.Sprintf("  %s = load %s, ptr %%t%d ; gather idx %%t%d\n", reg, ty, op.Deps[0], op.Deps[1]))
		case op.Opcode == 9: // OpSelect: cond, a, b.
			b.WriteString(fmt.Sprintf("  %s = select i1 %%t%d, %s %%t%d, %s %%t%d\n", reg, op.Deps[0], ty, op.Deps[1], ty, op.Deps[2]))
		case op.Opcode == 10: // OpCast: source op carries its own scalar type.
			srcTy, ok := llvmType[k.Ops[op.Deps[0]].ScalarType]
			if !ok {
				return "", fmt.Errorf("llvmir: unsupported scalar type %d", k.Ops[op.Deps[0]].ScalarType)
			}
			b.WriteString(fmt.Sprintf("  %s = bitcast %s %%t%d to %s\n", reg, srcTy, op.Deps[0], ty))
		case len(op.Deps) == 1:
			mnem, ok := llvmUnaryOp[op.Opcode]
			if !ok {
				return "", fmt.Errorf("llvmir: unsupported opcode %d", op.Opcode)
			}
			b.WriteString(fmt.Sprintf("  %s = %s %s %%t%d\n", reg, mnem, ty, op.Deps[0]))
		default:
			mnem, ok := llvmBinOp[op.Opcode]
			if !ok {
				return "", fmt.Errorf("llvmir: unsupported opcode %d", op.Opcode)
			}
			args := make([]string, len(op.Deps))
			for j, d := range op.Deps {
				args[j] = fmt.Sprintf("%s %%t%d", ty, d)
			}
			b.WriteString(fmt.Sprintf("  %s = %s %s\n", reg, mnem, strings.Join(args, ", ")))
		}
	}

	b.WriteString("  ret void\n}\n")
	return b.String(), nil
}
