// Package ptx renders a scheduled kernel as PTX-flavored textual
// source for the GPU backend.
//
// Grounded on original_source/src/var.cpp's type_name_ptx table (the
// original engine's per-scalar-type PTX suffix lookup, e.g. ".f32",
// ".s64"), reproduced here as ptxSuffix instead of transliterating the
// original's C++ switch statement.
package ptx

import (
	"fmt"
	"strings"

	"github.com/arrayjit/enoki/codegen"
)

func init() {
	codegen.Register("ptx", Generator{})
}

// Generator implements codegen.Generator for the GPU backend.
type Generator struct{}

func (Generator) Name() string { return "ptx" }

var ptxSuffix = map[int8]string{
	1: "pred", // Bool
	2: "s8", 3: "s16", 4: "s32", 5: "s64",
	6: "u8", 7: "u16", 8: "u32", 9: "u64",
	10: "f16", 11: "f32", 12: "f64",
	13: "u64", // Pointer
}

// ptxBinOp covers every opcode rendered as a plain two-operand
// "mnem.suf d, a, b;" instruction.
var ptxBinOp = map[int32]string{
	1: "add", 2: "sub", 3: "mul", 4: "div", 7: "min", 8: "max",
}

// ptxUnaryOp covers every opcode rendered as a one-operand
// "mnem.suf d, a;" instruction.
var ptxUnaryOp = map[int32]string{
	5: "neg", 6: "abs",
}

func (Generator) Generate(k *codegen.Kernel) (string, error) {
	var b strings.Builder
	b.WriteString(".version 8.3\n.target sm_70\n.address_size 64\n\n")
	b.WriteString(".visible .entry kernel_main(\n")
	b.WriteString(".param .u64 out_ptr\n)\n{\n")

	for i, op := range k.Ops {
		suf, ok := ptxSuffix[op.ScalarType]
		if !ok {
			return "", fmt.Errorf("ptx: unsupported scalar type %d", op.ScalarType)
		}
		reg := fmt.Sprintf("%%t%d", i)
		b.WriteString(fmt.Sprintf("\t.reg .%s %s;\n", suf, reg))

		switch {
		case op.Scatter:
			b.WriteString(fmt.Sprintf("\tst.global.%s [%%t%d], %%t%d;\n", suf, op.Deps[0], op.Deps[len(op.Deps)-1]))
		case len(op.Deps) == 0:
			b.WriteString(fmt.Sprintf("\tld.param.%s %s, [param_%d];\n", suf, reg, i))
		case op.Opcode == 11: // OpGather: buffer, index -> indexed load.
			b.WriteString(fmt.Sprintf("\tld.global.%s %s, [%%t%d+%%t%d];\n", suf, reg, op.Deps[0], op.Deps[1]))
		case op.Opcode == 9: // OpSelect: cond, a, b -> selp d, a, b, cond.
			b.WriteString(fmt.Sprintf("\tselp.%s %s, %%t%d, %%t%d, %%t%d;\n", suf, reg, op.Deps[1], op.Deps[2], op.Deps[0]))
		case op.Opcode == 10: // OpCast: source op carries its own scalar type.
			srcSuf, ok := ptxSuffix[k.Ops[op.Deps[0]].ScalarType]
			if !ok {
				return "", fmt.Errorf("ptx: unsupported scalar type %d", k.Ops[op.Deps[0]].ScalarType)
			}
			b.WriteString(fmt.Sprintf("\tcvt.%s.%s %s, %%t%d;\n", suf, srcSuf, reg, op.Deps[0]))
		case len(op.Deps) == 1:
			mnem, ok := ptxUnaryOp[op.Opcode]
			if !ok {
				return "", fmt.Errorf("ptx: unsupported opcode %d", op.Opcode)
			}
			b.WriteString(fmt.Sprintf("\t%s.%s %s, %%t%d;\n", mnem, suf, reg, op.Deps[0]))
		default:
			mnem, ok := ptxBinOp[op.Opcode]
			if !ok {
				return "", fmt.Errorf("ptx: unsupported opcode %d", op.Opcode)
			}
			args := make([]string, len(op.Deps))
			for j, d := range op.Deps {
				args[j] = fmt.Sprintf("%%t%d", d)
			}
			b.WriteString(fmt.Sprintf("\t%s.%s %s, %s;\n", mnem, suf, reg, strings.Join(args, ", ")))
		}
	}

	b.WriteString("\tret;\n}\n")
	return b.String(), nil
}
