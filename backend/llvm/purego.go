package llvm

import (
	"github.com/ebitengine/purego"

	"github.com/arrayjit/enoki/dylib"
)

func registerFunc[F any](h *dylib.Handle, name string, out *F) {
	purego.RegisterLibFunc(out, h.RawHandle(), name)
}
