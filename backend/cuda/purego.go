package cuda

import (
	"github.com/ebitengine/purego"

	"github.com/arrayjit/enoki/dylib"
)

// registerFunc binds the symbol named name in h to *out using
// purego.RegisterLibFunc, which fills in a Go function value that calls
// through to the C ABI symbol according to *out's function type.
func registerFunc[F any](h *dylib.Handle, name string, out *F) {
	purego.RegisterLibFunc(out, libraryHandle(h), name)
}

// libraryHandle returns the raw OS handle purego.RegisterLibFunc wants,
// as exposed by dylib.Handle.RawHandle.
func libraryHandle(h *dylib.Handle) uintptr {
	return h.RawHandle()
}
