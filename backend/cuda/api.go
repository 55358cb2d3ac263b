package cuda

import "github.com/arrayjit/enoki/dylib"

// api is the resolved symbol table for the CUDA driver API. Fields are
// left nil when the symbol isn't present in the loaded library version,
// exactly the pattern backends/simplego/highway_iface.go uses for its
// single HighwayMatMul symbol, generalized here to a whole table with
// grouped capability predicates (SPEC_FULL.md §4.2).
type api struct {
	handle *dylib.Handle

	init                  func(flags uint32) int32
	deviceGetCount        func(count *int32) int32
	deviceGet             func(dev *int32, ordinal int32) int32
	deviceGetName         func(name *byte, length int32, dev int32) int32
	deviceComputeCap      func(major, minor *int32, dev int32) int32
	deviceTotalMem        func(bytes *uint64, dev int32) int32
	deviceGetAttribute    func(value *int32, attrib int32, dev int32) int32
	ctxCreate             func(ctx *uintptr, flags uint32, dev int32) int32
	ctxDestroy            func(ctx uintptr) int32
	ctxSetCurrent         func(ctx uintptr) int32
	streamCreate          func(stream *uintptr, flags uint32) int32
	streamDestroy         func(stream uintptr) int32
	streamSynchronize     func(stream uintptr) int32
	eventCreate           func(event *uintptr, flags uint32) int32
	eventDestroy          func(event uintptr) int32
	eventRecord           func(event, stream uintptr) int32
	moduleLoadData        func(module *uintptr, image *byte) int32
	moduleGetFunction     func(fn *uintptr, module uintptr, name *byte) int32
	launchKernel          func(fn uintptr, gx, gy, gz, bx, by, bz uint32, sharedMem uint32, stream uintptr, params **byte, extra **byte) int32
	deviceCanAccessPeer   func(can *int32, dev, peer int32) int32
	ctxEnablePeerAccess   func(peerCtx uintptr, flags uint32) int32
	nvrtcCreateProgram    func(prog *uintptr, src, name *byte, numHeaders int32, headers, includeNames **byte) int32
	nvrtcCompileProgram   func(prog uintptr, numOpts int32, opts **byte) int32
	nvrtcGetPTX           func(prog uintptr, ptx *byte) int32
	nvrtcGetPTXSize       func(prog uintptr, size *uint64) int32
}

// hasCore reports whether the minimum symbol set to enumerate and use
// a device resolved. Missing this disables the GPU backend entirely.
func (a *api) hasCore() bool {
	return a.init != nil && a.deviceGetCount != nil && a.deviceGet != nil &&
		a.ctxCreate != nil && a.streamCreate != nil && a.launchKernel != nil &&
		a.deviceGetAttribute != nil
}

// hasNVRTC reports whether the runtime-compilation symbols resolved.
// Without them the backend can still enumerate devices (useful for
// enokidoctor) but Compile always fails with compile_failed.
func (a *api) hasNVRTC() bool {
	return a.nvrtcCreateProgram != nil && a.nvrtcCompileProgram != nil &&
		a.nvrtcGetPTX != nil && a.nvrtcGetPTXSize != nil
}

// hasPeerAccess reports whether P2P querying/enabling resolved.
func (a *api) hasPeerAccess() bool {
	return a.deviceCanAccessPeer != nil && a.ctxEnablePeerAccess != nil
}

// CUDA driver API device attribute codes (cuda.h's
// CUdevice_attribute enum), the subset this package queries.
const (
	cuDeviceAttributeMaxSharedMemoryPerBlock = 8
	cuDeviceAttributeMultiprocessorCount  = 16
	cuDeviceAttributeUnifiedAddressing    = 41
	cuDeviceAttributeManagedMemory        = 83
)

func resolve(h *dylib.Handle) *api {
	a := &api{handle: h}
	bind(h, "cuInit", &a.init)
	bind(h, "cuDeviceGetCount", &a.deviceGetCount)
	bind(h, "cuDeviceGet", &a.deviceGet)
	bind(h, "cuDeviceGetName", &a.deviceGetName)
	bind(h, "cuDeviceComputeCapability", &a.deviceComputeCap)
	bind(h, "cuDeviceTotalMem_v2", &a.deviceTotalMem)
	bind(h, "cuDeviceGetAttribute", &a.deviceGetAttribute)
	bind(h, "cuCtxCreate_v2", &a.ctxCreate)
	bind(h, "cuCtxDestroy_v2", &a.ctxDestroy)
	bind(h, "cuCtxSetCurrent", &a.ctxSetCurrent)
	bind(h, "cuStreamCreate", &a.streamCreate)
	bind(h, "cuStreamDestroy_v2", &a.streamDestroy)
	bind(h, "cuStreamSynchronize", &a.streamSynchronize)
	bind(h, "cuEventCreate", &a.eventCreate)
	bind(h, "cuEventDestroy_v2", &a.eventDestroy)
	bind(h, "cuEventRecord", &a.eventRecord)
	bind(h, "cuModuleLoadData", &a.moduleLoadData)
	bind(h, "cuModuleGetFunction", &a.moduleGetFunction)
	bind(h, "cuLaunchKernel", &a.launchKernel)
	bind(h, "cuDeviceCanAccessPeer", &a.deviceCanAccessPeer)
	bind(h, "cuCtxEnablePeerAccess", &a.ctxEnablePeerAccess)
	bind(h, "nvrtcCreateProgram", &a.nvrtcCreateProgram)
	bind(h, "nvrtcCompileProgram", &a.nvrtcCompileProgram)
	bind(h, "nvrtcGetPTX", &a.nvrtcGetPTX)
	bind(h, "nvrtcGetPTXSize", &a.nvrtcGetPTXSize)
	return a
}

// bind resolves name into *fnPtr if present; a nil result just leaves
// the field zero, which the has* predicates above check for.
//
// purego requires a concrete function signature per symbol via
// RegisterFunc; since api's fields already declare the exact Go
// function type, resolution is a thin generic wrapper around it.
func bind[F any](h *dylib.Handle, name string, out *F) {
	if _, ok := h.Symbol(name); !ok {
		return
	}
	registerFunc(h, name, out)
}
