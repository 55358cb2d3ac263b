package llvm

import "github.com/arrayjit/enoki/dylib"

// api is the resolved symbol table for the LLVM-C ABI (libLLVM's
// C bindings), following the grouped-capability-predicate pattern
// backends/simplego/highway_iface.go establishes for a single symbol,
// generalized here to a whole table (SPEC_FULL.md §4.2).
type api struct {
	contextCreate       func() uintptr
	contextDispose      func(ctx uintptr)
	moduleCreate        func(name *byte, ctx uintptr) uintptr
	moduleDispose       func(mod uintptr)
	createMemoryBuffer  func(data *byte, length uintptr, name *byte) uintptr
	parseIR             func(ctx uintptr, buf uintptr, outMod *uintptr, outErr **byte) int32
	createTargetMachine func(triple, cpu, features *byte, optLevel, reloc, codeModel int32) uintptr
	targetMachineEmit   func(tm, mod uintptr, filename *byte, fileType int32, errMsg **byte) int32

	// Host identity queries, feeding the CPU device's fingerprint
	// components (SPEC_FULL.md §3): target triple, CPU name, feature
	// string. Each returns a message LLVM owns until disposeMessage.
	getHostCPUName         func() uintptr
	getDefaultTargetTriple func() uintptr
	getHostCPUFeatures     func() uintptr
	disposeMessage         func(msg uintptr)

	// ORCv2 JIT symbols — only present on modern LLVM versions.
	orcCreateLLJIT                 func(out *uintptr, builder uintptr) int32
	orcLLJITAddIRModule            func(jit uintptr, jd uintptr, tsm uintptr) int32
	orcLLJITLookup                 func(jit uintptr, outAddr *uintptr, name *byte) int32
	orcLLJITGetMainJITDylib        func(jit uintptr) uintptr
	orcCreateNewThreadSafeContext  func() uintptr
	orcThreadSafeContextGetContext func(tsctx uintptr) uintptr
	orcThreadSafeModuleCreate      func(mod uintptr, tsctx uintptr) uintptr
	orcDisposeThreadSafeContext    func(tsctx uintptr)
	orcDisposeLLJIT                func(jit uintptr) int32

	// Legacy MCJIT/PassManager symbols — used when ORCv2 is absent.
	createExecutionEngine func(outEE *uintptr, mod uintptr, outErr **byte) int32
	getFunctionAddress    func(ee uintptr, name *byte) uintptr
	runFunction           func(ee, fn uintptr, numArgs int32, args uintptr) uintptr
	passBuilderCreate     func() uintptr
	passBuilderDispose    func(pb uintptr)
}

// hasCore reports the minimum symbol set to parse IR and create a
// target machine. Missing this disables the CPU backend entirely.
func (a *api) hasCore() bool {
	return a.contextCreate != nil && a.moduleCreate != nil && a.parseIR != nil &&
		a.createTargetMachine != nil && a.createMemoryBuffer != nil
}

// hasOrcV2 reports whether the modern JIT engine resolved.
func (a *api) hasOrcV2() bool {
	return a.orcCreateLLJIT != nil && a.orcLLJITAddIRModule != nil &&
		a.orcLLJITLookup != nil && a.orcLLJITGetMainJITDylib != nil &&
		a.orcCreateNewThreadSafeContext != nil && a.orcThreadSafeContextGetContext != nil &&
		a.orcThreadSafeModuleCreate != nil && a.orcDisposeLLJIT != nil
}

// hasLegacyJIT reports whether the legacy MCJIT engine resolved, used
// as a fallback when hasOrcV2 is false.
func (a *api) hasLegacyJIT() bool {
	return a.createExecutionEngine != nil && a.getFunctionAddress != nil
}

// hasPassBuilder reports whether the new PassBuilder-based optimizer
// resolved (LLVM >= 13 roughly); older versions only have the legacy
// PassManager. This backend drives neither pass pipeline and does not
// consult hasPassBuilder when compiling.
func (a *api) hasPassBuilder() bool {
	return a.passBuilderCreate != nil && a.passBuilderDispose != nil
}

func resolve(h *dylib.Handle) *api {
	a := &api{}
	bind(h, "LLVMContextCreate", &a.contextCreate)
	bind(h, "LLVMContextDispose", &a.contextDispose)
	bind(h, "LLVMModuleCreateWithNameInContext", &a.moduleCreate)
	bind(h, "LLVMDisposeModule", &a.moduleDispose)
	bind(h, "LLVMCreateMemoryBufferWithMemoryRangeCopy", &a.createMemoryBuffer)
	bind(h, "LLVMParseIRInContext", &a.parseIR)
	bind(h, "LLVMCreateTargetMachine", &a.createTargetMachine)
	bind(h, "LLVMTargetMachineEmitToFile", &a.targetMachineEmit)
	bind(h, "LLVMGetHostCPUName", &a.getHostCPUName)
	bind(h, "LLVMGetDefaultTargetTriple", &a.getDefaultTargetTriple)
	bind(h, "LLVMGetHostCPUFeatures", &a.getHostCPUFeatures)
	bind(h, "LLVMDisposeMessage", &a.disposeMessage)
	bind(h, "LLVMOrcCreateLLJIT", &a.orcCreateLLJIT)
	bind(h, "LLVMOrcLLJITAddLLVMIRModule", &a.orcLLJITAddIRModule)
	bind(h, "LLVMOrcLLJITLookup", &a.orcLLJITLookup)
	bind(h, "LLVMOrcLLJITGetMainJITDylib", &a.orcLLJITGetMainJITDylib)
	bind(h, "LLVMOrcCreateNewThreadSafeContext", &a.orcCreateNewThreadSafeContext)
	bind(h, "LLVMOrcThreadSafeContextGetContext", &a.orcThreadSafeContextGetContext)
	bind(h, "LLVMOrcThreadSafeModuleCreate", &a.orcThreadSafeModuleCreate)
	bind(h, "LLVMOrcDisposeThreadSafeContext", &a.orcDisposeThreadSafeContext)
	bind(h, "LLVMOrcDisposeLLJIT", &a.orcDisposeLLJIT)
	bind(h, "LLVMCreateExecutionEngineForModule", &a.createExecutionEngine)
	bind(h, "LLVMGetFunctionAddress", &a.getFunctionAddress)
	bind(h, "LLVMRunFunction", &a.runFunction)
	bind(h, "LLVMCreatePassBuilderOptions", &a.passBuilderCreate)
	bind(h, "LLVMDisposePassBuilderOptions", &a.passBuilderDispose)
	return a
}

func bind[F any](h *dylib.Handle, name string, out *F) {
	if _, ok := h.Symbol(name); !ok {
		return
	}
	registerFunc(h, name, out)
}
