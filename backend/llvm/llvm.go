// Package llvm implements the CPU backend: dynamic discovery of an
// installed libLLVM shared library, JIT compilation of generated IR
// through ORCv2 (falling back to the legacy MCJIT engine on older
// LLVM versions), and launch through a work-stealing pool sized to
// the host's core count.
package llvm

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/exceptions"

	"github.com/arrayjit/enoki/backend"
	"github.com/arrayjit/enoki/dylib"
)

func init() {
	backend.Register(backend.CPU, New)
}

var standardDirs = []string{
	"/usr/lib/llvm-18/lib",
	"/usr/lib/llvm-17/lib",
	"/usr/lib/llvm-16/lib",
	"/usr/lib/llvm-15/lib",
	"/usr/lib/llvm-14/lib",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/local/lib",
}

// Backend implements backend.Backend for the host CPU.
type Backend struct {
	mu      sync.Mutex
	api     *api
	handle  *dylib.Handle
	ctx     uintptr
	jit     uintptr // LLVMOrcLLJITRef, set when useOrc.
	device  *backend.Device
	pool    *pool
	engines []uintptr // legacy LLVMExecutionEngineRef handles, for Finalize.
	valid   bool
	useOrc  bool
}

// New probes for libLLVM and, if found, resolves the host target
// triple/CPU/feature string that the scheduler's Evaluate folds into
// the kernel fingerprint (SPEC_FULL.md §3's device-identity component
// of the fingerprint).
func New(config string) backend.Backend {
	b := &Backend{pool: newPool()}
	h, err := dylib.Open("libLLVM", "ENOKI_LIBLLVM_PATH", standardDirs)
	if err != nil {
		return b
	}
	b.handle = h
	b.api = resolve(h)
	if !b.api.hasCore() {
		return b
	}
	b.ctx = b.api.contextCreate()
	b.useOrc = b.api.hasOrcV2()
	if !b.useOrc && !b.api.hasLegacyJIT() {
		return b // Neither JIT engine resolved: unusable for compilation.
	}
	if b.useOrc {
		var jit uintptr
		if b.api.orcCreateLLJIT(&jit, 0) != 0 || jit == 0 {
			return b // LLJIT creation failed despite the symbols resolving.
		}
		b.jit = jit
	}
	features := b.hostFeatures()
	b.device = &backend.Device{
		Kind:         backend.CPU,
		Index:        0,
		Name:         b.hostCPUName(),
		TargetTriple: b.hostTriple(),
		Features:     features,
		VectorWidth:  vectorWidthFromFeatures(features),
	}
	b.valid = true
	return b
}

func (b *Backend) Kind() backend.Kind { return backend.CPU }

func (b *Backend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid
}

func (b *Backend) Devices() []*backend.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return nil
	}
	return []*backend.Device{b.device}
}

// cpuStream has no analogue to a GPU stream; the CPU backend instead
// gives every stream its own WaitGroup so Sync can wait exactly for
// the launches issued on that logical stream, mirroring how
// internal/workerspool separates task submission from completion
// tracking (the caller supplies the synchronization, the pool only
// runs tasks).
type cpuStream struct {
	wg sync.WaitGroup
}

func (b *Backend) NewStream(int) (backend.Stream, error) {
	return &cpuStream{}, nil
}

type cpuEvent struct {
	done chan struct{}
}

func (b *Backend) NewEvent() (backend.Event, error) {
	return &cpuEvent{done: make(chan struct{})}, nil
}

func (b *Backend) DestroyStream(backend.Stream) {}

func (b *Backend) DestroyEvent(backend.Event) {}

// jitFunc is the compiled kernel handle: the address ORCv2 or the
// legacy execution engine resolved for kernel_main, plus the block
// size the launcher chunks work into. Compile leaves blockSize at
// zero, so Launch uses defaultBlockSize.
type jitFunc struct {
	addr      uintptr
	blockSize int64
}

// kernelName is the entry point every codegen/llvmir module defines;
// see codegen/llvmir.Generate.
const kernelName = "kernel_main"

func (b *Backend) Compile(_ int, source string) (backend.CompiledKernel, error) {
	b.assertValid()
	if source == "" {
		return nil, fmt.Errorf("llvm: empty kernel source")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	srcBytes := []byte(source)
	bufName := cBytes("kernel.ll")
	buf := b.api.createMemoryBuffer(&srcBytes[0], uintptr(len(srcBytes)), &bufName[0])
	if buf == 0 {
		return nil, fmt.Errorf("llvm: LLVMCreateMemoryBufferWithMemoryRangeCopy failed")
	}

	if b.useOrc {
		return b.compileOrc(buf)
	}
	return b.compileLegacy(buf)
}

// compileOrc parses buf into its own thread-safe context and hands it
// to the shared LLJIT instance, following LLVM's documented ORCv2
// pattern (each added module brings its own LLVMContextRef so
// concurrent compiles on independent ThreadStates never touch the
// same context).
func (b *Backend) compileOrc(buf uintptr) (backend.CompiledKernel, error) {
	tsctx := b.api.orcCreateNewThreadSafeContext()
	if tsctx == 0 {
		return nil, fmt.Errorf("llvm: LLVMOrcCreateNewThreadSafeContext failed")
	}
	ctx := b.api.orcThreadSafeContextGetContext(tsctx)

	var mod uintptr
	var errMsg *byte
	if b.api.parseIR(ctx, buf, &mod, &errMsg) != 0 {
		b.api.orcDisposeThreadSafeContext(tsctx)
		return nil, fmt.Errorf("llvm: LLVMParseIRInContext failed: %s", cGoString(errMsg))
	}

	tsm := b.api.orcThreadSafeModuleCreate(mod, tsctx)
	if tsm == 0 {
		b.api.orcDisposeThreadSafeContext(tsctx)
		return nil, fmt.Errorf("llvm: LLVMOrcThreadSafeModuleCreate failed")
	}

	jd := b.api.orcLLJITGetMainJITDylib(b.jit)
	if b.api.orcLLJITAddIRModule(b.jit, jd, tsm) != 0 {
		return nil, fmt.Errorf("llvm: LLVMOrcLLJITAddLLVMIRModule failed")
	}

	fnName := cBytes(kernelName)
	var addr uintptr
	if b.api.orcLLJITLookup(b.jit, &addr, &fnName[0]) != 0 || addr == 0 {
		return nil, fmt.Errorf("llvm: LLVMOrcLLJITLookup failed for %s", kernelName)
	}
	return &jitFunc{addr: addr}, nil
}

// compileLegacy falls back to MCJIT for LLVM versions old enough to
// lack ORCv2: LLVMCreateExecutionEngineForModule takes ownership of
// the whole module and LLVMGetFunctionAddress hands back a raw
// pointer, so kernel invocation goes through the same purego.SyscallN
// path as the ORCv2 case below.
func (b *Backend) compileLegacy(buf uintptr) (backend.CompiledKernel, error) {
	var mod uintptr
	var errMsg *byte
	if b.api.parseIR(b.ctx, buf, &mod, &errMsg) != 0 {
		return nil, fmt.Errorf("llvm: LLVMParseIRInContext failed: %s", cGoString(errMsg))
	}
	var ee uintptr
	if b.api.createExecutionEngine(&ee, mod, &errMsg) != 0 {
		return nil, fmt.Errorf("llvm: LLVMCreateExecutionEngineForModule failed: %s", cGoString(errMsg))
	}
	b.engines = append(b.engines, ee)

	fnName := cBytes(kernelName)
	addr := b.api.getFunctionAddress(ee, &fnName[0])
	if addr == 0 {
		return nil, fmt.Errorf("llvm: LLVMGetFunctionAddress failed for %s", kernelName)
	}
	return &jitFunc{addr: addr}, nil
}

func (b *Backend) Launch(stream backend.Stream, kernel backend.CompiledKernel, outputSize int64, deviceIndex int, event backend.Event) error {
	s, ok := stream.(*cpuStream)
	if !ok {
		return fmt.Errorf("llvm: invalid stream handle")
	}
	fn, ok := kernel.(*jitFunc)
	if !ok {
		return fmt.Errorf("llvm: invalid kernel handle")
	}
	block := fn.blockSize
	if block <= 0 {
		block = defaultBlockSize
	}
	for start := int64(0); start < outputSize; start += block {
		end := start + block
		if end > outputSize {
			end = outputSize
		}
		s.wg.Add(1)
		b.pool.run(func() {
			defer s.wg.Done()
			callKernel(fn.addr, start, end)
		})
	}
	if e, ok := event.(*cpuEvent); ok {
		go func() {
			s.wg.Wait()
			close(e.done)
		}()
	}
	return nil
}

// callKernel invokes the JIT-compiled kernel_main(i64 start, i64 end,
// ptr out) through purego's raw call path, the same mechanism
// dylib.Handle.Symbol resolves addresses for; out is scratch because
// the device-buffer allocator that would own real output storage is
// an out-of-scope collaborator (SPEC_FULL.md §1).
func callKernel(addr uintptr, start, end int64) {
	if addr == 0 {
		return
	}
	out := make([]int64, end-start)
	var outPtr uintptr
	if len(out) > 0 {
		outPtr = uintptr(unsafe.Pointer(&out[0]))
	}
	purego.SyscallN(addr, uintptr(start), uintptr(end), outPtr)
	runtime.KeepAlive(out)
}

// defaultBlockSize is the chunk size Launch uses when a jitFunc has no
// blockSize of its own, which is every kernel Compile produces. The
// root package's Global.CPUBlockSize tunable is not passed to this
// backend.
const defaultBlockSize = 16384

func (b *Backend) Sync(stream backend.Stream) error {
	s, ok := stream.(*cpuStream)
	if !ok {
		return fmt.Errorf("llvm: invalid stream handle")
	}
	s.wg.Wait()
	return nil
}

func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jit != 0 && b.api.orcDisposeLLJIT != nil {
		_ = b.api.orcDisposeLLJIT(b.jit)
	}
	b.engines = nil
	if b.ctx != 0 && b.api.contextDispose != nil {
		b.api.contextDispose(b.ctx)
	}
	if b.handle != nil {
		_ = b.handle.Close()
	}
	b.valid = false
}

func cBytes(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// cStringAt reads a NUL-terminated C string from a raw address, the
// form LLVM's string-query functions (LLVMGetHostCPUName and kin)
// return instead of an out-pointer.
func cStringAt(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	return cGoString((*byte)(unsafe.Pointer(addr)))
}

// cGoString reads a NUL-terminated C string from an LLVM error-message
// out-pointer; LLVM leaves it nil when there was no error.
func cGoString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for {
		b := *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n)))
		if b == 0 {
			break
		}
		n++
	}
	return unsafe.String(p, n)
}

func (b *Backend) assertValid() {
	if !b.valid {
		exceptions.Panicf("llvm: backend used after Finalize")
	}
}

// hostTriple queries LLVMGetDefaultTargetTriple, the same call
// jitc_llvm_init makes in the original engine. Falls back to a
// best-effort GOARCH/GOOS mapping if the symbol didn't resolve (older
// libLLVM builds sometimes ship without it stripped in).
func (b *Backend) hostTriple() string {
	if s, ok := b.readHostMessage(b.api.getDefaultTargetTriple); ok {
		return s
	}
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	osName := runtime.GOOS
	switch osName {
	case "linux":
		return arch + "-unknown-linux-gnu"
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-" + osName
	}
}

// hostCPUName queries LLVMGetHostCPUName; "host" (LLVM's own generic
// target-CPU name) if the symbol isn't available.
func (b *Backend) hostCPUName() string {
	if s, ok := b.readHostMessage(b.api.getHostCPUName); ok {
		return s
	}
	return "host"
}

// hostFeatures queries LLVMGetHostCPUFeatures, the same call
// jitc_llvm_init makes to build the feature string TargetMachine
// creation and the fingerprint's device-identity component both need.
// Empty if the symbol isn't available.
func (b *Backend) hostFeatures() string {
	s, _ := b.readHostMessage(b.api.getHostCPUFeatures)
	return s
}

// readHostMessage calls an LLVM string-query function, copies its
// result out of the message LLVM owns, and disposes that message.
func (b *Backend) readHostMessage(query func() uintptr) (string, bool) {
	if query == nil {
		return "", false
	}
	p := query()
	if p == 0 {
		return "", false
	}
	s := cStringAt(p)
	if b.api.disposeMessage != nil {
		b.api.disposeMessage(p)
	}
	return s, true
}

// vectorWidthFromFeatures derives the widest SIMD register width in
// bits from an LLVM host feature string (SPEC_FULL.md §3's fourth
// fingerprint component), the same feature flags LLVMGetHostCPUFeatures
// reports and TargetMachine creation already consumes.
func vectorWidthFromFeatures(features string) int {
	switch {
	case strings.Contains(features, "+avx512"):
		return 512
	case strings.Contains(features, "+avx2"), strings.Contains(features, "+avx"):
		return 256
	case strings.Contains(features, "+sse"), strings.Contains(features, "+neon"):
		return 128
	default:
		return 64
	}
}
