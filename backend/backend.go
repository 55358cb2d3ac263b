// Package backend defines the dynamic-dispatch sum type over the two
// concrete backend variants (GPU/CUDA-like and CPU/LLVM-like) that the
// engine can execute a kernel on.
//
// Grounded on backends/backends.go's Backend interface + Register/
// New/NewWithConfig dynamic registry, generalized per SPEC_FULL.md §9:
// "Represent each backend as a value implementing a common capability
// set... the core holds a sum type over the two variants. Do not
// inherit." Unlike the teacher, which registers arbitrary named
// backends for an open-ended set of third-party plugins, this package
// closes the set at two Kinds because the design fixes it there.
package backend

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Kind identifies which of the two backend variants a Backend value is.
type Kind int8

const (
	CPU Kind = iota
	GPU
)

func (k Kind) String() string {
	if k == GPU {
		return "gpu"
	}
	return "cpu"
}

// Device describes one accepted execution device (see SPEC_FULL.md §3).
type Device struct {
	Kind            Kind
	Index           int
	Name            string
	ComputeCapMajor int
	ComputeCapMinor int
	SMCount         int
	SharedMemBytes  int64
	TargetTriple    string // CPU only.
	Features        string // CPU only, e.g. "+avx2,+fma".
	VectorWidth     int    // CPU only, widest SIMD register width in bits.
}

// Stream is an opaque handle to a backend-specific execution stream.
type Stream any

// Event is an opaque handle to a backend-specific completion event.
type Event any

// CompiledKernel is an opaque handle to a compiled, launchable kernel
// module; its concrete type is owned entirely by the Backend that
// produced it.
type CompiledKernel any

// Backend is the capability set every backend variant implements.
// Every method may be called concurrently from multiple threads;
// implementations are responsible for their own internal locking, if
// any beyond what their device model already serializes.
type Backend interface {
	Kind() Kind

	// Available reports whether the backend's shared library resolved
	// successfully and at least one device was enumerated.
	Available() bool

	// Devices lists every accepted device for this backend.
	Devices() []*Device

	// NewStream creates a stream on the given device (device index is
	// ignored for CPU backends, which have no per-device stream).
	NewStream(deviceIndex int) (Stream, error)
	NewEvent() (Event, error)
	DestroyStream(Stream)
	DestroyEvent(Event)

	// Compile turns generated kernel source into a launchable kernel.
	Compile(deviceIndex int, source string) (CompiledKernel, error)

	// Launch enqueues a compiled kernel on stream with the given
	// logical output size, and records completion on event. deviceIndex
	// names the device the kernel was compiled for (ignored by backends
	// with no per-device grid sizing, e.g. CPU), so a GPU backend can
	// size its launch grid from that device's SM count (SPEC_FULL.md
	// §4.10).
	Launch(stream Stream, kernel CompiledKernel, outputSize int64, deviceIndex int, event Event) error

	// Sync blocks until every operation queued on stream has completed.
	Sync(stream Stream) error

	// Finalize releases every resource the backend owns. The backend
	// is invalid after this returns.
	Finalize()
}

// Constructor builds a Backend from an optional configuration string,
// mirroring backends.Constructor.
type Constructor func(config string) Backend

var registered = make(map[Kind]Constructor)

// Register associates a Kind with its constructor. Called from
// backend/cuda and backend/llvm's package init.
func Register(kind Kind, ctor Constructor) {
	registered[kind] = ctor
}

// EnvVar is the environment variable used to force a specific backend
// configuration, in the form "<kind>:<config>" — e.g. "gpu:device=1".
// Mirrors backends.GOMLX_BACKEND.
const EnvVar = "ENOKI_BACKEND"

// New constructs every registered backend, probing availability. A
// backend whose shared library can't be found is simply reported
// Available()==false, per SPEC_FULL.md §7's "library-load failure is
// not an error, only a downgrade." An unknown kind named in EnvVar
// panics.
func New() map[Kind]Backend {
	config := os.Getenv(EnvVar)
	kindConfig := map[Kind]string{}
	if config != "" {
		if idx := strings.Index(config, ":"); idx != -1 {
			kindConfig[parseKind(config[:idx])] = config[idx+1:]
		} else {
			kindConfig[parseKind(config)] = ""
		}
	}

	out := make(map[Kind]Backend, len(registered))
	for kind, ctor := range registered {
		out[kind] = ctor(kindConfig[kind])
	}
	return out
}

func parseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gpu", "cuda":
		return GPU
	case "cpu", "llvm":
		return CPU
	default:
		exceptions.Panicf("backend: unknown kind %q in %s", s, EnvVar)
		return CPU
	}
}
