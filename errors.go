package enoki

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Kind identifies one of the error categories the engine can raise.
type Kind int

const (
	KindOutOfMemory Kind = iota
	KindSizeMismatch
	KindUnsupportedType
	KindBackendUnavailable
	KindDeviceIndexOutOfRange
	KindCompileFailed
	KindLaunchFailed
	KindIOFailed
	KindCorruptCacheEntry
	KindInvalidHandle
	KindShutdownInProgress
	KindLeakDetected
	KindInternalInvariant
	KindTooManyDeps
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out_of_memory"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindUnsupportedType:
		return "unsupported_type"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindDeviceIndexOutOfRange:
		return "device_index_out_of_range"
	case KindCompileFailed:
		return "compile_failed"
	case KindLaunchFailed:
		return "launch_failed"
	case KindIOFailed:
		return "io_failed"
	case KindCorruptCacheEntry:
		return "corrupt_cache_entry"
	case KindInvalidHandle:
		return "invalid_handle"
	case KindShutdownInProgress:
		return "shutdown_in_progress"
	case KindLeakDetected:
		return "leak_detected"
	case KindInternalInvariant:
		return "internal_invariant"
	case KindTooManyDeps:
		return "too_many_deps"
	default:
		return "unknown"
	}
}

// Error is a recoverable engine error carrying a Kind and a stack trace.
//
// Constructed with github.com/pkg/errors so the trace survives wrapping,
// mirroring the error style already used in pkg/support/xsync.
type Error struct {
	kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// AsKind returns the category of a wrapped engine Error, or false if err
// isn't one.
func AsKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}

func newError(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

// fatal panics with a stack trace for the two error kinds the design
// treats as unrecoverable: internal invariant violations and leak
// reports discovered at shutdown. Mirrors backends.Register's use of
// exceptions.Panicf for conditions that should never be caught by a
// caller.
func fatal(kind Kind, format string, args ...any) {
	exceptions.Panicf("%s: "+format, append([]any{kind.String()}, args...)...)
}
