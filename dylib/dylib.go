// Package dylib locates and opens the shared libraries the GPU and
// LLVM-like backends depend on at runtime, without cgo.
//
// Grounded on xla/libdevice.go's PresetXlaFlagsCudaDir/findLibDevice,
// which searches CUDA_DIR, a handful of standard install prefixes, and
// a glob over /usr/local/cuda-* picking the lexicographically largest
// match. That file uses cgo's dlopen through libdl; this package
// reaches for github.com/ebitengine/purego instead, since
// SPEC_FULL.md §4.1 requires genuine runtime loading and the rest of
// the module is built cgo-free.
package dylib

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// Handle wraps an opened shared library.
type Handle struct {
	lib  uintptr
	path string
}

// Path returns the filesystem path the handle was opened from.
func (h *Handle) Path() string { return h.path }

// RawHandle exposes the OS library handle for callers that need to
// drive purego.RegisterLibFunc directly (whole symbol-table binding)
// rather than one-off Symbol/Dlsym probes.
func (h *Handle) RawHandle() uintptr { return h.lib }

// Symbol resolves name to a function pointer, or returns ok=false if
// the symbol isn't present — the caller uses this to populate a
// capability table (see backend/cuda and backend/llvm's api.go files).
func (h *Handle) Symbol(name string) (uintptr, bool) {
	defer func() { recover() }() //nolint:errcheck // purego panics on unresolved symbols.
	sym, err := purego.Dlsym(h.lib, name)
	if err != nil || sym == 0 {
		return 0, false
	}
	return sym, true
}

// Close releases the library. Not all platforms support unloading;
// best effort only.
func (h *Handle) Close() error {
	return purego.Dlclose(h.lib)
}

// Open finds and opens the named library. Candidates are, in order:
//  1. the path in envOverride, if that environment variable is set;
//  2. a search across standardDirs for files matching baseName,
//     selecting the candidate whose version suffix is largest by
//     compareNatural.
//
// Returns an error if nothing could be opened; callers must treat a
// missing GPU driver or LLVM-like library as a backend downgrade, not
// a fatal condition (SPEC_FULL.md §7).
func Open(baseName, envOverride string, standardDirs []string) (*Handle, error) {
	if p, ok := os.LookupEnv(envOverride); ok && p != "" {
		lib, err := purego.Dlopen(p, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return nil, errors.Wrapf(err, "dylib: %s override %q failed to load", envOverride, p)
		}
		return &Handle{lib: lib, path: p}, nil
	}

	candidate, err := findBest(baseName, standardDirs)
	if err != nil {
		return nil, err
	}
	lib, err := purego.Dlopen(candidate, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "dylib: failed to load %q", candidate)
	}
	return &Handle{lib: lib, path: candidate}, nil
}

// findBest mirrors findLibDevice's directory scan, generalized to any
// base name and to use the natural version comparator instead of pure
// lexicographic ordering (see version.go).
func findBest(baseName string, dirs []string) (string, error) {
	pattern := baseName + "*"
	if runtime.GOOS == "windows" {
		pattern = baseName + "*.dll"
	}

	var candidates []string
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if info, err := os.Lstat(m); err == nil && info.Mode()&os.ModeSymlink == 0 {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) == 0 {
		// Fall back to symlinks if no regular file matched anywhere.
		for _, dir := range dirs {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			candidates = append(candidates, matches...)
		}
	}
	if len(candidates) == 0 {
		return "", errors.Errorf("dylib: no candidate found for %q in %v", baseName, dirs)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return compareNatural(filepath.Base(candidates[i]), filepath.Base(candidates[j])) < 0
	})
	return candidates[len(candidates)-1], nil
}
