//go:build unix

package kernelcache

import (
	"os"

	"golang.org/x/sys/unix"
)

// readFileMapped loads path the same way os.ReadFile does but through
// a read-only mmap, avoiding a copy into a freshly allocated buffer
// for the (common) large-artifact case; the returned slice is copied
// out before the mapping is torn down, so callers never hold a
// mapping past this call, following the read-then-unmap shape
// pkg/mcf's reader uses for the same tradeoff.
func readFileMapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := int(stat.Size())
	if size == 0 {
		return nil, nil
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Not every filesystem supports mmap (e.g. some overlay/network
		// mounts); fall back to a normal read rather than failing the
		// cache lookup.
		return os.ReadFile(path)
	}
	defer unix.Munmap(mapped)

	out := make([]byte, size)
	copy(out, mapped)
	return out, nil
}
