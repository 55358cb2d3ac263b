//go:build !unix

package kernelcache

import "os"

// readFileMapped falls back to a plain read on platforms without the
// POSIX mmap path (e.g. Windows), which the on-disk store already
// supports as its cache root per SPEC_FULL.md §6.
func readFileMapped(path string) ([]byte, error) {
	return os.ReadFile(path)
}
