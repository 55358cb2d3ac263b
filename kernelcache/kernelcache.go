// Package kernelcache implements the content-addressed kernel cache
// and its on-disk, dictionary-compressed persistence layer
// (SPEC_FULL.md §4.9).
package kernelcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"github.com/arrayjit/enoki/types/xsync"
)

// ErrCorrupt is returned (wrapped) when an on-disk entry fails its
// magic or hash check. Callers ignore the file and recompile.
var ErrCorrupt = errors.New("kernelcache: corrupt entry")

// Entry is one cached, compiled kernel.
type Entry struct {
	Fingerprint Fingerprint
	Source      string
	Artifact    []byte
	BackendTag  uint16
}

// Cache is the in-memory fingerprint->Entry map plus its disk-backed
// persistence. All exported methods are safe for concurrent use.
type Cache struct {
	dir string

	mu      sync.Mutex
	entries map[Fingerprint]*Entry
	pending map[Fingerprint]*xsync.LatchWithValue[*Entry]

	persistLimiter *rate.Limiter

	Hits, Misses, Launches counter
}

// counter is a trivial atomic-free counter guarded by Cache.mu; kept
// as a named type so enokidoctor/debugserver can format it uniformly.
type counter uint64

// Open resolves dir (creating it if absent), writes the shared
// compression dictionary on first run, and returns a Cache backed by
// it. A non-nil error means only that persistence is degraded to
// in-memory-only for this process; the caller (Global.newGlobal) logs
// it as a warning rather than failing startup.
func Open(dir string) (*Cache, error) {
	c := &Cache{
		dir:     dir,
		entries: make(map[Fingerprint]*Entry),
		pending: make(map[Fingerprint]*xsync.LatchWithValue[*Entry]),
	}
	if err := ensureDir(dir); err != nil {
		return c, err
	}
	if err := writeDictionaryOnce(dir); err != nil {
		return c, err
	}
	return c, nil
}

// SetPersistRateLimit throttles the asynchronous disk-persistence
// goroutine to at most n operations per second; n<=0 means unlimited
// (SPEC_FULL.md §5's "Async persistence throughput").
func (c *Cache) SetPersistRateLimit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		c.persistLimiter = nil
		return
	}
	c.persistLimiter = rate.NewLimiter(rate.Limit(n), n)
}

// Lookup returns the cached Entry for fp if present in memory, trying
// the on-disk store on a memory miss. A disk hit is promoted into
// memory. Corrupt disk entries are treated as a miss.
func (c *Cache) Lookup(fp Fingerprint) (*Entry, bool) {
	c.mu.Lock()
	if e, ok := c.entries[fp]; ok {
		c.Hits++
		c.mu.Unlock()
		return e, true
	}
	c.mu.Unlock()

	source, artifact, backendTag, err := readEntry(c.dir, fp)
	if err != nil {
		c.mu.Lock()
		c.Misses++
		c.mu.Unlock()
		return nil, false
	}
	e := &Entry{Fingerprint: fp, Source: source, Artifact: artifact, BackendTag: backendTag}
	c.mu.Lock()
	c.entries[fp] = e
	c.Hits++
	c.mu.Unlock()
	return e, true
}

// GetOrCompile looks up fp; on a miss, ensures exactly one caller runs
// compile while any concurrent callers for the same fingerprint block
// on the result, per SPEC_FULL.md §4.9's "concurrent callers demanding
// the same fingerprint must share one compile."
func (c *Cache) GetOrCompile(fp Fingerprint, source string, backendTag uint16, compile func() ([]byte, error)) (*Entry, error) {
	if e, ok := c.Lookup(fp); ok {
		return e, nil
	}

	c.mu.Lock()
	if latch, ok := c.pending[fp]; ok {
		c.mu.Unlock()
		if e := latch.Wait(); e != nil {
			return e, nil
		}
		return nil, errors.New("kernelcache: compile failed in another goroutine")
	}
	latch := xsync.NewLatchWithValue[*Entry]()
	c.pending[fp] = latch
	c.mu.Unlock()

	artifact, err := compile()

	c.mu.Lock()
	delete(c.pending, fp)
	c.mu.Unlock()

	if err != nil {
		latch.Trigger(nil)
		return nil, err
	}

	e := &Entry{Fingerprint: fp, Source: source, Artifact: artifact, BackendTag: backendTag}
	c.mu.Lock()
	c.entries[fp] = e
	c.Launches++
	limiter := c.persistLimiter
	c.mu.Unlock()

	latch.Trigger(e)
	c.persistAsync(e, limiter)
	return e, nil
}

func (c *Cache) persistAsync(e *Entry, limiter *rate.Limiter) {
	go func() {
		if limiter != nil {
			_ = limiter.Wait(context.Background())
		}
		_ = writeEntry(c.dir, e.Fingerprint, e.BackendTag, e.Source, e.Artifact)
	}()
}

// Stats is a snapshot of the cache counters, read by the enoki
// package's debug-server hook for debugserver's /debug/enoki/cache
// handler.
type Stats struct {
	Hits, Misses, Launches uint64
	Entries                int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:     uint64(c.Hits),
		Misses:   uint64(c.Misses),
		Launches: uint64(c.Launches),
		Entries:  len(c.entries),
	}
}

// ForgetForTest evicts fp from the in-memory cache without touching
// disk, used by kernelcache_test.go to exercise the disk-hit path.
func (c *Cache) ForgetForTest(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fp)
}

// Dir returns the cache's on-disk directory, for enoki-cache's
// subcommands.
func (c *Cache) Dir() string {
	return c.dir
}

// DiskEntry describes one on-disk cache file without decompressing its
// payload, as returned by ListDisk. BackendTag is read from the file's
// header (0 == CPU, 1 == GPU, per scheduler.go), letting enoki-cache's
// gc subcommand evict entries for backends no longer enumerated
// without a full decompress-and-hash Validate pass.
type DiskEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Path        string      `json:"path"`
	Size        int64       `json:"size"`
	BackendTag  uint16      `json:"backend_tag"`
}

// ListDisk enumerates every cache file currently on disk, skipping the
// shared compression dictionary. Used by enoki-cache's list/gc
// subcommands, which need directory iteration that Lookup (keyed by a
// single fingerprint) doesn't provide.
func (c *Cache) ListDisk() ([]DiskEntry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var out []DiskEntry
	for _, de := range dirEntries {
		if de.IsDir() || de.Name() == dictionaryFileName || de.Name() == ManifestFileName {
			continue
		}
		fp, ok := ParseFingerprint(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		tag, _ := peekBackendTag(c.dir, fp)
		out = append(out, DiskEntry{Fingerprint: fp, Path: filepath.Join(c.dir, de.Name()), Size: info.Size(), BackendTag: tag})
	}
	return out, nil
}

// Validate attempts to read and decompress the on-disk entry for fp,
// returning the wrapped ErrCorrupt if it fails its header or hash
// check.
func (c *Cache) Validate(fp Fingerprint) error {
	_, _, _, err := readEntry(c.dir, fp)
	return err
}

// Evict removes fp from both the in-memory cache and disk.
func (c *Cache) Evict(fp Fingerprint) error {
	c.mu.Lock()
	delete(c.entries, fp)
	c.mu.Unlock()
	err := os.Remove(entryPath(c.dir, fp))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
