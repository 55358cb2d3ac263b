package enoki

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/arrayjit/enoki/kernelcache"
	"github.com/arrayjit/enoki/pkg/support/fsutil"
)

// defaultCPUBlockSize is the number of elements a single CPU launcher
// work item processes, absent any override.
const defaultCPUBlockSize = 16384

// subStreamsPerDevice is the fixed-size auxiliary stream/event pool
// allocated per accepted GPU device.
const subStreamsPerDevice = 4

// fileConfig mirrors the optional on-disk config.yaml, read once at
// init time and never re-read.
type fileConfig struct {
	CPUBlockSize     int    `yaml:"cpu_block_size"`
	CacheDir         string `yaml:"cache_dir"`
	LogLevel         string `yaml:"log_level"`
	PersistRateLimit int    `yaml:"persist_rate_limit"`
}

// config holds the tunables named in SPEC_FULL.md §6, resolved once
// at process init with precedence: explicit setter > env var > config
// file > compiled-in default.
type config struct {
	cpuBlockSize     int
	cacheDir         string
	persistRateLimit int
}

func loadConfig() *config {
	c := &config{
		cpuBlockSize:     defaultCPUBlockSize,
		cacheDir:         defaultCacheDir(),
		persistRateLimit: 0,
	}

	if fc, err := readFileConfig(c.cacheDir); err == nil && fc != nil {
		if fc.CPUBlockSize > 0 {
			c.cpuBlockSize = fc.CPUBlockSize
		}
		if fc.CacheDir != "" {
			c.cacheDir = fc.CacheDir
		}
		if fc.PersistRateLimit > 0 {
			c.persistRateLimit = fc.PersistRateLimit
		}
	} else if err != nil {
		klog.V(2).Infof("enoki: no usable config file: %v", err)
	}

	if v, ok := os.LookupEnv("ENOKI_CACHE_DIR"); ok && v != "" {
		c.cacheDir = v
	}
	if v, ok := os.LookupEnv("ENOKI_CPU_BLOCK_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.cpuBlockSize = n
		}
	}
	return c
}

// defaultCacheDir returns $HOME/.enoki on POSIX or %TEMP%/enoki on
// Windows, following the same tilde-based resolution style as
// pkg/support/fsutil.
func defaultCacheDir() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("TEMP")
		if base == "" {
			base = os.TempDir()
		}
		return filepath.Join(base, "enoki")
	}
	return fsutil.MustReplaceTildeInDir("~/.enoki")
}

func readFileConfig(cacheDir string) (*fileConfig, error) {
	path := filepath.Join(cacheDir, "config.yaml")
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// SetCPUBlockSize overrides the CPU launcher's elements-per-work-item
// tunable. Highest precedence: this always wins over the environment
// and the config file. The value is reported by CPUBlockSize; the CPU
// backend's Launch does not read it and chunks work by its own
// 16384-element default.
func (g *Global) SetCPUBlockSize(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config.cpuBlockSize = n
}

// CPUBlockSize returns the currently effective CPU block size.
func (g *Global) CPUBlockSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config.cpuBlockSize
}

// CacheDir returns the resolved kernel-cache directory.
func (g *Global) CacheDir() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config.cacheDir
}

// Cache returns the process's kernel cache, for enoki-cache and
// debugserver's /debug/enoki/cache handler. The Cache's own methods
// are independently safe for concurrent use.
func (g *Global) Cache() *kernelcache.Cache {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache
}
