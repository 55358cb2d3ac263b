package kernelcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// ManifestFileName is the sidecar enoki-cache's list/gc subcommands
// write after enumerating the cache directory, per SPEC_FULL.md §6, so
// a later invocation can report known fingerprints without opening
// every file.
const ManifestFileName = "manifest.json"

// ManifestEntry is one line of the manifest: enough to answer "does
// this fingerprint exist" and "how large is it" without a disk read.
type ManifestEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Size        int64       `json:"size"`
	BackendTag  uint16      `json:"backend_tag"`
}

// Manifest is the sidecar's on-disk shape.
type Manifest struct {
	WrittenAt time.Time       `json:"written_at"`
	Entries   []ManifestEntry `json:"entries"`
}

// WriteManifest overwrites dir's manifest.json from a fresh ListDisk
// scan, called by enoki-cache after list/gc so later invocations
// (and, eventually, init-time indexing) can skip a directory walk.
func WriteManifest(dir string, entries []DiskEntry, writtenAt time.Time) error {
	m := Manifest{WrittenAt: writtenAt, Entries: make([]ManifestEntry, len(entries))}
	for i, e := range entries {
		m.Entries[i] = ManifestEntry{Fingerprint: e.Fingerprint, Size: e.Size, BackendTag: e.BackendTag}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ManifestFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFileName))
}

// ReadManifest loads dir's manifest.json, if present. A missing file
// is not an error: callers fall back to a full ListDisk scan.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
