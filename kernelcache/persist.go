package kernelcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/arrayjit/enoki/pkg/support/fsutil"
)

const (
	magic      = uint32(0x656e6b31) // "enk1"
	fileFormat = uint16(1)
)

// diskHeader is written verbatim (fixed width, no padding surprises)
// ahead of the compressed payload of every cache file, per
// SPEC_FULL.md §6: magic, version, backend tag, uncompressed source
// size, compressed size, source hash.
type diskHeader struct {
	Magic            uint32
	Format           uint16
	BackendTag       uint16
	UncompressedSize uint32
	CompressedSize   uint32
	SourceHash       Fingerprint
}

const diskHeaderSize = 4 + 2 + 2 + 4 + 4 + 16

func ensureDir(dir string) error {
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return err
	}
	if !exists {
		return os.MkdirAll(dir, 0o700)
	}
	return nil
}

func writeDictionaryOnce(dir string) error {
	path := filepath.Join(dir, dictionaryFileName)
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(dictionary)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(dictionary, compressed, ht[:])
	if err != nil {
		return errors.Wrap(err, "kernelcache: compressing dictionary")
	}
	if n == 0 {
		// Incompressible (too small): store raw with n==0 sentinel.
		return os.WriteFile(path, dictionary, 0o600)
	}
	return os.WriteFile(path, compressed[:n], 0o600)
}

// primedCompress compresses payload with the shared dictionary primed
// into the LZ4 window, using dictionary-prefix priming: the dictionary
// is prepended before compression and the compressed stream is later
// decompressed the same way, then the dictionary-length prefix is
// dropped. This uses only the stable CompressBlock/UncompressBlock
// primitives rather than a less-documented dedicated dictionary API.
func primedCompress(payload []byte) (compressed []byte, uncompressedLen int, err error) {
	primed := make([]byte, 0, len(dictionary)+len(payload))
	primed = append(primed, dictionary...)
	primed = append(primed, payload...)

	dst := make([]byte, lz4.CompressBlockBound(len(primed)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(primed, dst, ht[:])
	if err != nil {
		return nil, 0, errors.Wrap(err, "kernelcache: compress")
	}
	if n == 0 {
		return nil, 0, errors.New("kernelcache: payload incompressible below block bound")
	}
	return dst[:n], len(primed), nil
}

func primedDecompress(compressed []byte, uncompressedLen int) ([]byte, error) {
	dst := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, errors.Wrap(err, "kernelcache: decompress")
	}
	if n != uncompressedLen {
		return nil, errors.Errorf("kernelcache: expected %d bytes, got %d", uncompressedLen, n)
	}
	if n < len(dictionary) {
		return nil, errors.New("kernelcache: corrupt entry: shorter than dictionary")
	}
	return dst[len(dictionary):], nil
}

// entryPath returns the on-disk path for fp within dir.
func entryPath(dir string, fp Fingerprint) string {
	return filepath.Join(dir, fp.String())
}

// writeEntry persists one kernel's source and compiled artifact.
func writeEntry(dir string, fp Fingerprint, backendTag uint16, source string, artifact []byte) error {
	payload := make([]byte, 0, len(source)+len(artifact)+8)
	payload = appendUint32(payload, uint32(len(source)))
	payload = append(payload, source...)
	payload = append(payload, artifact...)

	compressed, uncompressedLen, err := primedCompress(payload)
	if err != nil {
		return err
	}

	hdr := diskHeader{
		Magic:            magic,
		Format:           fileFormat,
		BackendTag:       backendTag,
		UncompressedSize: uint32(uncompressedLen),
		CompressedSize:   uint32(len(compressed)),
		SourceHash:       fp,
	}

	var buf bytes.Buffer
	if err := writeHeader(&buf, hdr); err != nil {
		return err
	}
	buf.Write(compressed)

	tmp := entryPath(dir, fp) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, entryPath(dir, fp))
}

// readEntry loads and validates a cache file, returning
// ErrCorrupt (wrapped) if the magic or hash check fails, per
// SPEC_FULL.md §7's corrupt_cache_entry kind — the caller ignores the
// file and recompiles rather than treating this as a fatal error.
func readEntry(dir string, fp Fingerprint) (source string, artifact []byte, backendTag uint16, err error) {
	data, err := readFileMapped(entryPath(dir, fp))
	if err != nil {
		return "", nil, 0, err
	}
	if len(data) < diskHeaderSize {
		return "", nil, 0, ErrCorrupt
	}
	hdr, rest, err := readHeader(data)
	if err != nil {
		return "", nil, 0, err
	}
	if hdr.Magic != magic || hdr.Format != fileFormat {
		return "", nil, 0, ErrCorrupt
	}
	if hdr.SourceHash != fp {
		return "", nil, 0, ErrCorrupt
	}
	if len(rest) < int(hdr.CompressedSize) {
		return "", nil, 0, ErrCorrupt
	}

	payload, err := primedDecompress(rest[:hdr.CompressedSize], int(hdr.UncompressedSize))
	if err != nil {
		return "", nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(payload) < 4 {
		return "", nil, 0, ErrCorrupt
	}
	srcLen := binary.BigEndian.Uint32(payload[:4])
	if len(payload) < int(4+srcLen) {
		return "", nil, 0, ErrCorrupt
	}
	source = string(payload[4 : 4+srcLen])
	artifact = payload[4+srcLen:]
	return source, artifact, hdr.BackendTag, nil
}

// peekBackendTag reads only the fixed-width header of fp's on-disk
// file, without decompressing the payload, so ListDisk can report a
// backend tag for every entry cheaply even across a large cache.
func peekBackendTag(dir string, fp Fingerprint) (uint16, error) {
	f, err := os.Open(entryPath(dir, fp))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, diskHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, err
	}
	hdr, _, err := readHeader(buf)
	if err != nil {
		return 0, err
	}
	return hdr.BackendTag, nil
}

func writeHeader(buf *bytes.Buffer, h diskHeader) error {
	tmp := make([]byte, diskHeaderSize)
	binary.BigEndian.PutUint32(tmp[0:4], h.Magic)
	binary.BigEndian.PutUint16(tmp[4:6], h.Format)
	binary.BigEndian.PutUint16(tmp[6:8], h.BackendTag)
	binary.BigEndian.PutUint32(tmp[8:12], h.UncompressedSize)
	binary.BigEndian.PutUint32(tmp[12:16], h.CompressedSize)
	copy(tmp[16:32], h.SourceHash[:])
	_, err := buf.Write(tmp)
	return err
}

func readHeader(data []byte) (diskHeader, []byte, error) {
	if len(data) < diskHeaderSize {
		return diskHeader{}, nil, ErrCorrupt
	}
	var h diskHeader
	h.Magic = binary.BigEndian.Uint32(data[0:4])
	h.Format = binary.BigEndian.Uint16(data[4:6])
	h.BackendTag = binary.BigEndian.Uint16(data[6:8])
	h.UncompressedSize = binary.BigEndian.Uint32(data[8:12])
	h.CompressedSize = binary.BigEndian.Uint32(data[12:16])
	copy(h.SourceHash[:], data[16:32])
	return h, data[diskHeaderSize:], nil
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
