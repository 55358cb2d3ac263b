package kernelcache

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// MarshalJSON renders the fingerprint the same way String does, so
// enoki-cache's --json output is readable rather than a byte array.
func (f Fingerprint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// UnmarshalJSON parses the hex form MarshalJSON writes, so a
// manifest.json sidecar round-trips through the standard encoders.
func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("kernelcache: invalid fingerprint JSON %q", data)
	}
	parsed, ok := ParseFingerprint(string(data[1 : len(data)-1]))
	if !ok {
		return fmt.Errorf("kernelcache: invalid fingerprint %q", data)
	}
	*f = parsed
	return nil
}

// Fingerprint is the 128-bit kernel identity named in SPEC_FULL.md §3:
// a hash of the kernel's rendered source plus its device identity.
type Fingerprint [16]byte

// String renders the fingerprint as lowercase hex, the on-disk
// filename format.
func (f Fingerprint) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range f {
		out[2*i] = hexDigits[b>>4]
		out[2*i+1] = hexDigits[b&0xf]
	}
	return string(out)
}

// Compute hashes source together with deviceKey (e.g. a GPU compute
// capability string, or a CPU target-triple+cpu+features+vector-width
// string) using xxh3's 128-bit variant.
func Compute(source, deviceKey string) Fingerprint {
	h := xxh3.New()
	_, _ = h.WriteString(deviceKey)
	_, _ = h.Write([]byte{0}) // separator: avoids "ab"+"c" colliding with "a"+"bc".
	_, _ = h.WriteString(source)
	sum := h.Sum128()

	var out Fingerprint
	binary.BigEndian.PutUint64(out[:8], sum.Hi)
	binary.BigEndian.PutUint64(out[8:], sum.Lo)
	return out
}

// ParseFingerprint decodes a lowercase-hex fingerprint string, as
// written by String, for use by enoki-cache's list/gc subcommands.
func ParseFingerprint(s string) (Fingerprint, bool) {
	var out Fingerprint
	if len(s) != 32 {
		return out, false
	}
	for i := range out {
		hi, ok1 := hexVal(s[2*i])
		lo, ok2 := hexVal(s[2*i+1])
		if !ok1 || !ok2 {
			return out, false
		}
		out[i] = hi<<4 | lo
	}
	return out, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
