package dylib

// compareNatural compares two shared-library filenames the way a
// human would order version suffixes: runs of digits compare
// numerically, runs of non-digits compare byte-wise. This is a
// generalization of xla/libdevice.go's plain lexicographic-largest
// selection, needed because filenames like "libcuda.so.9.2" and
// "libcuda.so.10.0" sort backwards under pure lexicographic order —
// no example repo in the pack carries a generic comparator, and
// golang.org/x/mod/semver rejects these strings outright (they are
// not valid semver), so this one function is hand-rolled; see
// DESIGN.md for the justification.
func compareNatural(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			ai, aEnd := i, i
			for aEnd < len(a) && isDigit(a[aEnd]) {
				aEnd++
			}
			bi, bEnd := j, j
			for bEnd < len(b) && isDigit(b[bEnd]) {
				bEnd++
			}
			if c := compareDigitRuns(a[ai:aEnd], b[bi:bEnd]); c != 0 {
				return c
			}
			i, j = aEnd, bEnd
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	default:
		return 0
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// compareDigitRuns compares two digit runs numerically, ignoring
// leading zeros, falling back to length then lexicographic order for
// runs too long to matter in practice.
func compareDigitRuns(a, b string) int {
	a = trimLeadingZeros(a)
	b = trimLeadingZeros(b)
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func trimLeadingZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}
