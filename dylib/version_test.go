package dylib

import "testing"

func TestCompareNatural(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"libcuda.so.9.2", "libcuda.so.10.0", -1},
		{"libcuda.so.10.0", "libcuda.so.9.2", 1},
		{"libLLVM-14.so", "libLLVM-18.so", -1},
		{"libcuda.so.535.104.05", "libcuda.so.535.104.05", 0},
		{"libcuda.so.535.54.03", "libcuda.so.535.104.05", -1},
	}
	for _, c := range cases {
		got := compareNatural(c.a, c.b)
		if sign(got) != sign(c.want) {
			t.Errorf("compareNatural(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
