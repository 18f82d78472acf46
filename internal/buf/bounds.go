// Package buf holds the bounds checks used when slicing the physical
// memory arena. Offsets come from untrusted addresses (freelist pointers,
// caller-supplied PFNs), so every check is overflow safe.
package buf

import "math"

// AddOverflowSafe returns a+b, or ok = false if the sum does not fit in int.
func AddOverflowSafe(a, b int) (sum int, ok bool) {
	if (b > 0 && a > math.MaxInt-b) || (b < 0 && a < math.MinInt-b) {
		return 0, false
	}
	return a + b, true
}

// Slice returns b[off:off+n] with its capacity clipped to n, so appends
// can never spill into the neighbouring page or object.
func Slice(b []byte, off, n int) ([]byte, bool) {
	if !Has(b, off, n) {
		return nil, false
	}
	return b[off : off+n : off+n], true
}

// Has reports whether [off, off+n) lies inside b.
func Has(b []byte, off, n int) bool {
	if off < 0 || n < 0 {
		return false
	}
	end, ok := AddOverflowSafe(off, n)
	return ok && end <= len(b)
}

// HasSpan is Has for a span given as an unsigned offset, such as the
// distance of a physical address from the arena base.
func HasSpan(b []byte, off uint64, n int) bool {
	return off <= math.MaxInt && Has(b, int(off), n)
}
