package format

import "math/bits"

// Alignment and power-of-two helpers shared by the allocators.

// AlignUp returns n rounded up to the next multiple of align.
// align must be a power of two.
//
// Example:
//
//	AlignUp(1, 8)  = 8
//	AlignUp(8, 8)  = 8
//	AlignUp(9, 8)  = 16
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n rounded down to a multiple of align.
// align must be a power of two.
func AlignDown(n, align int) int {
	return n &^ (align - 1)
}

// AlignUp64 is the uint64 version of AlignUp for physical addresses.
func AlignUp64(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown64 is the uint64 version of AlignDown for physical addresses.
func AlignDown64(n, align uint64) uint64 {
	return n &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Fls returns the position of the most significant set bit, counting from 1.
// Fls(0) = 0, Fls(1) = 1, Fls(0x80000000) = 32.
func Fls(n uint) int {
	return bits.Len(n)
}

// Ilog2 returns floor(log2(n)) for n > 0 and 0 otherwise.
func Ilog2(n uint) int {
	if n == 0 {
		return 0
	}
	return bits.Len(n) - 1
}

// RoundDownPowerOfTwo returns the largest power of two <= n (n > 0).
func RoundDownPowerOfTwo(n uint) uint {
	if n == 0 {
		return 0
	}
	return 1 << (bits.Len(n) - 1)
}

// RoundUpPowerOfTwo returns the smallest power of two >= n.
func RoundUpPowerOfTwo(n uint) uint {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(n-1)
}

// GetOrder returns the buddy order needed to hold size bytes.
//
//	GetOrder(1)     = 0
//	GetOrder(4096)  = 0
//	GetOrder(4097)  = 1
//	GetOrder(16384) = 2
func GetOrder(size int) int {
	if size <= PageSize {
		return 0
	}
	return bits.Len(uint(size-1) >> PageShift)
}
