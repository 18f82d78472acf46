package format

import "errors"

var (
	// ErrNotPowerOfTwo indicates an alignment or size that must be a power of two was not.
	ErrNotPowerOfTwo = errors.New("format: value is not a power of two")
	// ErrUnaligned indicates an address that must be page aligned was not.
	ErrUnaligned = errors.New("format: address not page aligned")
)

// CheckPowerOfTwo returns ErrNotPowerOfTwo unless n is a positive power of two.
func CheckPowerOfTwo(n int) error {
	if !IsPowerOfTwo(n) {
		return ErrNotPowerOfTwo
	}
	return nil
}

// CheckPageAligned returns ErrUnaligned unless addr is page aligned.
func CheckPageAligned(addr uint64) error {
	if addr&(PageSize-1) != 0 {
		return ErrUnaligned
	}
	return nil
}
