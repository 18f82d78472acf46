//go:build !unix

package physmem

// mapAnonymous allocates the arena on the Go heap when mmap is not available.
func mapAnonymous(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), func([]byte) error { return nil }, nil
}
