//go:build unix

package physmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// mapAnonymous reserves size bytes of private, zero-filled memory.
// The mapping is page aligned, so every 8-byte word inside it can be
// accessed atomically.
func mapAnonymous(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}
	unmap := func(b []byte) error {
		err := unix.Munmap(b)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, unmap, nil
}
