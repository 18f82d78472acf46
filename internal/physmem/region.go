// Package physmem provides the simulated physical memory of the machine: a
// single anonymous mapping addressed by physical address, plus the linear
// direct-map translation between physical and kernel virtual addresses.
//
// Every allocator layer reaches object and page storage through a Region;
// nothing above this package holds raw pointers into the arena.
package physmem

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/kmemkit/internal/buf"
	"github.com/joshuapare/kmemkit/internal/format"
)

// PhysAddr is a physical address.
type PhysAddr uint64

// VirtAddr is a kernel virtual address in the direct map.
type VirtAddr uint64

var (
	// ErrOutOfRange indicates an address range outside the mapped arena.
	ErrOutOfRange = errors.New("physmem: address out of range")

	// ErrClosed indicates use of a region after Close.
	ErrClosed = errors.New("physmem: region closed")

	// ErrBadSize indicates a region size that is not a positive page multiple.
	ErrBadSize = errors.New("physmem: size must be a positive multiple of the page size")
)

// PhysToVirt returns the direct-map virtual address of pa.
func PhysToVirt(pa PhysAddr) VirtAddr {
	return VirtAddr(uint64(pa) + format.DirectMapBase)
}

// VirtToPhys returns the physical address behind a direct-map address.
func VirtToPhys(va VirtAddr) PhysAddr {
	return PhysAddr(uint64(va) - format.DirectMapBase)
}

// Region is a contiguous range of simulated physical memory [Base, Base+Size).
type Region struct {
	base   PhysAddr
	data   []byte
	unmap  func([]byte) error
	closed atomic.Bool
}

// Map creates a region of size bytes starting at physical address base.
// Both must be page aligned.
func Map(base PhysAddr, size int) (*Region, error) {
	if size <= 0 || size%format.PageSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	if err := format.CheckPageAligned(uint64(base)); err != nil {
		return nil, fmt.Errorf("physmem: base %#x: %w", uint64(base), err)
	}
	data, unmap, err := mapAnonymous(size)
	if err != nil {
		return nil, err
	}
	return &Region{base: base, data: data, unmap: unmap}, nil
}

// Base returns the first physical address of the region.
func (r *Region) Base() PhysAddr { return r.base }

// End returns the first physical address past the region.
func (r *Region) End() PhysAddr { return r.base + PhysAddr(len(r.data)) }

// Size returns the region size in bytes.
func (r *Region) Size() int { return len(r.data) }

// Contains reports whether [pa, pa+n) lies inside the region.
func (r *Region) Contains(pa PhysAddr, n int) bool {
	return pa >= r.base && buf.HasSpan(r.data, uint64(pa-r.base), n)
}

// Bytes returns the n bytes at physical address pa.
func (r *Region) Bytes(pa PhysAddr, n int) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if !r.Contains(pa, n) {
		return nil, fmt.Errorf("%w: [%#x, +%d)", ErrOutOfRange, uint64(pa), n)
	}
	b, ok := buf.Slice(r.data, int(pa-r.base), n)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, +%d)", ErrOutOfRange, uint64(pa), n)
	}
	return b, nil
}

// VirtBytes returns the n bytes at direct-map address va.
func (r *Region) VirtBytes(va VirtAddr, n int) ([]byte, error) {
	return r.Bytes(VirtToPhys(va), n)
}

// Mem returns the whole arena. Offsets into it are pa - Base().
func (r *Region) Mem() []byte { return r.data }

// Offset returns the arena offset of pa. The caller guarantees pa is inside the region.
func (r *Region) Offset(pa PhysAddr) int { return int(pa - r.base) }

// Zero clears [pa, pa+n). Whole pages are dropped from the mapping instead
// of being written.
func (r *Region) Zero(pa PhysAddr, n int) error {
	b, err := r.Bytes(pa, n)
	if err != nil {
		return err
	}
	if uint64(pa)%format.PageSize == 0 && n%format.PageSize == 0 && n >= 4*format.PageSize {
		return discard(b)
	}
	clear(b)
	return nil
}

// Close releases the mapping. Calling Close twice is a no-op.
func (r *Region) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.unmap(r.data)
}
