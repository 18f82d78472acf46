package slub

import "errors"

var (
	// ErrBadConfig indicates invalid slab tunables.
	ErrBadConfig = errors.New("slub: invalid configuration")

	// ErrBadCache indicates cache creation with an impossible name, size or
	// alignment.
	ErrBadCache = errors.New("slub: invalid cache parameters")

	// ErrCacheExists indicates a second cache created under the same name.
	ErrCacheExists = errors.New("slub: cache already exists")

	// ErrCacheBusy indicates destruction of a cache that still has objects.
	ErrCacheBusy = errors.New("slub: cache has objects remaining")

	// ErrCacheDead indicates use of a destroyed cache.
	ErrCacheDead = errors.New("slub: cache destroyed")

	// ErrNoCPU indicates an allocation outside any CPU.
	ErrNoCPU = errors.New("slub: allocation needs a cpu")

	// ErrNotSlab indicates a pointer that does not belong to any slab.
	ErrNotSlab = errors.New("slub: address is not a slab object")

	// ErrWrongCache indicates an object freed to a cache that does not own it.
	ErrWrongCache = errors.New("slub: object belongs to another cache")

	// ErrBadObject indicates an address inside a slab that is not the start
	// of an object.
	ErrBadObject = errors.New("slub: misaligned object address")

	// ErrDoubleFree indicates an object freed while already free.
	ErrDoubleFree = errors.New("slub: double free")

	// ErrCorrupt indicates inconsistent slab metadata.
	ErrCorrupt = errors.New("slub: corrupt slab")

	// ErrNotKmalloc indicates Kfree or Ksize of memory kmalloc did not hand out.
	ErrNotKmalloc = errors.New("slub: not a kmalloc allocation")

	// ErrNoCache is returned when no live cache or alias has the given name.
	ErrNoCache = errors.New("slub: no such cache")
)
