package slub

import (
	"fmt"

	"github.com/joshuapare/kmemkit/internal/format"
)

// orderObjects is a slab geometry: the page order and the number of
// objects a slab of that order holds.
type orderObjects struct {
	order   int
	objects int
}

func makeOO(order, size int) orderObjects {
	return orderObjects{order: order, objects: objectsPerSlab(order, size)}
}

func objectsPerSlab(order, size int) int {
	return (format.PageSize << order) / size
}

// slabOrder returns the lowest order in [minOrder, maxOrder] whose slab
// holds at least minObjects objects and leaves no more than 1/fraction of
// itself unused. It returns maxOrder+1 when no order qualifies.
func slabOrder(size, minObjects, minOrder, maxOrder, fraction int) int {
	if objectsPerSlab(minOrder, size) > MaxObjsPerSlab {
		return format.GetOrder(size*MaxObjsPerSlab) - 1
	}
	order := max(minOrder, format.GetOrder(minObjects*size))
	for ; order <= maxOrder; order++ {
		slabSize := format.PageSize << order
		if slabSize%size <= slabSize/fraction {
			break
		}
	}
	return order
}

// calculateOrder picks the slab order for objects of size bytes. It first
// asks for the CPU-derived object count with the strictest waste bound,
// relaxing the bound and then the object count, and finally accepts any
// order up to the page allocator's limit.
func (sa *Allocator) calculateOrder(size int) (int, error) {
	minOrder, maxOrder := sa.cfg.MinOrder, sa.cfg.MaxOrder

	minObjects := min(sa.minObjects, objectsPerSlab(maxOrder, size))
	for ; minObjects > 1; minObjects-- {
		for fraction := 16; fraction >= 4; fraction /= 2 {
			if order := slabOrder(size, minObjects, minOrder, maxOrder, fraction); order <= maxOrder {
				return order, nil
			}
		}
	}

	// A single object per slab, any waste.
	if order := slabOrder(size, 1, minOrder, maxOrder, 1); order <= maxOrder {
		return order, nil
	}
	pageMax := sa.mm.MaxOrder()
	if order := slabOrder(size, 1, minOrder, pageMax-1, 1); order < pageMax {
		return order, nil
	}
	return -1, fmt.Errorf("%w: object size %d exceeds the largest slab", ErrBadCache, size)
}
