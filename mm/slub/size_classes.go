package slub

import (
	"fmt"

	"github.com/joshuapare/kmemkit/internal/format"
)

// SizeClassConfig describes the kmalloc size classes: power-of-two steps
// from Min to Max plus the odd sizes in between that common objects fit
// much better than the next power of two.
type SizeClassConfig struct {
	Name  string
	Min   int   // smallest class, a power of two
	Max   int   // largest class served by a cache, a power of two
	Extra []int // additional classes between Min and Max
}

// DefaultSizeClasses: 8..8192 with 96 and 192 (13 classes).
var DefaultSizeClasses = SizeClassConfig{
	Name:  "kmalloc",
	Min:   8,
	Max:   2 * format.PageSize,
	Extra: []int{96, 192},
}

// sizeClassTable holds the class sizes, ascending.
type sizeClassTable struct {
	config SizeClassConfig
	sizes  []int
}

func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	t := &sizeClassTable{config: config}
	extra := config.Extra
	for size := config.Min; size <= config.Max; size *= 2 {
		for len(extra) > 0 && extra[0] < size {
			t.sizes = append(t.sizes, extra[0])
			extra = extra[1:]
		}
		t.sizes = append(t.sizes, size)
	}
	return t
}

// class returns the index of the smallest class holding size bytes, or
// NumClasses for sizes above the largest class.
func (t *sizeClassTable) class(size int) int {
	lo, hi := 0, len(t.sizes)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if size <= t.sizes[mid] {
			if mid == 0 || size > t.sizes[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return len(t.sizes)
}

// NumClasses returns the number of classes.
func (t *sizeClassTable) NumClasses() int { return len(t.sizes) }

// Size returns the object size of class i.
func (t *sizeClassTable) Size(i int) int { return t.sizes[i] }

// sizeName formats a class size the way cache names spell it.
func sizeName(size int) string {
	if size >= format.KiB && size%format.KiB == 0 {
		return fmt.Sprintf("%dk", size/format.KiB)
	}
	return fmt.Sprint(size)
}
