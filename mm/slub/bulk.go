package slub

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// AllocBulk fills objs with objects of s under a single interrupt-disabled
// section. It either fills all of objs or, on failure, frees what it got
// and returns 0 with the error.
func (s *Cache) AllocBulk(cpu *smp.CPU, gfp mm.GFP, objs []mm.VirtAddr) (int, error) {
	if cpu == nil {
		return 0, ErrNoCPU
	}
	if s.dead.Load() {
		return 0, fmt.Errorf("%w: %s", ErrCacheDead, s.name)
	}
	flags := cpu.LocalIRQSave()
	for i := range objs {
		obj, err := s.slabAlloc(cpu, gfp, mm.NumaNoNode)
		if err != nil {
			cpu.LocalIRQRestore(flags)
			_ = s.FreeBulk(cpu, objs[:i])
			clear(objs[:i])
			return 0, err
		}
		objs[i] = obj
	}
	cpu.LocalIRQRestore(flags)

	if gfp&mm.GFPZero != 0 {
		for _, obj := range objs {
			b, err := s.sa.Bytes(obj, s.objectSize)
			if err != nil {
				return 0, err
			}
			clear(b)
		}
	}
	return len(objs), nil
}

// FreeBulk frees objs to s. Runs of objects from the same slab are chained
// and freed with one update. Zero entries are skipped; an object listed
// twice is freed once and reported as a double free.
func (s *Cache) FreeBulk(cpu *smp.CPU, objs []mm.VirtAddr) error {
	var errs []error
	seen := make(map[mm.VirtAddr]struct{}, len(objs))
	for i := 0; i < len(objs); {
		head := objs[i]
		if head == 0 {
			i++
			continue
		}
		sl, err := s.checkObject(head)
		if err == nil {
			if _, dup := seen[head]; dup {
				err = s.doubleFree(sl, head)
			}
		}
		if err != nil {
			errs = append(errs, err)
			i++
			continue
		}
		seen[head] = struct{}{}
		tail, cnt := head, 1
		j := i + 1
		for ; j < len(objs); j++ {
			obj := objs[j]
			if obj == 0 || s.sa.slabOf(obj) != sl || sl.index(obj) == 0 {
				break
			}
			if _, dup := seen[obj]; dup {
				break
			}
			seen[obj] = struct{}{}
			s.setFreePointer(obj, head)
			head = obj
			cnt++
		}
		if err := s.slabFree(cpu, sl, head, tail, cnt); err != nil {
			errs = append(errs, err)
		}
		i = j
	}
	return errors.Join(errs...)
}
