package slub

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/internal/physmem"
	"github.com/joshuapare/kmemkit/mm"
	"github.com/joshuapare/kmemkit/mm/percpu"
	"github.com/joshuapare/kmemkit/mm/smp"
)

// Allocator is the slab layer of one machine: its caches, the kmalloc
// families, and the tunables they share.
type Allocator struct {
	mm     *mm.Allocator
	pcpu   *percpu.Area
	cpus   *smp.Set
	region *physmem.Region
	mem    []byte
	cfg    Config
	diag   *diag.Log

	minObjects int
	tidStep    uint64

	// mu serializes cache creation and destruction.
	mu     sync.Mutex
	caches []*Cache
	spare  []percpu.Ptr // control blocks of destroyed caches
	rng    *rand.Rand

	kmalloc kmallocCaches
}

// New creates the slab layer on top of the page allocator m, taking cache
// control blocks from area, and creates the kmalloc caches.
func New(m *mm.Allocator, area *percpu.Area, cfg Config) (*Allocator, error) {
	if err := cfg.setDefaults(m.MaxOrder()); err != nil {
		return nil, err
	}
	cpus := m.CPUs()
	sa := &Allocator{
		mm:      m,
		pcpu:    area,
		cpus:    cpus,
		region:  m.Region(),
		mem:     m.Region().Mem(),
		cfg:     cfg,
		diag:    cfg.Diag,
		tidStep: uint64(format.RoundUpPowerOfTwo(uint(cpus.Len()))),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1)),
	}
	if cfg.Diag == nil {
		sa.diag = m.Diag()
	}
	sa.minObjects = cfg.MinObjects
	if sa.minObjects == 0 {
		sa.minObjects = 4 * (format.Fls(uint(cpus.Len())) + 1)
	}
	if err := sa.createKmallocCaches(); err != nil {
		return nil, err
	}
	klog.Info("slub: initialized", "min_order", cfg.MinOrder, "max_order", cfg.MaxOrder,
		"min_objects", sa.minObjects, "cpus", cpus.Len(), "nodes", len(m.Nodes()))
	return sa, nil
}

// Pages returns the page allocator underneath.
func (sa *Allocator) Pages() *mm.Allocator { return sa.mm }

// Caches returns the live caches in creation order.
func (sa *Allocator) Caches() []*Cache {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return append([]*Cache(nil), sa.caches...)
}

// Lookup returns the live cache with name or alias name.
func (sa *Allocator) Lookup(name string) (*Cache, bool) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	s := sa.lookupLocked(name)
	return s, s != nil
}

func (sa *Allocator) lookupLocked(name string) *Cache {
	for _, s := range sa.caches {
		if s.name == name || slices.Contains(s.aliases, name) {
			return s
		}
	}
	return nil
}

// Bytes returns the n bytes of object memory at va.
func (sa *Allocator) Bytes(va mm.VirtAddr, n int) ([]byte, error) {
	return sa.region.VirtBytes(va, n)
}

func (sa *Allocator) report(d diag.Diagnostic) { sa.diag.Report(d) }

func (sa *Allocator) reportObject(s *Cache, sev diag.Severity, va mm.VirtAddr, issue string, action diag.Action) {
	sa.report(diag.Diagnostic{
		Severity: sev,
		Category: diag.CatSlab,
		PFN:      uint64(mm.VirtToPFN(va)),
		Addr:     uint64(va),
		Cache:    s.name,
		Issue:    issue,
		Action:   action,
	})
}

// ShrinkAll shrinks every cache and returns the number of slabs released.
func (sa *Allocator) ShrinkAll(self *smp.CPU) int {
	n := 0
	for _, s := range sa.Caches() {
		n += s.Shrink(self)
	}
	return n
}

// ValidateAll validates every cache.
func (sa *Allocator) ValidateAll(self *smp.CPU) error {
	var errs []error
	for _, s := range sa.Caches() {
		if err := s.Validate(self); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
