package slub

import (
	"math/rand/v2"
	"testing"

	"github.com/joshuapare/kmemkit/mm"
)

// Benchmark_Slub_FastPath measures an alloc/free pair that never leaves the
// CPU slab.
func Benchmark_Slub_FastPath(b *testing.B) {
	m := newTestMachine(b, 2, Config{})
	s := m.newCache(b, "bench-64", 64, SlabNoMerge)
	cpu := m.cpu(0)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		obj, err := s.Alloc(cpu, mm.GFPKernel)
		if err != nil {
			b.Fatal(err)
		}
		if err := s.Free(cpu, obj); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark_Slub_SlowPath keeps enough objects live that every slab fills
// and the CPU slab is replaced from the partial list or the page allocator.
func Benchmark_Slub_SlowPath(b *testing.B) {
	m := newTestMachine(b, 2, Config{})
	s := m.newCache(b, "bench-512", 512, SlabNoMerge)
	cpu := m.cpu(0)
	live := make([]mm.VirtAddr, 0, 1024)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		if len(live) == cap(live) {
			for _, obj := range live {
				if err := s.Free(cpu, obj); err != nil {
					b.Fatal(err)
				}
			}
			live = live[:0]
		}
		obj, err := s.Alloc(cpu, mm.GFPKernel)
		if err != nil {
			b.Fatal(err)
		}
		live = append(live, obj)
	}
}

// Benchmark_Slub_RemoteFree frees objects on a CPU other than the one that
// allocated them.
func Benchmark_Slub_RemoteFree(b *testing.B) {
	m := newTestMachine(b, 2, Config{})
	s := m.newCache(b, "bench-128", 128, SlabNoMerge)
	alloc, free := m.cpu(0), m.cpu(1)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		obj, err := s.Alloc(alloc, mm.GFPKernel)
		if err != nil {
			b.Fatal(err)
		}
		if err := s.Free(free, obj); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark_Kmalloc_Mixed allocates random kmalloc sizes with a bounded
// working set.
func Benchmark_Kmalloc_Mixed(b *testing.B) {
	m := newTestMachine(b, 2, Config{})
	cpu := m.cpu(0)
	rng := rand.New(rand.NewPCG(1, 2))
	live := make([]mm.VirtAddr, 256)

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		slot := i % len(live)
		if live[slot] != 0 {
			if err := m.sa.Kfree(cpu, live[slot]); err != nil {
				b.Fatal(err)
			}
		}
		obj, err := m.sa.Kmalloc(cpu, 1+rng.IntN(4096), mm.GFPKernel)
		if err != nil {
			b.Fatal(err)
		}
		live[slot] = obj
	}
}
