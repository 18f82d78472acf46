package mm

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type heldBlock struct {
	pfn   PFN
	order int
}

var propertyFlags = []GFP{GFPKernel, GFPMovable, GFPReclaimable, GFPDMA, GFPComp, GFPMovable | GFPComp}

// Test_Buddy_RoundTrip: any sequence of successful allocations, freed in
// any order, restores the initial per-order free block counts.
func Test_Buddy_RoundTrip(t *testing.T) {
	for seed := uint64(1); seed <= 4; seed++ {
		m := newTestMachine(t, defaultMachine())
		a := m.a
		initial := nrFreeSnapshot(a)
		rng := rand.New(rand.NewPCG(seed, 42))

		var held []heldBlock
		for range 400 {
			order := rng.IntN(a.MaxOrder())
			if rng.IntN(4) != 0 {
				order = rng.IntN(3)
			}
			gfp := propertyFlags[rng.IntN(len(propertyFlags))] | GFPNoWarn
			cpu := m.cpu(rng.IntN(m.cpus.Len()))
			if pfn, err := a.AllocPages(cpu, gfp, order); err == nil {
				held = append(held, heldBlock{pfn, order})
			}
		}
		rng.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
		for _, h := range held {
			require.NoError(t, a.FreePages(m.cpu(rng.IntN(m.cpus.Len())), h.pfn, h.order))
		}

		requireAllFree(t, a)
		require.Equal(t, initial, nrFreeSnapshot(a), "seed %d", seed)
	}
}

// Test_Buddy_InvariantsUnderRandomOps checks the free-list structure after
// every step of a random alloc/free walk.
func Test_Buddy_InvariantsUnderRandomOps(t *testing.T) {
	m := newTestMachine(t, defaultMachine())
	a := m.a
	rng := rand.New(rand.NewPCG(7, 7))

	var held []heldBlock
	for step := range 300 {
		if len(held) > 0 && rng.IntN(3) == 0 {
			i := rng.IntN(len(held))
			h := held[i]
			held[i] = held[len(held)-1]
			held = held[:len(held)-1]
			require.NoError(t, a.FreePages(nil, h.pfn, h.order), "step %d", step)
		} else {
			order := rng.IntN(6)
			gfp := propertyFlags[rng.IntN(len(propertyFlags))] | GFPNoWarn
			if pfn, err := a.AllocPages(nil, gfp, order); err == nil {
				held = append(held, heldBlock{pfn, order})
			}
		}
		require.NoError(t, a.CheckInvariants(nil), "step %d", step)
	}
	for _, h := range held {
		require.NoError(t, a.FreePages(nil, h.pfn, h.order))
	}
	requireAllFree(t, a)
}

// Test_Buddy_NoOverlappingAllocations: live allocations never share frames.
func Test_Buddy_NoOverlappingAllocations(t *testing.T) {
	m := newTestMachine(t, defaultMachine())
	a := m.a
	rng := rand.New(rand.NewPCG(3, 9))

	owner := make(map[PFN]PFN)
	var held []heldBlock
	for range 500 {
		order := rng.IntN(4)
		pfn, err := a.AllocPages(m.cpu(0), GFPMovable|GFPNoWarn, order)
		if err != nil {
			break
		}
		for i := range PFN(1) << order {
			prev, taken := owner[pfn+i]
			require.False(t, taken, "%v handed out twice (first by %v)", pfn+i, prev)
			owner[pfn+i] = pfn
		}
		require.Zero(t, pfn&(PFN(1)<<order-1), "%v misaligned for order %d", pfn, order)
		held = append(held, heldBlock{pfn, order})
	}
	for _, h := range held {
		require.NoError(t, a.FreePages(m.cpu(0), h.pfn, h.order))
	}
	requireAllFree(t, a)
}

// Test_Buddy_ConcurrentCPUs runs one goroutine per CPU allocating and
// freeing, with a share of the frees handed to the other CPU.
func Test_Buddy_ConcurrentCPUs(t *testing.T) {
	cfg := defaultMachine()
	cfg.CPUs = 4
	cfg.MM.PCPBatch = 7
	m := newTestMachine(t, cfg)
	a := m.a
	initial := nrFreeSnapshot(a)

	const steps = 2000
	handoff := make([]chan heldBlock, m.cpus.Len())
	for i := range handoff {
		handoff[i] = make(chan heldBlock, steps)
	}

	var wg sync.WaitGroup
	errs := make(chan error, m.cpus.Len())
	for id := range m.cpus.Len() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cpu := m.cpu(id)
			rng := rand.New(rand.NewPCG(uint64(id), 11))
			var held []heldBlock
			for range steps {
				select {
				case h := <-handoff[id]:
					if err := a.FreePages(cpu, h.pfn, h.order); err != nil {
						errs <- err
						return
					}
					continue
				default:
				}
				if len(held) > 32 || (len(held) > 0 && rng.IntN(2) == 0) {
					h := held[len(held)-1]
					held = held[:len(held)-1]
					if rng.IntN(4) == 0 {
						handoff[(id+1)%len(handoff)] <- h
						continue
					}
					if err := a.FreePages(cpu, h.pfn, h.order); err != nil {
						errs <- err
						return
					}
					continue
				}
				order := 0
				if rng.IntN(5) == 0 {
					order = rng.IntN(4)
				}
				gfp := propertyFlags[rng.IntN(3)] | GFPNoWarn
				if pfn, err := a.AllocPages(cpu, gfp, order); err == nil {
					held = append(held, heldBlock{pfn, order})
				}
			}
			for _, h := range held {
				if err := a.FreePages(cpu, h.pfn, h.order); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for _, ch := range handoff {
		close(ch)
		for h := range ch {
			require.NoError(t, a.FreePages(nil, h.pfn, h.order))
		}
	}

	requireAllFree(t, a)
	require.Equal(t, initial, nrFreeSnapshot(a))
}
