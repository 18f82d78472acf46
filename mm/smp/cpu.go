// Package smp models the CPUs of the simulated machine.
//
// A *CPU is an execution context: exactly one goroutine drives a given CPU
// at a time, the way one thread runs on a real CPU. Per-CPU allocator state
// (pcp lists, slab cpu slots) may only be mutated by that goroutine with
// the CPU's interrupts disabled, or by another CPU through Interrupt, which
// plays the role of an IPI: it waits until the owner has interrupts enabled
// and runs the callback with the owner's interrupts held off.
package smp

import (
	"errors"
	"fmt"
	"sync"
)

// CPUID identifies a CPU. IDs are dense, starting at 0.
type CPUID int

// NodeID identifies a memory node. Kept here so smp does not depend on mm.
type NodeID int

// ErrBadCPU indicates an invalid CPU count or id.
var ErrBadCPU = errors.New("smp: invalid cpu")

// MaxCPUs bounds the number of simulated CPUs.
const MaxCPUs = 256

// CPU is one simulated processor.
type CPU struct {
	id   CPUID
	node NodeID

	// irq is held while interrupts are disabled on this CPU, either by the
	// owner (LocalIRQSave) or by a remote CPU acting on its behalf.
	irq sync.Mutex

	// depth is the owner's nesting level of LocalIRQSave. Only the owner
	// goroutine reads or writes it.
	depth int
}

// IRQFlags is the saved interrupt state returned by LocalIRQSave.
type IRQFlags struct {
	wasEnabled bool
}

// ID returns the CPU id.
func (c *CPU) ID() CPUID { return c.id }

// Node returns the memory node local to this CPU.
func (c *CPU) Node() NodeID { return c.node }

func (c *CPU) String() string { return fmt.Sprintf("cpu%d", c.id) }

// LocalIRQSave disables interrupts on c and returns the previous state.
// It must be called by the goroutine driving c. Calls nest.
func (c *CPU) LocalIRQSave() IRQFlags {
	if c.depth > 0 {
		c.depth++
		return IRQFlags{wasEnabled: false}
	}
	c.irq.Lock()
	c.depth = 1
	return IRQFlags{wasEnabled: true}
}

// LocalIRQRestore restores the interrupt state saved by LocalIRQSave.
func (c *CPU) LocalIRQRestore(f IRQFlags) {
	if c.depth <= 0 {
		panic("smp: LocalIRQRestore with interrupts enabled on " + c.String())
	}
	c.depth--
	if f.wasEnabled {
		if c.depth != 0 {
			panic("smp: unbalanced LocalIRQRestore on " + c.String())
		}
		c.irq.Unlock()
	}
}

// IRQsDisabled reports whether the owner currently has interrupts disabled.
// Only meaningful when called by the goroutine driving c.
func (c *CPU) IRQsDisabled() bool { return c.depth > 0 }

// Interrupt runs fn as if on c with c's interrupts disabled. The caller must
// not be the goroutine driving c while it has interrupts disabled.
func (c *CPU) Interrupt(fn func()) {
	c.irq.Lock()
	defer c.irq.Unlock()
	fn()
}

// RunOn runs fn on target with its interrupts disabled. When target is
// self, the local (nesting-aware) path is used; otherwise Interrupt.
func RunOn(self, target *CPU, fn func()) {
	if self == target {
		flags := target.LocalIRQSave()
		defer target.LocalIRQRestore(flags)
		fn()
		return
	}
	target.Interrupt(fn)
}

// Set is the fixed set of CPUs of a machine.
type Set struct {
	cpus []*CPU
}

// NewSet creates n CPUs. nodeOf maps each CPU to its local node; nil puts
// every CPU on node 0.
func NewSet(n int, nodeOf func(CPUID) NodeID) (*Set, error) {
	if n <= 0 || n > MaxCPUs {
		return nil, fmt.Errorf("%w: count %d (want 1..%d)", ErrBadCPU, n, MaxCPUs)
	}
	s := &Set{cpus: make([]*CPU, n)}
	for i := range n {
		c := &CPU{id: CPUID(i)}
		if nodeOf != nil {
			c.node = nodeOf(CPUID(i))
		}
		s.cpus[i] = c
	}
	return s, nil
}

// Len returns the number of CPUs (nr_cpu_ids).
func (s *Set) Len() int { return len(s.cpus) }

// CPU returns the CPU with the given id, or nil when out of range.
func (s *Set) CPU(id CPUID) *CPU {
	if id < 0 || int(id) >= len(s.cpus) {
		return nil
	}
	return s.cpus[id]
}

// All returns every CPU in id order.
func (s *Set) All() []*CPU { return s.cpus }

// OnEach runs fn for every CPU with that CPU's interrupts disabled. self is
// the caller's CPU, or nil when the caller is not running on any CPU.
func (s *Set) OnEach(self *CPU, fn func(c *CPU)) {
	for _, c := range s.cpus {
		RunOn(self, c, func() { fn(c) })
	}
}
