package kmem

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kmemkit/internal/diag"
	"github.com/joshuapare/kmemkit/internal/format"
	"github.com/joshuapare/kmemkit/internal/klog"
	"github.com/joshuapare/kmemkit/pkg/types"
)

// ErrBadOptions indicates a machine description that cannot be booted.
var ErrBadOptions = errors.New("kmem: invalid options")

const (
	// DefaultNodeMemory is the memory of each node when Options.NodeMemory is 0.
	DefaultNodeMemory = 64 * format.MiB

	// DefaultKernelReserve is the memory held back at the bottom of node 0
	// for the kernel image.
	DefaultKernelReserve = 1 * format.MiB

	// DefaultPerCPUStatic and DefaultPerCPUDynamic size each CPU's per-CPU unit.
	DefaultPerCPUStatic  = 4 * format.KiB
	DefaultPerCPUDynamic = 60 * format.KiB
)

// Options describes the simulated machine and the allocator tunables.
// Zero fields take defaults.
type Options struct {
	// Nodes is the number of NUMA nodes. Default 1.
	Nodes int

	// NodeMemory is the memory of every node in bytes, a multiple of the
	// largest buddy block. Default DefaultNodeMemory.
	NodeMemory int

	// CPUs is the number of CPUs. CPU i sits on node i % Nodes. Default 1.
	CPUs int

	// KernelReserve is held back from the page allocator at physical
	// address 0, as the boot reserve of a kernel image would be.
	// Default DefaultKernelReserve; negative reserves nothing.
	KernelReserve int

	// DMALimit is the physical address below which memory is ZoneDMA.
	// Default 16 MiB.
	DMALimit uint64

	// MovablePercent places this share of each node's highest memory in
	// ZoneMovable.
	MovablePercent int

	// PerCPUStatic and PerCPUDynamic size the per-CPU units.
	PerCPUStatic  int
	PerCPUDynamic int

	// Tunables are the allocator knobs. The zero value selects defaults.
	Tunables Tunables

	// Seed drives freelist shuffling and pointer obfuscation.
	Seed uint64

	// DiagCapacity bounds the number of retained diagnostics.
	// Default diag.DefaultCapacity.
	DiagCapacity int

	// Log configures the allocator logger. If nil the logger is left as
	// is (discarding unless KMEMKIT_LOG is set).
	Log *LogOptions
}

// Tunables are the allocator knobs fixed at boot (re-exported for convenience).
type Tunables = types.Tunables

// LogOptions configures the allocator logger (re-exported for convenience).
type LogOptions = klog.Options

// DefaultTunables returns the allocator defaults.
func DefaultTunables() Tunables { return types.DefaultTunables() }

// DebugTunables returns defaults with every consistency aid enabled.
func DebugTunables() Tunables { return types.DebugTunables() }

// DefaultOptions returns a one-node, one-CPU machine of DefaultNodeMemory.
func DefaultOptions() Options {
	return Options{
		Nodes:      1,
		NodeMemory: DefaultNodeMemory,
		CPUs:       1,
		Tunables:   DefaultTunables(),
	}
}

// SMPOptions returns a machine of nodes nodes of nodeMiB MiB each, with
// cpus CPUs spread over them.
func SMPOptions(nodes, cpus, nodeMiB int) Options {
	opts := DefaultOptions()
	opts.Nodes = nodes
	opts.CPUs = cpus
	opts.NodeMemory = nodeMiB * format.MiB
	return opts
}

func (o *Options) setDefaults() error {
	if o.Nodes == 0 {
		o.Nodes = 1
	}
	if o.CPUs == 0 {
		o.CPUs = 1
	}
	if o.NodeMemory == 0 {
		o.NodeMemory = DefaultNodeMemory
	}
	if o.KernelReserve == 0 {
		o.KernelReserve = DefaultKernelReserve
	}
	if o.KernelReserve < 0 {
		o.KernelReserve = 0
	}
	if o.PerCPUStatic == 0 {
		o.PerCPUStatic = DefaultPerCPUStatic
	}
	if o.PerCPUDynamic == 0 {
		o.PerCPUDynamic = DefaultPerCPUDynamic
	}
	if o.DiagCapacity == 0 {
		o.DiagCapacity = diag.DefaultCapacity
	}

	if err := o.Tunables.Validate(); err != nil {
		return err
	}
	maxOrder := o.Tunables.MaxOrder
	if maxOrder == 0 {
		maxOrder = types.DefaultMaxOrder
	}
	block := format.PageSize << (maxOrder - 1)
	switch {
	case o.Nodes < 0 || o.CPUs < 0:
		return fmt.Errorf("%w: %d nodes, %d cpus", ErrBadOptions, o.Nodes, o.CPUs)
	case o.CPUs < o.Nodes:
		return fmt.Errorf("%w: %d cpus cannot cover %d nodes", ErrBadOptions, o.CPUs, o.Nodes)
	case o.NodeMemory <= 0 || o.NodeMemory%block != 0:
		return fmt.Errorf("%w: node memory %d is not a multiple of %d", ErrBadOptions, o.NodeMemory, block)
	case o.KernelReserve >= o.NodeMemory:
		return fmt.Errorf("%w: kernel reserve %d fills node 0", ErrBadOptions, o.KernelReserve)
	case o.PerCPUStatic < 0 || o.PerCPUDynamic < 0:
		return fmt.Errorf("%w: negative per-CPU size", ErrBadOptions)
	case o.DiagCapacity < 0:
		return fmt.Errorf("%w: negative diagnostic capacity", ErrBadOptions)
	}
	return nil
}
