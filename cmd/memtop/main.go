package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/joshuapare/kmemkit/cmd/memtop/logger"
	"github.com/joshuapare/kmemkit/pkg/kmem"
)

const version = "0.1.0"

// Config is the machine and workload memtop runs.
type Config struct {
	Nodes      int
	CPUs       int
	MemoryMiB  int
	Debug      bool
	Seed       uint64
	Interval   time.Duration
	NoWorkload bool
	Logging    bool
	Stress     kmem.StressOptions
}

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Try 'memtop --help' for more information.\n")
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("memtop %s\n", version)
		return
	}

	if err := logger.Init(logger.Options{Enabled: cfg.Logging, Level: slog.LevelDebug}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to init logging: %v\n", err)
	}
	defer logger.Close()

	opts, err := cfg.bootOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	sys, err := kmem.Boot(opts)
	if err != nil {
		logger.L.Error("boot failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: boot failed: %v\n", err)
		os.Exit(1)
	}
	logger.L.Info("starting memtop", "nodes", cfg.Nodes, "cpus", cfg.CPUs, "memory_mib", cfg.MemoryMiB)

	p := tea.NewProgram(
		NewModel(sys, cfg),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	finalModel, err := p.Run()
	if err != nil {
		logger.L.Error("TUI error", "error", err)
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
	}
	if model, ok := finalModel.(Model); ok {
		if cerr := model.Close(); cerr != nil {
			logger.L.Warn("error closing system", "error", cerr)
		}
	} else {
		_ = sys.Close()
	}
	if err != nil {
		os.Exit(1)
	}
	logger.L.Info("memtop exited normally")
}

// parseFlags reads the command line into a Config.
func parseFlags(args []string) (cfg Config, showVersion bool, err error) {
	fs := pflag.NewFlagSet("memtop", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() { printHelp(fs) }

	fs.IntVar(&cfg.Nodes, "nodes", 1, "number of NUMA nodes")
	fs.IntVar(&cfg.CPUs, "cpus", 4, "number of CPUs, spread round-robin over the nodes")
	fs.IntVar(&cfg.MemoryMiB, "memory", 128, "total memory in MiB, split evenly over the nodes")
	fs.BoolVar(&cfg.Debug, "slub-debug", false, "boot with every allocator consistency check enabled")
	fs.Uint64Var(&cfg.Seed, "seed", 1, "seed for the workload and freelist randomization")
	fs.DurationVar(&cfg.Interval, "interval", time.Second, "refresh interval")
	fs.BoolVar(&cfg.NoWorkload, "no-workload", false, "start with the workload paused")
	fs.IntVar(&cfg.Stress.MaxHeld, "max-held", 512, "live allocations kept per CPU by the workload")
	fs.IntVar(&cfg.Stress.MaxKmalloc, "max-kmalloc", 16<<10, "largest kmalloc request of the workload")
	fs.IntVar(&cfg.Stress.MaxPageOrder, "max-order", 3, "largest page order the workload allocates")
	fs.BoolVarP(&cfg.Logging, "debug", "d", false, "enable debug logging to ~/.memtop/logs/")
	fs.BoolVarP(&showVersion, "version", "v", false, "show version information")

	if err = fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if fs.NArg() > 0 {
		return cfg, false, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if cfg.Interval < 50*time.Millisecond {
		return cfg, false, fmt.Errorf("--interval %v is too short", cfg.Interval)
	}
	cfg.Stress.Seed = cfg.Seed
	return cfg, showVersion, nil
}

// bootOptions turns the Config into a machine description.
func (c Config) bootOptions() (kmem.Options, error) {
	if c.Nodes <= 0 || c.CPUs <= 0 || c.MemoryMiB <= 0 {
		return kmem.Options{}, fmt.Errorf("--nodes, --cpus and --memory must be positive")
	}
	if c.MemoryMiB%c.Nodes != 0 {
		return kmem.Options{}, fmt.Errorf("--memory %d does not split evenly over %d nodes", c.MemoryMiB, c.Nodes)
	}
	opts := kmem.SMPOptions(c.Nodes, c.CPUs, c.MemoryMiB/c.Nodes)
	opts.Seed = c.Seed
	if c.Debug {
		opts.Tunables = kmem.DebugTunables()
	}
	if c.Logging {
		opts.Log = &kmem.LogOptions{Enabled: true, Output: logger.Output, JSON: true, Level: slog.LevelDebug}
	}
	return opts, nil
}

func printHelp(fs *pflag.FlagSet) {
	fmt.Println("memtop - live view of a simulated kernel memory allocator")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  memtop [options]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Boots a simulated machine, runs a mixed allocation workload on every")
	fmt.Println("  CPU and shows buddy free lists and slab caches as they change.")
	fmt.Println()
	fmt.Println("  Keys:")
	fmt.Println("    Tab         Switch between the buddy and slab panes")
	fmt.Println("    ↑/k, ↓/j    Scroll the focused pane")
	fmt.Println("    p           Pause or resume the workload")
	fmt.Println("    s, v        Shrink caches, verify allocator state")
	fmt.Println("    c           Copy a snapshot to the clipboard")
	fmt.Println("    ?           Show help")
	fmt.Println("    q           Quit")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Print(fs.FlagUsages())
	fmt.Println()
	fmt.Println("For one-shot reports and verification, use the 'memctl' command instead.")
}
