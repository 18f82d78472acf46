package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmemkit/pkg/kmem"
)

var (
	// Global flags
	verbose   bool
	quiet     bool
	jsonOut   bool
	memoryMiB int
	nodes     int
	cpus      int
	debugMode bool
	seed      uint64
	warmupOps int
)

var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "Inspect and exercise a simulated kernel memory allocator",
	Long: `memctl boots a simulated machine (NUMA nodes, CPUs and physical memory)
with a zoned buddy page allocator, per-CPU page lists, the SLUB slab
allocator and kmalloc, then reports on it or puts it under load.

Every invocation boots a fresh machine. Use --warmup to run a workload
before a report so that it shows a used system.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and allocator logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	flags.BoolVar(&jsonOut, "json", false, "Output in JSON format")
	flags.IntVar(&memoryMiB, "memory", 128, "Total memory in MiB, split evenly over the nodes")
	flags.IntVar(&nodes, "nodes", 1, "Number of NUMA nodes")
	flags.IntVar(&cpus, "cpus", 2, "Number of CPUs, spread round-robin over the nodes")
	flags.BoolVar(&debugMode, "debug", false, "Boot with every allocator consistency check enabled")
	flags.Uint64Var(&seed, "seed", 1, "Seed for workloads and freelist randomization")
	flags.IntVar(&warmupOps, "warmup", 0, "Run this many stress operations per CPU before reporting")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// bootOptions turns the global flags into a machine description.
func bootOptions() (kmem.Options, error) {
	if nodes <= 0 || cpus <= 0 || memoryMiB <= 0 {
		return kmem.Options{}, fmt.Errorf("--nodes, --cpus and --memory must be positive")
	}
	if memoryMiB%nodes != 0 {
		return kmem.Options{}, fmt.Errorf("--memory %d does not split evenly over %d nodes", memoryMiB, nodes)
	}
	opts := kmem.SMPOptions(nodes, cpus, memoryMiB/nodes)
	opts.Seed = seed
	if debugMode {
		opts.Tunables = kmem.DebugTunables()
	}
	if verbose {
		opts.Log = &kmem.LogOptions{Enabled: true, Output: os.Stderr, Level: slog.LevelInfo}
	}
	return opts, nil
}

// bootSystem boots the machine described by the global flags and runs the
// warmup workload.
func bootSystem() (*kmem.System, error) {
	opts, err := bootOptions()
	if err != nil {
		return nil, err
	}
	printVerbose("Booting %d node(s), %d cpu(s), %d MiB\n", nodes, cpus, memoryMiB)
	sys, err := kmem.Boot(opts)
	if err != nil {
		return nil, fmt.Errorf("boot failed: %w", err)
	}
	if warmupOps > 0 {
		printVerbose("Warming up with %d operations per cpu\n", warmupOps)
		if _, err := sys.RunStress(context.Background(), kmem.StressOptions{Ops: warmupOps, Seed: seed}); err != nil {
			_ = sys.Close()
			return nil, fmt.Errorf("warmup failed: %w", err)
		}
	}
	return sys, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
