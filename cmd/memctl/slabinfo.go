package main

import (
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmemkit/pkg/kmem"
)

var (
	slabStats  bool
	slabFilter string
)

func init() {
	cmd := newSlabInfoCmd()
	cmd.Flags().BoolVar(&slabStats, "stats", false, "Also print each cache's event counters")
	cmd.Flags().StringVar(&slabFilter, "name", "", "Only show caches whose name contains this string")
	rootCmd.AddCommand(cmd)
}

func newSlabInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slabinfo",
		Short: "Show slab cache geometry and occupancy",
		Long: `The slabinfo command prints one line per slab cache in the layout of
/proc/slabinfo. Merged caches are marked with '*'.

Example:
  memctl slabinfo
  memctl slabinfo --warmup 5000 --name kmalloc --stats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlabInfo()
		},
	}
	return cmd
}

func runSlabInfo() error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	snap, err := sys.Snapshot()
	if err != nil {
		return err
	}
	var caches []kmem.CacheSnapshot
	for _, c := range snap.Caches {
		if strings.Contains(c.Name, slabFilter) {
			caches = append(caches, c)
		}
	}

	if jsonOut {
		return printJSON(caches)
	}
	if quiet {
		return nil
	}
	if slabFilter == "" {
		if err := sys.WriteSlabInfo(os.Stdout); err != nil {
			return err
		}
	} else {
		printInfo("%-20s %10s %10s %8s %6s %6s\n", "name", "active", "objects", "size", "order", "slabs")
		for _, c := range caches {
			printInfo("%-20s %10d %10d %8d %6d %6d\n", c.Name, c.ActiveObjects, c.Objects, c.Size, c.Order, c.Slabs)
		}
	}

	if slabStats {
		for _, c := range caches {
			if len(c.Stats) == 0 {
				continue
			}
			printInfo("\n%s:\n", c.Name)
			names := make([]string, 0, len(c.Stats))
			for name := range c.Stats {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				printInfo("  %-24s %d\n", name, c.Stats[name])
			}
		}
	}
	return nil
}
