package main

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Boot a machine and summarize its memory",
		Long: `The info command boots a machine and prints a summary of managed and
free memory, slab caches, per-CPU memory and recorded diagnostics.

Example:
  memctl info
  memctl info --nodes 2 --cpus 4 --memory 256
  memctl info --warmup 5000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo()
		},
	}
	return cmd
}

func runInfo() error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	if jsonOut {
		snap, err := sys.Snapshot()
		if err != nil {
			return err
		}
		return printJSON(snap)
	}
	if quiet {
		return nil
	}
	return sys.WriteSummary(os.Stdout)
}
