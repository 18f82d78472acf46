package main

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newZoneInfoCmd())
}

func newZoneInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zoneinfo",
		Short: "Show zone sizes, watermarks and counters",
		Long: `The zoneinfo command prints, for every populated zone, its page counts,
watermarks, per-CPU list sizing, pageblock migrate types and allocation
counters.

Example:
  memctl zoneinfo
  memctl zoneinfo --warmup 2000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZoneInfo()
		},
	}
	return cmd
}

func runZoneInfo() error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	if jsonOut {
		return printJSON(sys.Pages().BuddyInfo())
	}
	if quiet {
		return nil
	}
	return sys.WriteZoneInfo(os.Stdout)
}
