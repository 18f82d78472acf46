package main

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBuddyInfoCmd())
}

func newBuddyInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buddyinfo",
		Short: "Show free blocks per order for every zone",
		Long: `The buddyinfo command prints one line per populated zone with the
number of free blocks of each order, in the layout of /proc/buddyinfo.

Example:
  memctl buddyinfo --nodes 2 --cpus 2
  memctl buddyinfo --warmup 10000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuddyInfo()
		},
	}
	return cmd
}

type buddyZone struct {
	Node   int    `json:"node"`
	Zone   string `json:"zone"`
	NrFree []int  `json:"nr_free"`
}

func runBuddyInfo() error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer sys.Close()

	if jsonOut {
		var out []buddyZone
		for _, z := range sys.Pages().BuddyInfo() {
			out = append(out, buddyZone{Node: int(z.Node), Zone: z.Zone, NrFree: z.NrFree})
		}
		return printJSON(out)
	}
	if quiet {
		return nil
	}
	return sys.WriteBuddyInfo(os.Stdout)
}
