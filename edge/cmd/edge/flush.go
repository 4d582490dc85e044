package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var flushBudget string

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Ask a running agent to upload pending events",
	Long: `Without --budget the agent schedules a background upload and returns at
once. With --budget the agent runs a budgeted flush, the way the OS
background-execution hook does, and the command prints its result.`,
	Example: `  edge flush
  edge flush --budget 25s --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, err := parseOptionalDuration(flushBudget)
		if err != nil {
			return fmt.Errorf("invalid --budget: %w", err)
		}
		resp, err := controlClient().Flush(cmd.Context(), budget)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, resp, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "SCHEDULED\t%t\n", resp.Scheduled)
			if r := resp.Result; r != nil {
				fmt.Fprintf(tw, "UPLOADED\t%d\n", r.SuccessCount)
				fmt.Fprintf(tw, "FAILED\t%d\n", r.FailedCount)
				fmt.Fprintf(tw, "BATCHES\t%d\n", r.Batches)
				fmt.Fprintf(tw, "EXPIRED\t%t\n", r.Expired)
			}
		})
	},
}

func init() {
	flushCmd.Flags().StringVar(&flushBudget, "budget", "", "run a budgeted flush of at most this duration (e.g. 25s)")
	rootCmd.AddCommand(flushCmd)
}
