package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/handlers"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler and queue status of a running agent",
	Example: `  edge status
  edge status --output yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := controlClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, st, func(tw *tabwriter.Writer) {
			writeStatusTable(tw, st)
		})
	},
}

var (
	pauseCmd = &cobra.Command{
		Use:   "pause",
		Short: "Pause uploads",
		RunE:  controlCommand("pause"),
	}

	resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "Resume uploads",
		RunE:  controlCommand("resume"),
	}

	networkRestoredCmd = &cobra.Command{
		Use:   "network-restored",
		Short: "Report that connectivity is back and schedule an upload",
		RunE:  controlCommand("network-restored"),
	}
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(networkRestoredCmd)
}

func controlCommand(name string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c := controlClient()
		var (
			st  *models.SchedulerStatus
			err error
		)
		switch name {
		case "pause":
			st, err = c.Pause(cmd.Context())
		case "resume":
			st, err = c.Resume(cmd.Context())
		default:
			st, err = c.NetworkRestored(cmd.Context())
		}
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, st, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "STATE\t%s\n", st.State)
			fmt.Fprintf(tw, "PENDING\t%d\n", st.PendingCount)
		})
	}
}

func writeStatusTable(tw *tabwriter.Writer, st *handlers.StatusResponse) {
	s := st.Scheduler
	fmt.Fprintf(tw, "STATE\t%s\n", s.State)
	fmt.Fprintf(tw, "PENDING\t%d\n", s.PendingCount)
	if s.RateLimitedUntil != nil {
		fmt.Fprintf(tw, "RATE LIMITED UNTIL\t%s\n", s.RateLimitedUntil.Format(time.RFC3339))
	}
	if s.NextAttemptAt != nil {
		fmt.Fprintf(tw, "NEXT ATTEMPT\t%s\n", s.NextAttemptAt.Format(time.RFC3339))
	}
	if s.LastError != "" {
		fmt.Fprintf(tw, "LAST ERROR\t%s\n", s.LastError)
	}
	if r := s.LastResult; r != nil {
		fmt.Fprintf(tw, "LAST FLUSH\t%d uploaded, %d failed, %d batches in %s\n",
			r.SuccessCount, r.FailedCount, r.Batches, r.Duration.Round(time.Millisecond))
	}
	q := st.Queue
	fmt.Fprintf(tw, "QUEUE\tpending=%d uploading=%d processed=%d dead_letter=%d\n",
		q.Pending, q.Uploading, q.Processed, q.DeadLetter)
}
