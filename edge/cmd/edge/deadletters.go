package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var deadLetterLimit int

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List events that exhausted their retries or were rejected permanently",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := controlClient().DeadLetters(cmd.Context(), deadLetterLimit)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFmt, resp, func(tw *tabwriter.Writer) {
			fmt.Fprintln(tw, "ID\tTYPE\tSCOPE\tRETRIES\tCAPTURED\tLAST ERROR")
			for _, e := range resp.Events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.EventType, e.RequiredScope, e.RetryCount,
					e.CapturedAt.Format(time.RFC3339), truncate(e.LastError, 60))
			}
		})
	},
}

func init() {
	deadLettersCmd.Flags().IntVar(&deadLetterLimit, "limit", 50, "maximum number of dead letters to list")
	rootCmd.AddCommand(deadLettersCmd)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
