package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/seeder"
)

var (
	seedCount      int
	seedScope      string
	seedTypes      string
	seedTimeSpread string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Enqueue synthetic events into a running agent",
	Long: `Generate realistic device events and submit them through the control API.
Events pass through the same validation and consent gate as real ones.`,
	Example: `  edge seed --count 200 --scope analytics
  edge seed --types tap,crash --time-spread 1h`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "number of events to enqueue")
	seedCmd.Flags().StringVar(&seedScope, "scope", "analytics", "consent scope required by the events")
	seedCmd.Flags().StringVar(&seedTypes, "types", "", "comma-separated event types (default: all of "+strings.Join(seeder.EventTypes(), ",")+")")
	seedCmd.Flags().StringVar(&seedTimeSpread, "time-spread", "", "spread capture times backwards over this duration")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	if seedCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	spread, err := parseOptionalDuration(seedTimeSpread)
	if err != nil {
		return fmt.Errorf("invalid --time-spread: %w", err)
	}
	var types []string
	if seedTypes != "" {
		for _, t := range strings.Split(seedTypes, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	events, err := seeder.GenerateMixed(types, seedScope, seedCount, spread)
	if err != nil {
		return err
	}

	c := controlClient()
	counts := make(map[string]int)
	start := time.Now()
	for _, e := range events {
		resp, err := c.Enqueue(cmd.Context(), e)
		if err != nil {
			return fmt.Errorf("enqueue %s after %d events: %w", e.ID, len(counts), err)
		}
		counts[resp.Result]++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Seeded %d events in %s\n", len(events), time.Since(start).Round(time.Millisecond))
	for _, result := range []string{"accepted", "duplicate", "rejected_consent"} {
		if counts[result] > 0 {
			fmt.Fprintf(out, "  %-17s %d\n", result, counts[result])
		}
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}
