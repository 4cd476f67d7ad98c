package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/turnstile-uxkit/pkg/retry"
)

var (
	backoffMin   time.Duration
	backoffMax   time.Duration
	backoffSteps int
)

var backoffCmd = &cobra.Command{
	Use:   "backoff",
	Short: "Preview the automatic retry delay sequence",
	Long: `Print the delay before each automatic retry for the given bounds. Only the
first attempts are used by the widget; the rest show where the cap kicks in.`,
	RunE: runBackoff,
}

func init() {
	rootCmd.AddCommand(backoffCmd)

	defaults := retry.DefaultOptions()
	backoffCmd.Flags().DurationVar(&backoffMin, "min", defaults.Min, "first delay")
	backoffCmd.Flags().DurationVar(&backoffMax, "max", defaults.Max, "delay cap")
	backoffCmd.Flags().IntVar(&backoffSteps, "steps", 8, "number of delays to print")
}

type backoffRow struct {
	Attempt int    `json:"attempt" yaml:"attempt"`
	DelayMS int64  `json:"delay_ms" yaml:"delay_ms"`
	Delay   string `json:"delay" yaml:"delay"`
	Used    bool   `json:"used" yaml:"used"`
}

func runBackoff(cmd *cobra.Command, args []string) error {
	if backoffMin <= 0 || backoffMax < backoffMin {
		return fmt.Errorf("need 0 < min <= max, got min=%s max=%s", backoffMin, backoffMax)
	}
	if backoffSteps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", backoffSteps)
	}
	out := cmd.OutOrStdout()

	h := retry.NewHandler(retry.Options{Min: backoffMin, Max: backoffMax, MaxAttempts: retry.DefaultMaxAttempts})
	rows := make([]backoffRow, 0, backoffSteps)
	for i := 1; i <= backoffSteps; i++ {
		d := h.NextDelay()
		rows = append(rows, backoffRow{
			Attempt: i,
			DelayMS: d.Milliseconds(),
			Delay:   d.String(),
			Used:    i <= h.MaxAttempts(),
		})
	}

	if done, err := printStructured(out, rows); done {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Attempt", "Delay", "Used")
	for _, row := range rows {
		table.Append(strconv.Itoa(row.Attempt), row.Delay, strconv.FormatBool(row.Used))
	}
	table.Render()
	return nil
}
