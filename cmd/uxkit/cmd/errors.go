package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

var errorsCmd = &cobra.Command{
	Use:   "errors [code...]",
	Short: "Show the error catalogue",
	Long: `Print the user-facing message, suggested action and retry policy for widget
error codes. Without arguments every known code is listed; unknown codes show
the generic fallback.`,
	RunE: runErrors,
}

func init() {
	rootCmd.AddCommand(errorsCmd)
}

type errorRow struct {
	Code      widgeterr.Code `json:"code" yaml:"code"`
	Message   string         `json:"message" yaml:"message"`
	Action    string         `json:"action" yaml:"action"`
	Retryable bool           `json:"retryable" yaml:"retryable"`
}

func runErrors(cmd *cobra.Command, args []string) error {
	codes := widgeterr.Known()
	if len(args) > 0 {
		codes = codes[:0]
		for _, arg := range args {
			codes = append(codes, widgeterr.Code(arg))
		}
	}

	out := cmd.OutOrStdout()
	rows := make([]errorRow, 0, len(codes))
	for _, code := range codes {
		d := widgeterr.Lookup(code)
		rows = append(rows, errorRow{
			Code:      code,
			Message:   d.Message,
			Action:    d.Action,
			Retryable: widgeterr.IsRetryable(code),
		})
	}

	if done, err := printStructured(out, rows); done {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Code", "Message", "Action", "Auto Retry")
	for _, row := range rows {
		table.Append(string(row.Code), row.Message, row.Action, strconv.FormatBool(row.Retryable))
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal codes: %d\n", len(rows))
	return nil
}
