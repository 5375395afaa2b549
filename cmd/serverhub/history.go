package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent operations, newest first",
	Args:  exactArgs(0),
	RunE:  runHistory,
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of entries to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	entries, err := a.journal.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history.")
		return nil
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"When", "Operation", "Target", "Platform", "Outcome", "Detail", "Backups"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.At.Local().Format(time.DateTime),
			e.Op,
			e.Target,
			e.Platform,
			colorOutcome(e.Outcome),
			e.Detail,
			strings.Join(e.Backups, "\n"),
		})
	}
	t.Render()
	return nil
}

func colorOutcome(o domain.JournalOutcome) string {
	switch o {
	case domain.OutcomeOK:
		return okColor(string(o))
	case domain.OutcomePartial:
		return warnColor(string(o))
	default:
		return errorColor(string(o))
	}
}
