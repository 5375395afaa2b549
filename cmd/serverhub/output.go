package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

var (
	okColor      = color.New(color.FgGreen).SprintFunc()
	warnColor    = color.New(color.FgYellow).SprintFunc()
	errorColor   = color.New(color.FgRed, color.Bold).SprintFunc()
	dimColor     = color.New(color.Faint).SprintFunc()
	headingColor = color.New(color.Bold).SprintFunc()
)

// setupOutput disables color for --no-color and for non-terminal stdout.
func setupOutput(cmd *cobra.Command, args []string) error {
	fd := os.Stdout.Fd()
	if noColor || (!isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)) {
		color.NoColor = true
	}
	return nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func colorStatus(s domain.ProcessStatus) string {
	switch s {
	case domain.StatusRunning:
		return okColor(string(s))
	case domain.StatusError:
		return errorColor(string(s))
	case domain.StatusStarting, domain.StatusStopping:
		return warnColor(string(s))
	case "":
		return dimColor("-")
	default:
		return dimColor(string(s))
	}
}

func colorStep(s domain.StepStatus) string {
	switch s {
	case domain.StepOK:
		return okColor(string(s))
	case domain.StepFailed:
		return errorColor(string(s))
	case domain.StepSkipped:
		return dimColor(string(s))
	default:
		return warnColor(string(s))
	}
}

func yesNo(b bool) string {
	if b {
		return okColor("yes")
	}
	return dimColor("no")
}

// printImpact lists everything a removal would touch.
func printImpact(w io.Writer, imp *domain.RemovalImpact) {
	fmt.Fprintf(w, "%s %s\n", headingColor("Impact for"), imp.Name)
	if imp.InRegistry {
		fmt.Fprintf(w, "  Registry:  %s (%s, %s)\n", okColor("registered"), imp.Record.Kind, imp.Record.ExecutionMode)
	} else {
		fmt.Fprintf(w, "  Registry:  %s\n", dimColor("not registered"))
	}
	if imp.Process.Status != "" && imp.Process.Status != domain.StatusStopped {
		fmt.Fprintf(w, "  Process:   %s (pid %d)\n", colorStatus(imp.Process.Status), imp.Process.PID)
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Platform", "Installed", "Enabled", "Has entry", "Note"})
	for _, ref := range imp.Platforms {
		note := ""
		if ref.Err != nil {
			note = errorColor(ref.Err.Error())
		}
		t.AppendRow(table.Row{ref.Platform, yesNo(ref.Present), yesNo(ref.Enabled), yesNo(ref.Referenced), note})
	}
	t.Render()

	if len(imp.Artifacts) == 0 {
		fmt.Fprintln(w, "  Files:     none")
		return
	}
	fmt.Fprintf(w, "  Files:     %d, %s reclaimable\n", len(imp.Artifacts), humanBytes(imp.ReclaimableBytes))
	for _, f := range imp.Artifacts {
		fmt.Fprintf(w, "    %-8s %10s  %s\n", f.Kind, humanBytes(f.SizeBytes), f.Path)
	}
}

// printRemovalResult reports the steps taken, backups created and anything
// left behind.
func printRemovalResult(w io.Writer, res *domain.RemovalResult) {
	if res == nil {
		return
	}
	if res.DryRun {
		fmt.Fprintln(w, warnColor("Dry run: nothing was changed."))
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Step", "Target", "Status", "Detail"})
	for _, s := range res.Steps {
		detail := s.Reason
		if s.Err != nil {
			detail = s.Err.Error()
		}
		t.AppendRow(table.Row{s.Step, s.Target, colorStep(s.Status), detail})
	}
	t.Render()

	printBackups(w, res.Backups)
	if res.Cleanup != nil {
		verb := "Freed"
		if res.Cleanup.DryRun {
			verb = "Would free"
		}
		fmt.Fprintf(w, "%s %s in %d file(s)\n", verb, humanBytes(res.Cleanup.FreedBytes), len(res.Cleanup.Deleted))
		for _, s := range res.Cleanup.Skipped {
			fmt.Fprintf(w, "  %s %s: %s\n", dimColor("kept"), s.Path, s.Reason)
		}
	}
	for _, msg := range res.Warnings {
		fmt.Fprintf(w, "%s %s\n", warnColor("Warning:"), msg)
	}
}

func printBackups(w io.Writer, backups []domain.BackupRecord) {
	if len(backups) == 0 {
		return
	}
	fmt.Fprintln(w, "Backups:")
	for _, b := range backups {
		fmt.Fprintf(w, "  %s -> %s\n", b.SourcePath, b.Path)
	}
}

// printSyncResults prints one line per platform plus any dry-run previews.
func printSyncResults(w io.Writer, results []domain.PlatformSyncResult) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Platform", "Result", "Added", "Updated", "Removed", "Orphans"})
	for _, r := range results {
		t.AppendRow(table.Row{
			r.Platform,
			syncOutcome(r),
			strings.Join(r.Added, ", "),
			strings.Join(r.Updated, ", "),
			strings.Join(r.Removed, ", "),
			strings.Join(r.Orphans, ", "),
		})
	}
	t.Render()

	var backups []domain.BackupRecord
	for _, r := range results {
		if r.Backup != nil {
			backups = append(backups, *r.Backup)
		}
		if r.Preview != "" {
			fmt.Fprintf(w, "\n%s %s\n%s", headingColor("---"), r.ConfigPath, r.Preview)
		}
	}
	printBackups(w, backups)
}

func syncOutcome(r domain.PlatformSyncResult) string {
	switch {
	case r.Skipped:
		return dimColor("skipped: " + r.SkipReason)
	case r.Err != nil:
		return errorColor("failed: " + r.Err.Error())
	case !r.Changed():
		return dimColor("unchanged")
	case r.DryRun:
		return warnColor("would write")
	default:
		return okColor("written")
	}
}
