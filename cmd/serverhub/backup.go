package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "List, restore and prune file backups",
	Long: `Every write to the registry or a platform config is preceded by a
backup. Backups are grouped by tag: "registry" or "platform-<id>".`,
}

var backupListCmd = &cobra.Command{
	Use:   "list [tag]",
	Short: "List backups, oldest first",
	Args:  maxArgs(1),
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-path>",
	Short: "Copy a backup back over its source file",
	Long: `Restores a backup over the file it was taken from. The current file is
backed up first, so a restore can itself be undone.`,
	Args: exactArgs(1),
	RunE: runBackupRestore,
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune <tag>",
	Short: "Delete the oldest backups for a tag",
	Args:  exactArgs(1),
	RunE:  runBackupPrune,
}

var pruneKeep int

func init() {
	backupPruneCmd.Flags().IntVar(&pruneKeep, "keep", 10, "Number of newest backups to keep")

	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	tag := ""
	if len(args) == 1 {
		tag = args[0]
	}
	records, err := a.backups.List(tag)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(w, "No backups.")
		return nil
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Tag", "Taken", "Source", "Size", "Backup"})
	for _, b := range records {
		size := humanBytes(b.SizeBytes)
		if !b.Existed {
			size = dimColor("absent")
		}
		t.AppendRow(table.Row{b.Tag, b.Timestamp.Local().Format(time.DateTime), b.SourcePath, size, b.Path})
	}
	t.Render()
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	rec, err := a.backups.Lookup(path)
	if err != nil {
		return err
	}
	snapshot, err := a.backups.Restore(rec)
	outcome := domain.OutcomeOK
	if err != nil {
		outcome = domain.OutcomeFailed
	}
	if jerr := a.journal.Record(cmd.Context(), domain.JournalEntry{
		Op:      "restore-backup",
		Target:  rec.SourcePath,
		Outcome: outcome,
		Detail:  "from " + rec.Path,
		Backups: nonEmpty(snapshot.Path),
	}); jerr != nil {
		a.logger.Warn("failed to record journal entry", zap.Error(jerr))
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if rec.Existed {
		fmt.Fprintf(w, "%s %s from %s\n", okColor("Restored"), rec.SourcePath, rec.Path)
	} else {
		fmt.Fprintf(w, "%s %s (it did not exist when backed up)\n", okColor("Removed"), rec.SourcePath)
	}
	if snapshot.Path != "" {
		fmt.Fprintf(w, "Previous contents saved to %s\n", snapshot.Path)
	}
	return nil
}

func runBackupPrune(cmd *cobra.Command, args []string) error {
	if pruneKeep < 0 {
		return fmt.Errorf("%w: --keep must be >= 0", errUsage)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	n, err := a.backups.Prune(args[0], pruneKeep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d backup(s) for %s\n", n, args[0])
	return nil
}

func nonEmpty(s ...string) []string {
	var out []string
	for _, v := range s {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
