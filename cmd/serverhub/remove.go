package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/usecase"
)

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove servers from platforms, the registry or entirely",
	Long: `Every remove command prints what it would touch first. Nothing changes
unless --yes is given; --dry-run walks through the same steps without writing.
Every file is backed up before it is modified.`,
}

var removeServerCmd = &cobra.Command{
	Use:   "server <name>",
	Short: "Stop a server, remove it from every platform, unregister it and delete its files",
	Args:  exactArgs(1),
	RunE:  runRemoveServer,
}

var removeFromPlatformCmd = &cobra.Command{
	Use:   "from-platform <name> <platform>",
	Short: "Remove a server's entry from one platform's config",
	Long: `Removes the entry from one platform's config file. The registry keeps
the server; unless --disable is given the next sync writes the entry back.`,
	Args: exactArgs(2),
	RunE: runRemoveFromPlatform,
}

var removeFromRegistryCmd = &cobra.Command{
	Use:   "from-registry <name>",
	Short: "Unregister a server, leaving platform configs alone",
	Args:  exactArgs(1),
	RunE:  runRemoveFromRegistry,
}

var removeOrphanedCmd = &cobra.Command{
	Use:   "orphaned [platform]",
	Short: "Remove platform entries no enabled server accounts for",
	Args:  maxArgs(1),
	RunE:  runRemoveOrphaned,
}

var orphansCmd = &cobra.Command{
	Use:   "orphans [platform]",
	Short: "List platform entries no enabled server accounts for",
	Args:  maxArgs(1),
	RunE:  runOrphans,
}

var impactCmd = &cobra.Command{
	Use:   "impact <name>",
	Short: "Show everything a removal of a server would touch",
	Args:  exactArgs(1),
	RunE:  runImpact,
}

var (
	removeYes          bool
	removeDryRun       bool
	removeForce        bool
	removeKeepFiles    bool
	removeDisable      bool
	removeCleanupFiles bool
)

func init() {
	for _, c := range []*cobra.Command{removeServerCmd, removeFromPlatformCmd, removeFromRegistryCmd, removeOrphanedCmd} {
		c.Flags().BoolVarP(&removeYes, "yes", "y", false, "Apply without asking")
		c.Flags().BoolVar(&removeDryRun, "dry-run", false, "Show the steps without changing anything")
	}
	removeServerCmd.Flags().BoolVar(&removeForce, "force", false, "Stop the server first if it is running")
	removeServerCmd.Flags().BoolVar(&removeKeepFiles, "keep-files", false, "Keep logs and runtime files")
	removeFromPlatformCmd.Flags().BoolVar(&removeDisable, "disable", false, "Also disable the platform in the registry so sync does not re-add it")
	removeFromRegistryCmd.Flags().BoolVar(&removeCleanupFiles, "cleanup-files", false, "Also delete logs and runtime files")

	removeCmd.AddCommand(removeServerCmd)
	removeCmd.AddCommand(removeFromPlatformCmd)
	removeCmd.AddCommand(removeFromRegistryCmd)
	removeCmd.AddCommand(removeOrphanedCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(impactCmd)
}

// confirmed reports whether a destructive command may proceed.
func confirmed() error {
	if removeYes || removeDryRun {
		return nil
	}
	return fmt.Errorf("%w: re-run with --yes to apply or --dry-run to preview", domain.ErrConfirmationRequired)
}

func runRemoveServer(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	imp, err := a.remover.Impact(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printImpact(w, imp)
	if imp.Running && !removeForce {
		fmt.Fprintf(w, "%s %s is running; --force stops it first\n", warnColor("Note:"), imp.Name)
	}
	if err := confirmed(); err != nil {
		return err
	}

	res, err := a.remover.RemoveComplete(cmd.Context(), args[0], usecase.CompleteRemovalOptions{
		Force:     removeForce,
		KeepFiles: removeKeepFiles,
		DryRun:    removeDryRun,
	})
	printRemovalResult(w, res)
	return err
}

func runRemoveFromPlatform(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	imp, err := a.remover.Impact(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printImpact(w, imp)
	if err := confirmed(); err != nil {
		return err
	}

	res, err := a.remover.RemoveFromPlatform(cmd.Context(), args[0], domain.PlatformID(args[1]), usecase.PlatformRemovalOptions{
		DryRun:  removeDryRun,
		Disable: removeDisable,
	})
	printRemovalResult(w, res)
	return err
}

func runRemoveFromRegistry(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	imp, err := a.remover.Impact(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printImpact(w, imp)
	if err := confirmed(); err != nil {
		return err
	}

	res, err := a.remover.RemoveFromRegistry(cmd.Context(), args[0], usecase.RegistryRemovalOptions{
		CleanupFiles: removeCleanupFiles,
		DryRun:       removeDryRun,
	})
	printRemovalResult(w, res)
	return err
}

func runRemoveOrphaned(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	id := optionalPlatform(args)
	w := cmd.OutOrStdout()
	found, err := a.remover.FindOrphans(cmd.Context(), id)
	printOrphans(w, found)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}
	if err := confirmed(); err != nil {
		return err
	}

	res, err := a.remover.RemoveOrphans(cmd.Context(), id, removeDryRun)
	printRemovalResult(w, res)
	return err
}

func runOrphans(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	found, err := a.remover.FindOrphans(cmd.Context(), optionalPlatform(args))
	printOrphans(cmd.OutOrStdout(), found)
	return err
}

func runImpact(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	imp, err := a.remover.Impact(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printImpact(cmd.OutOrStdout(), imp)
	return nil
}

func optionalPlatform(args []string) domain.PlatformID {
	if len(args) == 0 {
		return ""
	}
	return domain.PlatformID(args[0])
}

func printOrphans(w io.Writer, found map[domain.PlatformID][]string) {
	if len(found) == 0 {
		fmt.Fprintln(w, "No orphaned entries.")
		return
	}
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	t := newTable(w)
	t.AppendHeader(table.Row{"Platform", "Orphaned entries"})
	for _, id := range ids {
		t.AppendRow(table.Row{id, strings.Join(found[domain.PlatformID(id)], ", ")})
	}
	t.Render()
}
