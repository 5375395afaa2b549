package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/daemon"
	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/usecase"
)

var syncCmd = &cobra.Command{
	Use:   "sync [platform]",
	Short: "Write registered servers into host config files",
	Long: `Reconciles every platform (or just the one named) with the registry:
enabled servers are added or updated, servers disabled for a platform are
removed, and everything else in the file is left alone. Entries the registry
does not know about are reported as orphans but never touched.

With --watch, sync keeps running and resyncs whenever the registry changes.`,
	Args: maxArgs(1),
	RunE: runSync,
}

var (
	syncDryRun bool
	syncWatch  bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Show a diff of each document without writing")
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep running and resync on registry changes")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncWatch && syncDryRun {
		return fmt.Errorf("%w: --watch and --dry-run are mutually exclusive", errUsage)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	var id domain.PlatformID
	if len(args) == 1 {
		id = domain.PlatformID(args[0])
	}

	if syncWatch {
		if id != "" {
			return fmt.Errorf("%w: --watch syncs every platform", errUsage)
		}
		runner := daemon.NewRunner(daemon.RunnerConfig{
			RegistryPath: a.registry.Path(),
			Debounce:     a.cfg.Watch.Debounce,
			StopTimeout:  a.cfg.Process.StopTimeout,
		}, a.syncer, a.registry, nil, a.logger)
		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl-C to stop)\n", a.registry.Path())
		return runner.Run(cmd.Context())
	}

	results, err := a.syncer.Sync(cmd.Context(), id, usecase.SyncOptions{DryRun: syncDryRun})
	if len(results) > 0 {
		printSyncResults(cmd.OutOrStdout(), results)
	}
	return err
}
