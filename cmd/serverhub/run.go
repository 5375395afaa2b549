package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/daemon"
	"github.com/eliteGoblin/serverhub/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run in the foreground: resync on registry changes and watch servers",
	Long: `Adopts servers started earlier, syncs every platform, then resyncs
whenever the registry changes and periodically checks each local server.
Stops on SIGINT or SIGTERM. Servers keep running afterwards unless
--stop-on-exit is given.`,
	Args: exactArgs(0),
	RunE: runRun,
}

var (
	metricsAddr string
	stopOnExit  bool
)

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	runCmd.Flags().BoolVar(&stopOnExit, "stop-on-exit", false, "Stop supervised servers on shutdown")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	runner := daemon.NewRunner(daemon.RunnerConfig{
		RegistryPath:     a.registry.Path(),
		Debounce:         a.cfg.Watch.Debounce,
		LivenessInterval: a.cfg.Watch.LivenessInterval,
		MetricsAddr:      metricsAddr,
		StopOnExit:       stopOnExit,
		StopTimeout:      a.cfg.Process.StopTimeout,
	}, a.syncer, a.registry, a.supervisor, a.logger)

	fmt.Fprintf(cmd.OutOrStdout(), "serverhub running (data dir %s, log %s)\n", a.cfg.DataDir, a.cfg.ToolLogPath())
	return runner.Run(cmd.Context())
}
