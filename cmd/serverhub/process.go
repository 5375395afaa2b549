package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a local server in the background",
	Long: `Starts a registered local server detached from this terminal and waits
until it is RUNNING (its health check passes, or it stays alive for the
start grace period). Output goes to the server's log files; see 'logs'.`,
	Args: exactArgs(1),
	RunE: runStartServer,
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a running local server",
	Long:  `Sends SIGTERM to the server's process group and SIGKILL after --timeout.`,
	Args:  exactArgs(1),
	RunE:  runStopServer,
}

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Print the tail of a server's stdout and stderr logs",
	Args:  exactArgs(1),
	RunE:  runLogs,
}

var (
	stopTimeout time.Duration
	logLines    int
)

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 0, "Grace period before SIGKILL (default process.stop_timeout)")
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines per stream")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(logsCmd)
}

func runStartServer(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	record, err := a.registry.Get(args[0])
	if err != nil {
		return err
	}
	if record.Kind == domain.KindRemote {
		return fmt.Errorf("%w: %s is a remote server; nothing to start", domain.ErrInvalid, record.Name)
	}

	h, err := a.supervisor.Start(cmd.Context(), record)
	if err != nil {
		return err
	}
	h, err = a.supervisor.WaitReady(cmd.Context(), record.Name, a.cfg.Process.StartTimeout)
	if err != nil {
		return fmt.Errorf("%s did not become ready: %w", record.Name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (pid %d, %s)\n", okColor("Started"), h.Name, h.PID, colorStatus(h.Status))
	fmt.Fprintf(cmd.OutOrStdout(), "Logs: %s\n", h.StdoutLog)
	return nil
}

func runStopServer(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	if _, err := a.registry.Get(args[0]); err != nil {
		return err
	}
	timeout := stopTimeout
	if timeout <= 0 {
		timeout = a.cfg.Process.StopTimeout
	}
	h, err := a.supervisor.Stop(cmd.Context(), args[0], timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", okColor("Stopped"), h.Name, colorStatus(h.Status))
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	if _, err := a.registry.Get(args[0]); err != nil {
		return err
	}
	stdout, stderr, err := a.supervisor.Logs(args[0], logLines)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, headingColor("==> stdout <=="))
	fmt.Fprint(w, stdout)
	fmt.Fprintln(w, headingColor("==> stderr <=="))
	fmt.Fprint(w, stderr)
	return nil
}
