// Package main is the CLI entry point for serverhub.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// Exit codes.
const (
	exitOK           = 0
	exitNotFound     = 1
	exitPrecondition = 2 // precondition failed, usage errors included
	exitPartial      = 3
	exitFatal        = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorColor("Error:"), err)
	}
	os.Exit(exitCode(err))
}

var rootCmd = &cobra.Command{
	Use:   "serverhub",
	Short: "Server registry and host config sync",
	Long: `serverhub tracks locally installed servers, writes their launch
descriptors into the config files of host applications (Claude Desktop,
Cursor, Windsurf, VS Code, Goose), supervises local processes and removes
servers again without disturbing anything else in those files.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupOutput,
}

var (
	configFile string
	dataDir    string
	logLevel   string
	noColor    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.serverhub)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
}

// errUsage marks bad flags or arguments.
var errUsage = errors.New("usage")

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrPartialFailure):
		return exitPartial
	case errors.Is(err, domain.ErrNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrInvalid),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConfirmationRequired),
		errors.Is(err, errUsage):
		return exitPrecondition
	default:
		return exitFatal
	}
}

// exactArgs is cobra.ExactArgs with usage errors mapped to exit code 2.
func exactArgs(n int) cobra.PositionalArgs {
	return usageArgs(cobra.ExactArgs(n))
}

func maxArgs(n int) cobra.PositionalArgs {
	return usageArgs(cobra.MaximumNArgs(n))
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return nil
	}
}
