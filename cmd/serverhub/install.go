package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/usecase"
)

var installCmd = &cobra.Command{
	Use:   "install <name>",
	Short: "Register a server and sync it into host applications",
	Long: `Registers a server and writes its launch descriptor into every platform
given with --platform. Kind and mode are inferred when omitted: --endpoint
means a remote server, --image a container, anything else a local process.

Secrets given with --secret are stored encrypted and never written to the
registry file.`,
	Example: `  serverhub install echo --command /usr/local/bin/echo-server --arg --stdio --platform cursor
  serverhub install search --endpoint https://mcp.example.com/mcp --platform claude-desktop --start`,
	Args: exactArgs(1),
	RunE: runInstall,
}

type installFlags struct {
	kind         string
	mode         string
	path         string
	endpoint     string
	command      string
	args         []string
	image        string
	env          []string
	secrets      []string
	platforms    []string
	meta         []string
	health       string
	replace      bool
	start        bool
	probeTimeout time.Duration
	dryRun       bool
}

var installOpts installFlags

func init() {
	f := installCmd.Flags()
	f.StringVar(&installOpts.kind, "kind", "", "LOCAL or REMOTE")
	f.StringVar(&installOpts.mode, "mode", "", "PROCESS, CONTAINER or REMOTE_ENDPOINT")
	f.StringVar(&installOpts.path, "path", "", "Install path (local servers)")
	f.StringVar(&installOpts.endpoint, "endpoint", "", "Endpoint URL (remote servers)")
	f.StringVar(&installOpts.command, "command", "", "Executable (process servers)")
	f.StringArrayVar(&installOpts.args, "arg", nil, "Command argument (repeatable)")
	f.StringVar(&installOpts.image, "image", "", "Container image (container servers)")
	f.StringArrayVar(&installOpts.env, "env", nil, "Environment variable K=V (repeatable)")
	f.StringArrayVar(&installOpts.secrets, "secret", nil, "Secret environment variable K=V, stored encrypted (repeatable)")
	f.StringArrayVar(&installOpts.platforms, "platform", nil, "Platform to enable (repeatable)")
	f.StringArrayVar(&installOpts.meta, "meta", nil, "Metadata K=V (repeatable)")
	f.StringVar(&installOpts.health, "health", "", "Health check URL (tcp://host:port or http(s)://...)")
	f.BoolVar(&installOpts.replace, "replace", false, "Replace an existing registration")
	f.BoolVar(&installOpts.start, "start", false, "Start the server (or probe a remote endpoint) after install")
	f.DurationVar(&installOpts.probeTimeout, "probe-timeout", 30*time.Second, "How long --start waits for the server to become ready")
	f.BoolVar(&installOpts.dryRun, "dry-run", false, "Show what would change without writing anything")

	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	record, err := buildRecord(args[0], installOpts)
	if err != nil {
		return err
	}
	secrets, err := parseKV("--secret", installOpts.secrets)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	res, err := a.syncer.Install(cmd.Context(), record, usecase.InstallOptions{
		Secrets:      secrets,
		Replace:      installOpts.replace,
		Start:        installOpts.start,
		ProbeTimeout: installOpts.probeTimeout,
		DryRun:       installOpts.dryRun,
	})
	if res == nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch {
	case res.DryRun:
		fmt.Fprintf(w, "%s would install %s\n", warnColor("Dry run:"), record.Name)
	case res.Replaced:
		fmt.Fprintf(w, "%s %s\n", okColor("Replaced"), record.Name)
	default:
		fmt.Fprintf(w, "%s %s\n", okColor("Installed"), record.Name)
	}
	if len(res.Sync) > 0 {
		printSyncResults(w, res.Sync)
	}
	if res.Backup != nil {
		printBackups(w, []domain.BackupRecord{*res.Backup})
	}
	if res.Process != nil {
		fmt.Fprintf(w, "Process: %s (pid %d)\n", colorStatus(res.Process.Status), res.Process.PID)
	}
	if res.Probed {
		fmt.Fprintf(w, "Endpoint %s answered\n", record.Endpoint)
	}
	return err
}

// buildRecord turns install flags into a record, inferring kind and mode.
func buildRecord(name string, f installFlags) (domain.ServerRecord, error) {
	record := domain.ServerRecord{
		Name:        name,
		Kind:        domain.ServerKind(strings.ToUpper(f.kind)),
		InstallPath: f.path,
		Endpoint:    f.endpoint,
		Command:     f.command,
		Args:        f.args,
		Image:       f.image,
		HealthCheck: f.health,
	}
	switch strings.ToUpper(f.mode) {
	case "":
	case "REMOTE", string(domain.ModeRemoteEndpoint):
		record.ExecutionMode = domain.ModeRemoteEndpoint
	default:
		record.ExecutionMode = domain.ExecutionMode(strings.ToUpper(f.mode))
	}

	if record.Kind == "" {
		if f.endpoint != "" || record.ExecutionMode == domain.ModeRemoteEndpoint {
			record.Kind = domain.KindRemote
		} else {
			record.Kind = domain.KindLocal
		}
	}
	if record.ExecutionMode == "" {
		switch {
		case record.Kind == domain.KindRemote:
			record.ExecutionMode = domain.ModeRemoteEndpoint
		case f.image != "":
			record.ExecutionMode = domain.ModeContainer
		default:
			record.ExecutionMode = domain.ModeProcess
		}
	}

	var err error
	if record.Env, err = parseKV("--env", f.env); err != nil {
		return record, err
	}
	if record.Metadata, err = parseKV("--meta", f.meta); err != nil {
		return record, err
	}
	if len(f.platforms) > 0 {
		record.PlatformEnablement = make(map[domain.PlatformID]bool, len(f.platforms))
		for _, p := range f.platforms {
			record.PlatformEnablement[domain.PlatformID(p)] = true
		}
	}
	return record, record.Validate()
}

// parseKV parses repeated K=V flags. It returns nil for no pairs.
func parseKV(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %s %q is not K=V", errUsage, flag, p)
		}
		out[k] = v
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
