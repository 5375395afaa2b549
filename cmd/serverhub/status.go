package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/infra"
)

const probeTimeout = 5 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show registered servers, their platforms and process state",
	Long: `Without a name, prints one row per registered server with its process
state and its state in every platform:

  synced   enabled and present in the platform's config
  pending  enabled but not yet written (run sync)
  stale    present in the config but disabled in the registry

With a name, prints the full record.`,
	Args: maxArgs(1),
	RunE: runStatus,
}

var statusProbe bool

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Check that remote endpoints answer")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		return showServer(cmd.Context(), cmd.OutOrStdout(), a, args[0])
	}

	records, err := a.registry.List(domain.RecordFilter{})
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(w, "No servers registered. Run 'serverhub install' to add one.")
		return nil
	}

	adapters := a.platforms.All()
	entries := make(map[domain.PlatformID]map[string]domain.PlatformConfigEntry, len(adapters))
	header := table.Row{"Name", "Kind", "Mode", "State"}
	for _, ad := range adapters {
		header = append(header, ad.ID())
		if !ad.IsPresent() {
			continue
		}
		e, err := ad.ReadEntries()
		if err != nil {
			a.logger.Warn("failed to read platform config", zap.String("platform", string(ad.ID())), zap.Error(err))
			continue
		}
		entries[ad.ID()] = e
	}

	t := newTable(w)
	t.AppendHeader(header)
	for _, r := range records {
		row := table.Row{r.Name, r.Kind, r.ExecutionMode, processState(cmd.Context(), a, r)}
		for _, ad := range adapters {
			row = append(row, platformCell(r, ad, entries))
		}
		t.AppendRow(row)
	}
	t.Render()
	return nil
}

func processState(ctx context.Context, a *app, r domain.ServerRecord) string {
	if r.Kind != domain.KindRemote {
		return colorStatus(a.supervisor.Status(r.Name).Status)
	}
	if !statusProbe {
		return dimColor("remote")
	}
	if err := infra.ProbeRemote(ctx, r.Endpoint, probeTimeout); err != nil {
		a.logger.Debug("remote probe failed", zap.String("server", r.Name), zap.Error(err))
		return errorColor("UNREACHABLE")
	}
	return okColor("REACHABLE")
}

func platformCell(r domain.ServerRecord, ad domain.PlatformAdapter, entries map[domain.PlatformID]map[string]domain.PlatformConfigEntry) string {
	e, readable := entries[ad.ID()]
	_, present := e[r.Name]
	enabled := r.EnabledFor(ad.ID())
	switch {
	case !ad.IsPresent():
		if enabled {
			return dimColor("not installed")
		}
		return ""
	case !readable:
		return errorColor("unreadable")
	case enabled && present:
		return okColor("synced")
	case enabled:
		return warnColor("pending")
	case present:
		return warnColor("stale")
	default:
		return ""
	}
}

func showServer(ctx context.Context, w io.Writer, a *app, name string) error {
	r, err := a.registry.Get(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", headingColor("Server"), r.Name)
	fmt.Fprintf(w, "  Kind:      %s\n", r.Kind)
	fmt.Fprintf(w, "  Mode:      %s\n", r.ExecutionMode)
	if r.InstallPath != "" {
		fmt.Fprintf(w, "  Path:      %s\n", r.InstallPath)
	}
	if r.Endpoint != "" {
		fmt.Fprintf(w, "  Endpoint:  %s\n", r.Endpoint)
	}
	if r.Command != "" {
		fmt.Fprintf(w, "  Command:   %s %s\n", r.Command, strings.Join(r.Args, " "))
	}
	if r.Image != "" {
		fmt.Fprintf(w, "  Image:     %s\n", r.Image)
	}
	if r.HealthCheck != "" {
		fmt.Fprintf(w, "  Health:    %s\n", r.HealthCheck)
	}
	if len(r.Env) > 0 {
		fmt.Fprintf(w, "  Env:       %s\n", strings.Join(r.EnvKeys(), ", "))
	}
	if sec, err := a.secrets.Get(r.Name); err == nil && len(sec) > 0 {
		fmt.Fprintf(w, "  Secrets:   %s\n", strings.Join(sortedKeys(sec), ", "))
	}
	for _, k := range sortedKeys(r.Metadata) {
		fmt.Fprintf(w, "  Meta:      %s=%s\n", k, r.Metadata[k])
	}
	fmt.Fprintf(w, "  Created:   %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "  Updated:   %s\n", r.UpdatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "  State:     %s\n", processState(ctx, a, r))

	imp, err := a.remover.Impact(ctx, name)
	if err != nil {
		return err
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Platform", "Installed", "Enabled", "Has entry"})
	for _, ref := range imp.Platforms {
		t.AppendRow(table.Row{ref.Platform, yesNo(ref.Present), yesNo(ref.Enabled), yesNo(ref.Referenced)})
	}
	t.Render()
	return nil
}
