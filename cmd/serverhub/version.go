package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Args:  exactArgs(0),
	RunE:  runVersion,
}

var jsonOutput bool

func init() {
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	rootCmd.AddCommand(versionCmd)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := versionInfo{Version: Version, Commit: Commit, BuildTime: BuildTime, GoVersion: runtime.Version()}
	w := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(w)
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "serverhub %s (commit: %s, built: %s, %s)\n",
		info.Version, info.Commit, info.BuildTime, info.GoVersion)
	return nil
}
