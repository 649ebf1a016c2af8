package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type versionInfo struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"gitCommit" yaml:"gitCommit"`
	BuildTime string `json:"buildTime" yaml:"buildTime"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
	GOOS      string `json:"goos" yaml:"goos"`
	GOARCH    string `json:"goarch" yaml:"goarch"`
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version information for relayctl.`,
	Run: func(cmd *cobra.Command, args []string) {
		v := versionInfo{
			Version:   Version,
			GitCommit: GitCommit,
			BuildTime: BuildTime,
			GoVersion: runtime.Version(),
			GOOS:      runtime.GOOS,
			GOARCH:    runtime.GOARCH,
		}
		printOutput(cmd.OutOrStdout(), v, func(w io.Writer) {
			fmt.Fprintf(w, "relayctl version %s\n", v.Version)
			fmt.Fprintf(w, "Git commit: %s\n", v.GitCommit)
			fmt.Fprintf(w, "Built: %s\n", v.BuildTime)
			fmt.Fprintf(w, "Go version: %s\n", v.GoVersion)
			fmt.Fprintf(w, "OS/Arch: %s/%s\n", v.GOOS, v.GOARCH)
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
