package cmd

import (
	"fmt"

	"github.com/metal-toolbox/provisioner/internal/version"
	"github.com/spf13/cobra"
)

var cmdVersion = &cobra.Command{
	Use:   "version",
	Short: "Print provisioner version along with dependency information.",
	Run: func(_ *cobra.Command, _ []string) {
		v := version.Current()
		fmt.Printf(
			"commit: %s\nbranch: %s\ngit summary: %s\nbuildDate: %s\nversion: %s\nGo version: %s\nnats.go version: %s\nbadger version: %s\n",
			v.GitCommit, v.GitBranch, v.GitSummary, v.BuildDate, v.AppVersion, v.GoVersion, v.NatsVersion, v.BadgerVersion)
	},
}

func init() {
	rootCmd.AddCommand(cmdVersion)
}
