package cmd

import (
	"fmt"
	"os"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
	trace   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "provisioner adds and removes cluster nodes through resource adapters",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logLevel() int {
	switch {
	case trace:
		return model.LogLevelTrace
	case debug:
		return model.LogLevelDebug
	default:
		return model.LogLevelInfo
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file (default is none, parameters are read from PROVISIONER_ env variables)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "", false, "set logging level to debug")
	rootCmd.PersistentFlags().BoolVarP(&trace, "trace", "", false, "set logging level to trace")
}
