package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd корневая команда пакетного режима
func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "monitor-batch",
		Short:         "Polls metric sources and runs one anomaly monitor per stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "monitor.yaml", "batch config file (yaml, toml or json)")

	rootCmd.AddCommand(newRunCmd(&cfgFile))
	rootCmd.AddCommand(newStreamsCmd(&cfgFile))
	return rootCmd
}
