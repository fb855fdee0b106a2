package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "daedalus",
		Short:         "Execute flows over datasets",
		Long:          "Daedalus runs a flow once per dataset line on a pool of workers and aggregates the results.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.cacheDir, "cache-dir", "", "directory of the node result cache; empty disables caching")

	root.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newValidateCmd(),
	)
	return root
}
