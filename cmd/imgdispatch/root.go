package main

import (
	"github.com/spf13/cobra"
)

var (
	envFile     string
	cronEntries []string
)

var rootCmd = &cobra.Command{
	Use:           "imgdispatch",
	Short:         "Asynchronous image processing jobs",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before the environment")

	for _, cmd := range []*cobra.Command{schedulerCmd, allCmd} {
		cmd.Flags().StringArrayVar(&cronEntries, "cron", nil,
			`Periodic job as "name|schedule|input_ref[|WxH]" (repeatable)`)
	}

	rootCmd.AddCommand(serveCmd, workerCmd, schedulerCmd, allCmd, statusCmd)
}
