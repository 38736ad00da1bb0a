package main

import "github.com/spf13/cobra"

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: `Alias for "run --resume"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRun(cmd, runScrapers, false, true)
	},
}
