// Command orchestrator drives the scraper orchestration core: plan a
// batch from the job catalog, run (or resume) it to completion, and report
// status, per §6's CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	catalogDir string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Bi-monthly scraper orchestration core",
	Long: `orchestrator drives a set of external collector programs on a
bi-monthly cadence, persisting batch and work item state in an embedded
SQLite database and enforcing per-site concurrency, dependency ordering,
resource budgets, and retry policy.

Commands:
  plan     print the work items a batch would contain, without writing state
  run      create or resume a batch and execute it
  resume   alias for "run --resume"
  status   print per-status counts for the most recent open or last batch`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the execution/site configuration file")
	rootCmd.PersistentFlags().StringVar(&catalogDir, "catalog-dir", "catalog", "directory containing <collector>_urls.csv files")

	rootCmd.AddCommand(planCmd, runCmd, resumeCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
