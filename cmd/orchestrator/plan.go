package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esdataapp/orchestrator/internal/logging"
	"github.com/esdataapp/orchestrator/internal/planner"
	"github.com/esdataapp/orchestrator/internal/types"
)

var planScrapers []string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the work items a batch would contain, without writing state",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		byCollector, err := loadCatalog(settings, planScrapers, logging.Discard())
		if err != nil {
			return err
		}

		var items []*types.WorkItem
		for name, rows := range byCollector {
			siteCfg := settings.SiteConfigFor(name)
			items = append(items, planner.BuildItems("", name, rows, siteCfg, settings.Execution.MaxRetryAttempts)...)
		}

		primaries, details := 0, 0
		for _, item := range items {
			if item.Stage == types.StagePrimary {
				primaries++
			} else {
				details++
			}
		}

		fmt.Printf("planned %d item(s): %d primary, %d detail\n", len(items), primaries, details)
		for _, item := range items {
			fmt.Printf("  %-6s %-10s %s/%s/%s/%s order=%d url=%s\n",
				item.Stage, item.CollectorName, item.SiteCode, item.CityCode, item.OperationCode, item.ProductCode, item.Order, item.SeedURL)
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringSliceVar(&planScrapers, "scrapers", nil, "restrict planning to these collector names")
}
