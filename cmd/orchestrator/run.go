package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/esdataapp/orchestrator/internal/launcher"
	"github.com/esdataapp/orchestrator/internal/planner"
	"github.com/esdataapp/orchestrator/internal/resources"
	"github.com/esdataapp/orchestrator/internal/scheduler"
	"github.com/esdataapp/orchestrator/internal/types"
)

var (
	runScrapers []string
	runDryRun   bool
	runResume   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create or resume a batch and execute it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRun(cmd, runScrapers, runDryRun, runResume)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runScrapers, "scrapers", nil, "restrict the run to these collector names")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "print planned items and exit without executing")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "resume the most recent open batch instead of planning a new one")
}

func doRun(cmd *cobra.Command, scrapersFlag []string, dryRun, resume bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings()
	if err != nil {
		return err
	}

	logger, closeLog := newLogger(settings)
	defer closeLog()

	store, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	defer store.Close()

	p := planner.New(store, time.Now)

	var batch *types.Batch

	if resume {
		open, err := store.ListOpenBatches(ctx)
		if err != nil {
			return fmt.Errorf("list open batches: %w", err)
		}
		if len(open) == 0 {
			return fmt.Errorf("no open batch to resume")
		}
		batch = open[0]
		logger.Info("resuming batch", "batch_id", batch.BatchID)
	} else {
		byCollector, err := loadCatalog(settings, scrapersFlag, logger)
		if err != nil {
			return err
		}

		var items []*types.WorkItem
		for name, rows := range byCollector {
			siteCfg := settings.SiteConfigFor(name)
			items = append(items, planner.BuildItems("", name, rows, siteCfg, settings.Execution.MaxRetryAttempts)...)
		}

		if dryRun {
			fmt.Printf("would plan %d item(s) across %d collector(s)\n", len(items), len(byCollector))
			for _, item := range items {
				fmt.Printf("  %-6s %-10s %s/%s/%s/%s order=%d\n",
					item.Stage, item.CollectorName, item.SiteCode, item.CityCode, item.OperationCode, item.ProductCode, item.Order)
			}
			return nil
		}

		batch, err = p.Plan(ctx, "", items)
		if err != nil {
			return fmt.Errorf("plan batch: %w", err)
		}
		logger.Info("planned batch", "batch_id", batch.BatchID, "total_items", batch.TotalItems)
	}

	gate := resources.NewGate(resources.GopsutilSampler{}, settings.Resources.CPUTarget, settings.Resources.MemTarget)
	lnch := launcher.New(settings.DataRoot, catalogDir, logger)

	primary, _ := settings.PrimarySite()
	cfg := scheduler.Config{
		MaxParallel:   settings.Execution.MaxParallelScrapers,
		PrioritySite:  primary,
		RotationSites: settings.RotationSites(settings.EnabledScrapers()),
		RetryDelay:    time.Duration(settings.Execution.RetryDelayMinutes) * time.Minute,
		PollInterval:  time.Second,
	}

	loop := scheduler.New(store, lnch, gate, settings, cfg, logger)
	if err := loop.Run(ctx, batch); err != nil {
		if ctx.Err() != nil {
			logger.Warn("run interrupted, batch left open for resume", "batch_id", batch.BatchID)
			return nil
		}
		return fmt.Errorf("run batch: %w", err)
	}

	logger.Info("batch finished", "batch_id", batch.BatchID)
	return nil
}
