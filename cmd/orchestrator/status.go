package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esdataapp/orchestrator/internal/store/sqlite"
	"github.com/esdataapp/orchestrator/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-status counts for the most recent open or last batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		settings, err := loadSettings()
		if err != nil {
			return err
		}

		store, err := openStore(ctx, settings)
		if err != nil {
			return err
		}
		defer store.Close()

		batch, err := latestRelevantBatch(ctx, store)
		if err != nil {
			return err
		}
		if batch == nil {
			fmt.Println("no batches found")
			return nil
		}

		counts, err := statusCounts(ctx, store, batch.BatchID)
		if err != nil {
			return fmt.Errorf("status counts: %w", err)
		}

		fmt.Printf("batch %s (%s): %d total, %d completed, %d failed\n",
			batch.BatchID, batch.Status, batch.TotalItems, batch.CompletedItems, batch.FailedItems)
		for _, s := range []types.Status{types.StatusPending, types.StatusBlocked, types.StatusRunning, types.StatusRetrying, types.StatusCompleted, types.StatusFailed} {
			fmt.Printf("  %-10s %d\n", s, counts[s])
		}
		return nil
	},
}

type batchLister interface {
	ListOpenBatches(ctx context.Context) ([]*types.Batch, error)
	LatestBatch(ctx context.Context) (*types.Batch, error)
}

func latestRelevantBatch(ctx context.Context, store batchLister) (*types.Batch, error) {
	open, err := store.ListOpenBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open batches: %w", err)
	}
	if len(open) > 0 {
		return open[0], nil
	}

	latest, err := store.LatestBatch(ctx)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest batch: %w", err)
	}
	return latest, nil
}
