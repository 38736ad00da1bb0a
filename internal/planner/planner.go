// Package planner converts a normalized job catalog into the work items of
// a batch (C2), and owns batch identity naming.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/esdataapp/orchestrator/internal/catalog"
	"github.com/esdataapp/orchestrator/internal/config"
	"github.com/esdataapp/orchestrator/internal/types"
)

// BatchStore is the subset of the State Store the Planner needs to name and
// create a batch.
type BatchStore interface {
	NextExecutionNumber(ctx context.Context, monthYear string, desired int) (int, error)
	CreateBatch(ctx context.Context, batchID, monthYear string, executionNumber, totalItems int) (*types.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*types.Batch, error)
	InsertItems(ctx context.Context, items []*types.WorkItem) error
}

// Clock abstracts wall-clock reads so batch naming is testable without
// waiting on real time.
type Clock func() time.Time

// Planner builds work items for a batch from a normalized catalog and the
// per-site configuration, and resolves the batch's identity.
type Planner struct {
	store BatchStore
	clock Clock
}

// New constructs a Planner. A nil clock defaults to time.Now.
func New(store BatchStore, clock Clock) *Planner {
	if clock == nil {
		clock = time.Now
	}
	return &Planner{store: store, clock: clock}
}

// MonthYear derives the "<Mon><YY>" component of a batch_id from t, e.g.
// "sep25" for September 2025.
func MonthYear(t time.Time) string {
	return fmt.Sprintf("%s%02d", monthAbbrev(t.Month()), t.Year()%100)
}

// DesiredExecutionNumber returns 1 for days 1-15 of the month, 2 otherwise
// (§4.2).
func DesiredExecutionNumber(t time.Time) int {
	if t.Day() <= 15 {
		return 1
	}
	return 2
}

// BuildItems converts one collector's normalized rows into primary (and,
// when the site has a detail stage, companion blocked detail) work items,
// sharing order, metadata, and max_attempts (§4.2). It does not touch the
// store; call Plan to persist the result.
func BuildItems(batchID, collectorName string, rows []catalog.NormalizedRow, siteCfg config.SiteConfig, maxAttempts int) []*types.WorkItem {
	items := make([]*types.WorkItem, 0, len(rows)*2)
	for _, row := range rows {
		primary := &types.WorkItem{
			BatchID:       batchID,
			CollectorName: collectorName,
			SiteCode:      row.SiteCode,
			CityCode:      row.CityCode,
			OperationCode: row.OperationCode,
			ProductCode:   row.ProductCode,
			SeedURL:       row.SeedURL,
			Order:         row.Order,
			Stage:         types.StagePrimary,
			Status:        types.StatusPending,
			MaxAttempts:   maxAttempts,
		}
		primary.Key = primary.ComputeKey()
		items = append(items, primary)

		if siteCfg.HasDetailScraper {
			detail := &types.WorkItem{
				BatchID:       batchID,
				CollectorName: detailCollectorName(collectorName, siteCfg),
				SiteCode:      row.SiteCode,
				CityCode:      row.CityCode,
				OperationCode: row.OperationCode,
				ProductCode:   row.ProductCode,
				SeedURL:       row.SeedURL,
				Order:         row.Order,
				Stage:         types.StageDetail,
				DependsOn:     primary.Key,
				Status:        types.StatusBlocked,
				MaxAttempts:   maxAttempts,
			}
			detail.Key = detail.ComputeKey()
			items = append(items, detail)
		}
	}
	return items
}

func detailCollectorName(primaryName string, siteCfg config.SiteConfig) string {
	if siteCfg.DetailScraperName != "" {
		return siteCfg.DetailScraperName
	}
	return primaryName + "_det"
}

// Plan resolves a batch identity (reusing an existing one if batchID is
// non-empty, else naming a fresh one from the clock), creates the batch row
// if needed, and inserts every item idempotently (L1: a repeat call against
// the same batch is a no-op for items already present).
func (p *Planner) Plan(ctx context.Context, batchID string, items []*types.WorkItem) (*types.Batch, error) {
	if batchID != "" {
		// Resuming: the batch row already exists, only (re-)insert items —
		// InsertItems is a no-op for keys already present (L1).
		batch, err := p.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("resume batch %s: %w", batchID, err)
		}
		for _, item := range items {
			item.BatchID = batchID
		}
		if err := p.store.InsertItems(ctx, items); err != nil {
			return nil, fmt.Errorf("insert items for batch %s: %w", batchID, err)
		}
		return batch, nil
	}

	now := p.clock()
	monthYear := MonthYear(now)
	desired := DesiredExecutionNumber(now)
	executionNumber, err := p.store.NextExecutionNumber(ctx, monthYear, desired)
	if err != nil {
		return nil, fmt.Errorf("resolve execution number: %w", err)
	}
	newBatchID := fmt.Sprintf("%s_%02d", monthYear, executionNumber)

	for _, item := range items {
		item.BatchID = newBatchID
	}

	batch, err := p.store.CreateBatch(ctx, newBatchID, monthYear, executionNumber, len(items))
	if err != nil {
		return nil, fmt.Errorf("create batch %s: %w", newBatchID, err)
	}

	if err := p.store.InsertItems(ctx, items); err != nil {
		return nil, fmt.Errorf("insert items for batch %s: %w", newBatchID, err)
	}

	return batch, nil
}

func monthAbbrev(m time.Month) string {
	names := [...]string{
		"jan", "feb", "mar", "apr", "may", "jun",
		"jul", "aug", "sep", "oct", "nov", "dec",
	}
	return names[m-1]
}
