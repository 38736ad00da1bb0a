package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/esdataapp/orchestrator/internal/catalog"
	"github.com/esdataapp/orchestrator/internal/config"
	"github.com/esdataapp/orchestrator/internal/logging"
	"github.com/esdataapp/orchestrator/internal/store/sqlite"
	"github.com/esdataapp/orchestrator/internal/types"
)

// loadCatalog reads every enabled collector's job catalog, restricted to
// scrapersFlag when non-empty.
func loadCatalog(settings *config.Settings, scrapersFlag []string, logger *slog.Logger) (map[string][]catalog.NormalizedRow, error) {
	collectors := settings.EnabledScrapers()
	if len(scrapersFlag) > 0 {
		collectors = scrapersFlag
	}

	result := make(map[string][]catalog.NormalizedRow, len(collectors))
	for _, name := range collectors {
		rows, err := catalog.Load(catalogDir, name, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("load catalog for %s: %w", name, err)
		}
		result[name] = rows
	}
	return result, nil
}

// openStore opens the configured state store.
func openStore(ctx context.Context, settings *config.Settings) (*sqlite.Store, error) {
	store, err := sqlite.Open(ctx, settings.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return store, nil
}

// newLogger builds the orchestrator's structured logger (C9).
func newLogger(settings *config.Settings) (*slog.Logger, func()) {
	opts := logging.DefaultOptions(settings.DataRoot + "/.orchestrator/orchestrator.log")
	logger, rotator := logging.New(opts)
	closeFn := func() {
		if rotator != nil {
			_ = rotator.Close()
		}
	}
	return logger, closeFn
}

// loadSettings reads configPath via the Config Loader (C7).
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return settings, nil
}

// statusCounts tallies work items by status for a batch.
func statusCounts(ctx context.Context, store *sqlite.Store, batchID string) (map[types.Status]int, error) {
	items, err := store.ItemsForBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.Status]int)
	for _, item := range items {
		counts[item.Status]++
	}
	return counts, nil
}
