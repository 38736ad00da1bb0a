package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WorkItem is a single unit of child-process execution: one collector
// invocation for one site/city/operation/product combination, at a given
// stage (primary listing pass or dependent detail pass).
type WorkItem struct {
	BatchID string
	Key     string // synthetic, see BuildItemKey

	CollectorName string
	SiteCode      string
	CityCode      string
	OperationCode string
	ProductCode   string
	SeedURL       string
	Order         int

	Stage      Stage
	DependsOn  string // item key of the primary this detail item depends on; empty for primary items
	Status     Status
	Attempts   int
	MaxAttempts int

	DependencyPath string // populated once the upstream primary completes
	OutputPath     string // populated once this item completes successfully
	ErrorMessage   string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryDueAt  *time.Time // only meaningful while Status == StatusRetrying
}

// BuildItemKey reproduces the synthetic key described in the data model:
// collector, site, city, operation, product, order and stage joined by a
// delimiter that cannot appear in any of the codes.
func BuildItemKey(collectorName, siteCode, cityCode, operationCode, productCode string, order int, stage Stage) string {
	parts := []string{collectorName, siteCode, cityCode, operationCode, productCode, strconv.Itoa(order), string(stage)}
	return strings.Join(parts, "::")
}

// ComputeKey computes and returns this item's synthetic key from its fields.
func (w *WorkItem) ComputeKey() string {
	return BuildItemKey(w.CollectorName, w.SiteCode, w.CityCode, w.OperationCode, w.ProductCode, w.Order, w.Stage)
}

// OutputFilename derives the CSV filename for this item per §4.6: primary
// items carry a "URL" infix, detail items do not.
func (w *WorkItem) OutputFilename(monthYear string, executionNumber int) string {
	suffix := fmt.Sprintf("%s_%02d.csv", monthYear, executionNumber)
	if w.Stage == StageDetail {
		return fmt.Sprintf("%s_%s_%s_%s_%s", w.SiteCode, w.CityCode, w.OperationCode, w.ProductCode, suffix)
	}
	return fmt.Sprintf("%sURL_%s_%s_%s_%s", w.SiteCode, w.CityCode, w.OperationCode, w.ProductCode, suffix)
}
