// Package catalog reads the declarative job catalog (one CSV per collector,
// named "<collector>_urls.csv") and normalizes it into rows the Planner can
// turn into work items.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
)

// Row is one line of a "<collector>_urls.csv" file, decoded via the
// required header columns named in §6.
type Row struct {
	PaginaWeb          string `csv:"PaginaWeb"`
	Ciudad             string `csv:"Ciudad"`
	Operacion          string `csv:"Operacion"`
	ProductoPaginaWeb  string `csv:"ProductoPaginaWeb"`
	URL                string `csv:"URL"`
}

// Resolver normalizes raw catalog strings to the canonical short codes the
// Planner expects. §6 treats the concrete normalizer as an external
// collaborator; this interface is the contract the core depends on.
type Resolver interface {
	ResolveSite(rawWebsiteName string) (siteCode string, ok bool)
	ResolveCity(raw string) string
	ResolveOperation(raw string) string
	ResolveProduct(raw string) string
}

// MappingResolver is a small case-insensitive lookup-table resolver,
// grounded on the teacher's case-insensitive website-name lookup. Only site
// names are mapped; city, operation, and product codes pass through
// trimmed but otherwise unchanged — real deployments are expected to supply
// a richer Resolver of their own.
type MappingResolver struct {
	SiteNames map[string]string // raw website name -> site code, case-insensitive keys
}

func NewMappingResolver(siteNames map[string]string) *MappingResolver {
	lower := make(map[string]string, len(siteNames))
	for k, v := range siteNames {
		lower[strings.ToLower(k)] = v
	}
	return &MappingResolver{SiteNames: lower}
}

func (r *MappingResolver) ResolveSite(rawWebsiteName string) (string, bool) {
	code, ok := r.SiteNames[strings.ToLower(strings.TrimSpace(rawWebsiteName))]
	return code, ok
}

func (r *MappingResolver) ResolveCity(raw string) string      { return strings.TrimSpace(raw) }
func (r *MappingResolver) ResolveOperation(raw string) string { return strings.TrimSpace(raw) }
func (r *MappingResolver) ResolveProduct(raw string) string   { return strings.TrimSpace(raw) }

// NormalizedRow is a catalog row after resolution, ready for the Planner.
type NormalizedRow struct {
	SiteCode      string
	CityCode      string
	OperationCode string
	ProductCode   string
	SeedURL       string
	Order         int
}

// FileName returns the expected catalog filename for a collector, e.g.
// "inm24_urls.csv".
func FileName(collectorName string) string {
	return strings.ToLower(collectorName) + "_urls.csv"
}

// Load reads "<dir>/<collector>_urls.csv" and resolves every row via r.
// Rows with an empty URL are skipped with a logged warning (§6). Order is
// 1-based and follows input file order, preserving I1/ordering guarantees.
func Load(dir, collectorName string, r Resolver, logger *slog.Logger) ([]NormalizedRow, error) {
	path := filepath.Join(dir, FileName(collectorName))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()

	var rows []Row
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	normalized := make([]NormalizedRow, 0, len(rows))
	order := 0
	for i, row := range rows {
		order++
		if strings.TrimSpace(row.URL) == "" {
			if logger != nil {
				logger.Warn("skipping catalog row with empty URL", "collector", collectorName, "row", i+1)
			}
			continue
		}

		siteCode := collectorName
		if r != nil {
			if code, ok := r.ResolveSite(row.PaginaWeb); ok {
				siteCode = code
			}
		}

		normalized = append(normalized, NormalizedRow{
			SiteCode:      siteCode,
			CityCode:      resolveOrRaw(r, row.Ciudad, cityKind),
			OperationCode: resolveOrRaw(r, row.Operacion, operationKind),
			ProductCode:   resolveOrRaw(r, row.ProductoPaginaWeb, productKind),
			SeedURL:       row.URL,
			Order:         order,
		})
	}

	return normalized, nil
}

type fieldKind int

const (
	cityKind fieldKind = iota
	operationKind
	productKind
)

func resolveOrRaw(r Resolver, raw string, kind fieldKind) string {
	if r == nil {
		return strings.TrimSpace(raw)
	}
	switch kind {
	case cityKind:
		return r.ResolveCity(raw)
	case operationKind:
		return r.ResolveOperation(raw)
	case productKind:
		return r.ResolveProduct(raw)
	default:
		return strings.TrimSpace(raw)
	}
}
