package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
sites:
  a:
    priority: 1
    has_detail_scraper: true
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Execution.MaxParallelScrapers != defaultMaxParallel {
		t.Errorf("max_parallel_scrapers = %d, want default %d", s.Execution.MaxParallelScrapers, defaultMaxParallel)
	}
	if s.Execution.RetryDelayMinutes != defaultRetryDelayMins {
		t.Errorf("retry_delay_minutes = %d, want default %d", s.Execution.RetryDelayMinutes, defaultRetryDelayMins)
	}
	if !s.Sites["a"].HasDetailScraper {
		t.Errorf("site a has_detail_scraper not parsed")
	}
}

func TestLoadFloorsRetryDelay(t *testing.T) {
	path := writeTestConfig(t, `
execution:
  retry_delay_minutes: 0
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Execution.RetryDelayMinutes != 1 {
		t.Errorf("retry_delay_minutes = %d, want floor of 1", s.Execution.RetryDelayMinutes)
	}
}

func TestRotationSitesExcludesPrimary(t *testing.T) {
	s := &Settings{Execution: Execution{PrioritySites: []string{"a"}}}
	rotation := s.RotationSites([]string{"a", "b", "c"})
	if len(rotation) != 2 || rotation[0] != "b" || rotation[1] != "c" {
		t.Errorf("RotationSites = %v, want [b c]", rotation)
	}
}

func TestEnabledScrapersPrefersIncludeList(t *testing.T) {
	s := &Settings{
		Execution: Execution{IncludeScrapers: []string{"x", "y"}},
		Sites:     map[string]SiteConfig{"a": {}, "b": {}},
	}
	got := s.EnabledScrapers()
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("EnabledScrapers = %v, want [x y]", got)
	}
}

func TestEnabledScrapersFallsBackToSites(t *testing.T) {
	s := &Settings{Sites: map[string]SiteConfig{"b": {}, "a": {}}}
	got := s.EnabledScrapers()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("EnabledScrapers = %v, want sorted [a b]", got)
	}
}
