// Package config loads the execution settings and per-site configuration
// that drive planning and scheduling, from a YAML file via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// SiteConfig holds the per-site options recognized by the Planner and
// Child Launcher, keyed by site_code in the YAML document.
type SiteConfig struct {
	Priority            int     `mapstructure:"priority"`
	HasDetailScraper    bool    `mapstructure:"has_detail_scraper"`
	DetailScraperName   string  `mapstructure:"detail_scraper_name"`
	MaxPagesPerSession  int     `mapstructure:"max_pages_per_session"`
	RateLimitSeconds    float64 `mapstructure:"rate_limit_seconds"`
}

// Execution holds the global execution settings recognized by §6.
type Execution struct {
	MaxParallelScrapers int      `mapstructure:"max_parallel_scrapers"`
	RetryDelayMinutes   int      `mapstructure:"retry_delay_minutes"`
	MaxRetryAttempts    int      `mapstructure:"max_retry_attempts"`
	PrioritySites       []string `mapstructure:"priority_sites"`
	IncludeScrapers     []string `mapstructure:"include_scrapers"`
}

// Resources holds the Resource Admission (C3) targets.
type Resources struct {
	CPUTarget float64 `mapstructure:"cpu_target"`
	MemTarget float64 `mapstructure:"mem_target"`
}

// Settings is the fully parsed configuration document.
type Settings struct {
	Execution Execution             `mapstructure:"execution"`
	Resources Resources             `mapstructure:"resource_monitor"`
	Sites     map[string]SiteConfig `mapstructure:"sites"`
	DataRoot  string                `mapstructure:"data_root"`
	StatePath string                `mapstructure:"state_path"`
}

const (
	defaultMaxParallel      = 4
	defaultRetryDelayMins   = 30
	defaultMaxRetryAttempts = 3
	defaultCPUTarget        = 0.8
	defaultMemTarget        = 0.8
)

// Load reads and validates a configuration document from path, applying
// the defaults named in §6 (max_parallel_scrapers=4, retry_delay_minutes=30
// floored at 1, max_retry_attempts=3, resource targets=0.8).
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("execution.max_parallel_scrapers", defaultMaxParallel)
	v.SetDefault("execution.retry_delay_minutes", defaultRetryDelayMins)
	v.SetDefault("execution.max_retry_attempts", defaultMaxRetryAttempts)
	v.SetDefault("resource_monitor.cpu_target", defaultCPUTarget)
	v.SetDefault("resource_monitor.mem_target", defaultMemTarget)
	v.SetDefault("data_root", "data")
	v.SetDefault("state_path", ".orchestrator/state.db")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if s.Execution.RetryDelayMinutes < 1 {
		s.Execution.RetryDelayMinutes = 1
	}
	if s.Execution.MaxParallelScrapers < 1 {
		s.Execution.MaxParallelScrapers = defaultMaxParallel
	}
	if s.Execution.MaxRetryAttempts < 1 {
		s.Execution.MaxRetryAttempts = defaultMaxRetryAttempts
	}

	return &s, nil
}

// PrimarySite returns the priority site (first of priority_sites), if any.
func (s *Settings) PrimarySite() (string, bool) {
	if len(s.Execution.PrioritySites) == 0 {
		return "", false
	}
	return s.Execution.PrioritySites[0], true
}

// RotationSites returns every enabled site other than the priority site,
// sorted by (priority, site_code); a site without configuration has
// priority 0.
func (s *Settings) RotationSites(enabled []string) []string {
	primary, hasPrimary := s.PrimarySite()
	rotation := make([]string, 0, len(enabled))
	for _, site := range enabled {
		if hasPrimary && site == primary {
			continue
		}
		rotation = append(rotation, site)
	}
	sort.SliceStable(rotation, func(i, j int) bool {
		pi, pj := s.Sites[rotation[i]].Priority, s.Sites[rotation[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return rotation[i] < rotation[j]
	})
	return rotation
}

// EnabledScrapers returns the collector names to run: include_scrapers if
// set, else every key in Sites.
func (s *Settings) EnabledScrapers() []string {
	if len(s.Execution.IncludeScrapers) > 0 {
		return s.Execution.IncludeScrapers
	}
	names := make([]string, 0, len(s.Sites))
	for name := range s.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SiteConfigFor returns the configuration for a given site code, or the
// zero value if unconfigured.
func (s *Settings) SiteConfigFor(siteCode string) SiteConfig {
	return s.Sites[siteCode]
}
