package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/stocketl/internal/errkind"
)

// Validate reports every problem with the configuration as one configuration
// error.
func (c *PipelineConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Source.Provider {
	case ProviderSimFin:
		if strings.TrimSpace(c.Source.APIKey) == "" {
			add("source.api_key is required for simfin (or set %s)", EnvAPIKey)
		}
	case ProviderFixture:
		if c.Source.FixtureDir == "" {
			add("source.fixture_dir is required for the fixture provider")
		}
	default:
		add("unknown source.provider %q", c.Source.Provider)
	}
	if c.Source.Variant != "annual" && c.Source.Variant != "quarterly" {
		add("source.variant must be annual or quarterly, got %q", c.Source.Variant)
	}
	if c.Source.Market == "" {
		add("source.market is required")
	}

	if c.Storage.Bucket == "" {
		add("storage.bucket is required")
	}
	if c.Storage.StagingDir == "" {
		add("storage.staging_dir is required")
	}

	if c.Cluster.Mode != ClusterLocal && c.Cluster.Mode != ClusterCompose {
		add("unknown cluster.mode %q", c.Cluster.Mode)
	}
	if c.Cluster.ResourceID == "" {
		add("cluster.resource_id is required")
	}
	if c.Cluster.ReadyTimeout <= 0 {
		add("cluster.ready_timeout must be positive")
	}
	if c.Cluster.PollInterval <= 0 {
		add("cluster.poll_interval must be positive")
	}
	if c.Cluster.StartRetries < 0 {
		add("cluster.start_retries must not be negative")
	}
	if c.Cluster.ReleaseTimeout <= 0 {
		add("cluster.release_timeout must be positive")
	}

	if c.Warehouse.Path == "" {
		add("warehouse.path is required")
	}
	if c.Execution.Parallelism < 1 {
		add("execution.parallelism must be at least 1")
	}
	if c.Execution.FreshFor < 0 {
		add("execution.fresh_for must not be negative")
	}
	if c.Execution.BreakerFailures < 0 {
		add("execution.breaker_failures must not be negative")
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return errkind.Configuration(errors.Join(errs...))
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}
