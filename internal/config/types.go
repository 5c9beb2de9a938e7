package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as "90s", "2m".
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// SourceConfig selects the market data provider.
type SourceConfig struct {
	Provider    string `json:"provider" yaml:"provider"`                         // "simfin" or "fixture"
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`       // SimFin key; usually from the environment
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url,omitempty"`     // Overrides the SimFin endpoint
	DataDir     string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`     // SimFin download cache
	FixtureDir  string `json:"fixture_dir,omitempty" yaml:"fixture_dir,omitempty"`
	RefreshDays int    `json:"refresh_days,omitempty" yaml:"refresh_days,omitempty"`
	Market      string `json:"market,omitempty" yaml:"market,omitempty"`
	Variant     string `json:"variant,omitempty" yaml:"variant,omitempty"` // Fundamentals period: "annual" or "quarterly"
}

// StorageConfig locates the object store bucket and the local staging area.
type StorageConfig struct {
	Bucket     string `json:"bucket" yaml:"bucket"`
	StagingDir string `json:"staging_dir" yaml:"staging_dir"`
}

// ClusterConfig describes the ephemeral compute cluster.
type ClusterConfig struct {
	Mode            string   `json:"mode" yaml:"mode"` // "local" or "compose"
	ResourceID      string   `json:"resource_id" yaml:"resource_id"`
	ReadyTimeout    Duration `json:"ready_timeout" yaml:"ready_timeout"`
	PollInterval    Duration `json:"poll_interval" yaml:"poll_interval"`
	StartRetries    int      `json:"start_retries" yaml:"start_retries"`
	ReleaseTimeout  Duration `json:"release_timeout" yaml:"release_timeout"`
	Docker          string   `json:"docker,omitempty" yaml:"docker,omitempty"`
	ComposeFile     string   `json:"compose_file,omitempty" yaml:"compose_file,omitempty"`
	MasterContainer string   `json:"master_container,omitempty" yaml:"master_container,omitempty"`
	MasterURL       string   `json:"master_url,omitempty" yaml:"master_url,omitempty"`
	AppPath         string   `json:"app_path,omitempty" yaml:"app_path,omitempty"`
}

// WarehouseConfig locates the analytical store.
type WarehouseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// HistoryConfig locates the run history database. An empty path disables
// history.
type HistoryConfig struct {
	Path string `json:"path" yaml:"path"`
}

// ExecutionConfig tunes the task graph executor.
type ExecutionConfig struct {
	Parallelism     int      `json:"parallelism" yaml:"parallelism"`
	FreshFor        Duration `json:"fresh_for" yaml:"fresh_for"`
	InitialBackoff  Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"` // 0 retries immediately
	MaxBackoff      Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	BreakerFailures int      `json:"breaker_failures,omitempty" yaml:"breaker_failures,omitempty"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus textfile export written after each run.
type MetricsConfig struct {
	TextfilePath string `json:"textfile_path,omitempty" yaml:"textfile_path,omitempty"`
}

// PipelineConfig is the top-level configuration.
type PipelineConfig struct {
	Source    SourceConfig    `json:"source" yaml:"source"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Cluster   ClusterConfig   `json:"cluster" yaml:"cluster"`
	Warehouse WarehouseConfig `json:"warehouse" yaml:"warehouse"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}
