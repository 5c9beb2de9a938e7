package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/aristath/stocketl/internal/errkind"
)

// Environment variables that override file settings.
const (
	EnvAPIKey       = "STOCKETL_SIMFIN_API_KEY"
	EnvAPIKeyLegacy = "SIMFIN_API_KEY"
)

// configNames are tried in order inside a config directory.
var configNames = []string{"config.yaml", "config.yml", "config.json"}

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files are.
func Load(globalPath, projectPath string) (*PipelineConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

// LoadFile loads defaults overridden by the single file at path. Unlike Load,
// a missing file is an error.
func LoadFile(path string) (*PipelineConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errkind.Configuration(fmt.Errorf("config file: %w", err))
	}
	return Load("", path)
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.stocketl/config.{yaml,yml,json}
// Project: .stocketl/config.{yaml,yml,json} (relative to cwd)
func LoadDefault() (*PipelineConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(findConfig(filepath.Join(homeDir, ".stocketl")), findConfig(".stocketl"))
}

func findConfig(dir string) string {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// mergeConfigFile decodes a JSON or YAML file (by extension) and merges its
// non-zero fields over base. Missing files are silently skipped.
func mergeConfigFile(base *PipelineConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded PipelineConfig
	if err := decode(path, data, &loaded); err != nil {
		return errkind.Configuration(fmt.Errorf("parsing %s: %w", path, err))
	}

	if err := mergo.Merge(base, loaded, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

func decode(path string, data []byte, into *PipelineConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, into)
	default:
		return json.Unmarshal(data, into)
	}
}

func applyEnv(cfg *PipelineConfig, getenv func(string) string) {
	for _, key := range []string{EnvAPIKey, EnvAPIKeyLegacy} {
		if v := getenv(key); v != "" {
			cfg.Source.APIKey = v
			return
		}
	}
}
