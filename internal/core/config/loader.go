package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

var validate = validator.New()

// Defaults returns the configuration used when no file is given.
func Defaults() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file. A missing file at the default
// path yields the defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.RunsDir == "" {
		cfg.RunsDir = "runs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}

	a := &cfg.Analysis
	if a.Job == "" {
		a.Job = "topics"
	}
	if a.PageSize == 0 {
		a.PageSize = 2000
	}
	if a.MaxRecordChars == 0 {
		a.MaxRecordChars = 400
	}
	if a.MaxBatchChars == 0 {
		a.MaxBatchChars = 12000
	}
	if a.MaxBatchTokens == 0 {
		a.MaxBatchTokens = 3500
	}
	if a.Timeout == 0 {
		a.Timeout = 60 * time.Second
	}
	if a.RequestInterval == 0 {
		a.RequestInterval = 500 * time.Millisecond
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 6
	}
	if a.ReduceMultiplier == 0 {
		a.ReduceMultiplier = 4
	}
	if a.ReduceChunkFactor == 0 {
		a.ReduceChunkFactor = 4
	}

	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == "" {
			cfg.LLM.Providers[i].Name = string(cfg.LLM.Providers[i].Type)
		}
	}
}
