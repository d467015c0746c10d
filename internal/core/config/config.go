package config

import (
	"time"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	redisclient "github.com/vietddude/chatdigest/internal/infra/redis"
	"github.com/vietddude/chatdigest/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Database postgres.Config `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	LLM      LLMConfig       `yaml:"llm"`
	Analysis AnalysisConfig  `yaml:"analysis"`
	RunsDir  string          `yaml:"runs_dir" validate:"required"`
	// RunsRetention is how long finished runs are kept by the prune command.
	RunsRetention time.Duration `yaml:"runs_retention"`
}

// RedisConfig enables the cross-process run lock when URL is set.
type RedisConfig struct {
	redisclient.Config `yaml:",inline"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// MetricsConfig holds the optional /metrics and /health listener.
type MetricsConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"` // 0 = disabled
}

// LLMConfig lists generation backends in fallback order.
type LLMConfig struct {
	Providers []provider.Config `yaml:"providers" validate:"dive"`
}

// AnalysisConfig holds run defaults. CLI flags override them per run.
type AnalysisConfig struct {
	Job               string        `yaml:"job"                validate:"omitempty,oneof=topics style custom"`
	Sender            string        `yaml:"sender"`
	LookbackDays      int           `yaml:"lookback_days"      validate:"gte=0"`
	PageSize          int           `yaml:"page_size"          validate:"gt=0"`
	MaxMessages       int           `yaml:"max_messages"       validate:"gte=0"`
	MaxRecordChars    int           `yaml:"max_record_chars"   validate:"gt=0"`
	MaxBatchChars     int           `yaml:"max_batch_chars"    validate:"gt=0"`
	MaxBatchTokens    int           `yaml:"max_batch_tokens"   validate:"gt=0"`
	Model             string        `yaml:"model"`
	SystemInstruction string        `yaml:"system_instruction"`
	Timeout           time.Duration `yaml:"timeout"            validate:"gt=0"`
	RequestInterval   time.Duration `yaml:"request_interval"   validate:"gte=0"`
	MaxRequests       int           `yaml:"max_requests"       validate:"gte=0"`
	MaxAttempts       int           `yaml:"max_attempts"       validate:"gt=0"`
	ReduceMultiplier  int           `yaml:"reduce_multiplier"  validate:"gt=0"`
	ReduceChunkFactor int           `yaml:"reduce_chunk_factor" validate:"gte=2"`
}
