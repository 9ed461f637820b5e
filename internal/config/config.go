// Package config provides configuration loading and validation for the orchestrator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults for values not set by the config file or the environment.
const (
	DefaultPort                = 8080
	DefaultLogLevel            = "info"
	DefaultRecoveryInterval    = 5 * time.Minute
	DefaultRecoveryConcurrency = 4
	DefaultSummaryModel        = "anthropic:claude-sonnet-4-20250514"
	DefaultTemperature         = 0.7
	DefaultMaxTokens           = 1024
	DefaultMaxTurns            = 10
	DefaultWorkerTimeout       = 5 * time.Minute
	DefaultPollInterval        = time.Second
)

// Duration is a time.Duration that reads as a Go duration string in JSON ("5m", "30s").
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// WorkerConfig configures the probe and summarize worker subprocesses.
type WorkerConfig struct {
	ProbeCommand     string   `json:"probe_command,omitempty"`     // e.g. "python3 workers/probe.py"
	SummarizeCommand string   `json:"summarize_command,omitempty"` // e.g. "python3 workers/summarize.py"
	SummaryModel     string   `json:"summary_model,omitempty"`
	Temperature      float64  `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	MaxTurns         int      `json:"max_turns,omitempty"`
	Timeout          Duration `json:"timeout,omitempty"`
	PollInterval     Duration `json:"poll_interval,omitempty"`
}

// Config represents the service configuration. A JSON file provides the base values,
// environment variables override them, and unset fields take the package defaults.
type Config struct {
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL
	Port        int    `json:"port,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
	LogPretty   bool   `json:"log_pretty,omitempty"`

	RecoveryInterval    Duration `json:"recovery_interval,omitempty"`
	RecoveryConcurrency int      `json:"recovery_concurrency,omitempty"`

	Workers WorkerConfig `json:"workers"`
}

// Defaults returns a config with every default applied
func Defaults() Config {
	return Config{
		Port:                DefaultPort,
		LogLevel:            DefaultLogLevel,
		RecoveryInterval:    Duration(DefaultRecoveryInterval),
		RecoveryConcurrency: DefaultRecoveryConcurrency,
		Workers: WorkerConfig{
			SummaryModel: DefaultSummaryModel,
			Temperature:  DefaultTemperature,
			MaxTokens:    DefaultMaxTokens,
			MaxTurns:     DefaultMaxTurns,
			Timeout:      Duration(DefaultWorkerTimeout),
			PollInterval: Duration(DefaultPollInterval),
		},
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Load builds the effective configuration: file (optional), then environment, then defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	merged := cfg.MergeWithDefaults(Defaults())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// ApplyEnv overrides fields from environment variables. lookup is os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.DatabaseURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("LOG_PRETTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_PRETTY: %v", err)
		}
		c.LogPretty = b
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %v", err)
		}
		c.Port = port
	}
	if v, ok := lookup("RECOVERY_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RECOVERY_INTERVAL: %v", err)
		}
		c.RecoveryInterval = Duration(d)
	}
	if v, ok := lookup("PROBE_WORKER_CMD"); ok && v != "" {
		c.Workers.ProbeCommand = v
	}
	if v, ok := lookup("SUMMARIZE_WORKER_CMD"); ok && v != "" {
		c.Workers.SummarizeCommand = v
	}
	if v, ok := lookup("SUMMARY_MODEL"); ok && v != "" {
		c.Workers.SummaryModel = v
	}
	return nil
}

// Validate checks that the configuration has valid values.
// Note: the database URL is checked by the commands that need it.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}
	if c.RecoveryInterval < 0 {
		return fmt.Errorf("config error: 'recovery_interval' must be non-negative")
	}
	if c.RecoveryConcurrency < 0 {
		return fmt.Errorf("config error: 'recovery_concurrency' must be non-negative")
	}
	if c.Workers.Temperature < 0 || c.Workers.Temperature > 2 {
		return fmt.Errorf("config error: 'workers.temperature' must be between 0 and 2")
	}
	if c.Workers.MaxTokens < 0 || c.Workers.MaxTurns < 0 {
		return fmt.Errorf("config error: 'workers.max_tokens' and 'workers.max_turns' must be non-negative")
	}
	if c.Workers.Timeout < 0 {
		return fmt.Errorf("config error: 'workers.timeout' must be non-negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config error: unknown log level %q", c.LogLevel)
	}
	return nil
}

// RequireDatabase reports an error when no database URL is configured
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config error: database URL is required (set DATABASE_URL or 'database_url')")
	}
	return nil
}

// MergeWithDefaults returns a new Config with zero fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.RecoveryInterval == 0 {
		result.RecoveryInterval = defaults.RecoveryInterval
	}
	if result.RecoveryConcurrency == 0 {
		result.RecoveryConcurrency = defaults.RecoveryConcurrency
	}

	w := &result.Workers
	if w.ProbeCommand == "" {
		w.ProbeCommand = defaults.Workers.ProbeCommand
	}
	if w.SummarizeCommand == "" {
		w.SummarizeCommand = defaults.Workers.SummarizeCommand
	}
	if w.SummaryModel == "" {
		w.SummaryModel = defaults.Workers.SummaryModel
	}
	if w.Temperature == 0 {
		w.Temperature = defaults.Workers.Temperature
	}
	if w.MaxTokens == 0 {
		w.MaxTokens = defaults.Workers.MaxTokens
	}
	if w.MaxTurns == 0 {
		w.MaxTurns = defaults.Workers.MaxTurns
	}
	if w.Timeout == 0 {
		w.Timeout = defaults.Workers.Timeout
	}
	if w.PollInterval == 0 {
		w.PollInterval = defaults.Workers.PollInterval
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge

	return result
}
