package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	content := `{
		"database_url": "postgres://localhost/probe",
		"port": 9090,
		"recovery_interval": "90s",
		"workers": {
			"probe_command": "python3 workers/probe.py",
			"max_turns": 4
		}
	}`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/probe", cfg.DatabaseURL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, Duration(90*time.Second), cfg.RecoveryInterval)
	assert.Equal(t, "python3 workers/probe.py", cfg.Workers.ProbeCommand)
	assert.Equal(t, 4, cfg.Workers.MaxTurns)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{ invalid json }`), 0644))

	cfg, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_BadDuration(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"recovery_interval": "soon"}`), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://file", Port: 9090}
	err := cfg.ApplyEnv(envMap(map[string]string{
		"DATABASE_URL":      "postgres://env",
		"RECOVERY_INTERVAL": "2m",
		"PROBE_WORKER_CMD":  "./probe",
		"SUMMARY_MODEL":     "openai:gpt-4o",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.DatabaseURL)
	assert.Equal(t, 9090, cfg.Port, "unset variables keep file values")
	assert.Equal(t, Duration(2*time.Minute), cfg.RecoveryInterval)
	assert.Equal(t, "./probe", cfg.Workers.ProbeCommand)
	assert.Equal(t, "openai:gpt-4o", cfg.Workers.SummaryModel)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port", map[string]string{"PORT": "eighty"}},
		{"interval", map[string]string{"RECOVERY_INTERVAL": "5 minutes"}},
		{"pretty", map[string]string{"LOG_PRETTY": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			assert.Error(t, cfg.ApplyEnv(envMap(tt.env)))
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := &Config{Port: 9000, Workers: WorkerConfig{MaxTurns: 3}}
	merged := cfg.MergeWithDefaults(Defaults())

	assert.Equal(t, 9000, merged.Port)
	assert.Equal(t, DefaultLogLevel, merged.LogLevel)
	assert.Equal(t, Duration(DefaultRecoveryInterval), merged.RecoveryInterval)
	assert.Equal(t, DefaultSummaryModel, merged.Workers.SummaryModel)
	assert.Equal(t, DefaultTemperature, merged.Workers.Temperature)
	assert.Equal(t, DefaultMaxTokens, merged.Workers.MaxTokens)
	assert.Equal(t, 3, merged.Workers.MaxTurns)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"negative interval", func(c *Config) { c.RecoveryInterval = -1 }, "recovery_interval"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"temperature", func(c *Config) { c.Workers.Temperature = 3 }, "temperature"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequireDatabase(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.RequireDatabase())
	cfg.DatabaseURL = "postgres://localhost/probe"
	assert.NoError(t, cfg.RequireDatabase())
}

func TestLoad_FileThenEnv(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"port": 7070, "log_level": "debug"}`), 0644))
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, DefaultMaxTurns, cfg.Workers.MaxTurns)
}
