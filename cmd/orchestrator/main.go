// Package main provides the entry point for the probe orchestrator: API server, workers
// and operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonathan/probe-orchestrator/internal/config"
	"github.com/jonathan/probe-orchestrator/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "LLM scenario probe orchestrator",
	Long: `Runs evaluation campaigns that probe LLMs with ethical scenarios: samples scenarios,
schedules one probe job per (model, scenario) with per-provider concurrency and rate limits,
tracks progress, summarizes transcripts and recovers orphaned runs.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json (environment variables override file values)")
}

// loadConfig reads configuration and initializes logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	return cfg, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
