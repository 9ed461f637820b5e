package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/probe-orchestrator/internal/db"
)

// catalog is the provider and model seed file
type catalog struct {
	Providers []db.Provider `yaml:"providers"`
	Models    []db.Model    `yaml:"models"`
}

var seedFile string

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage the provider and model catalog",
}

var providersSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert providers and models from a YAML catalog",
	Example: `  orchestrator providers seed --file catalog.yaml

catalog.yaml:
  providers:
    - name: openai
      display_name: OpenAI
      max_parallel_requests: 5
      requests_per_minute: 60
      is_enabled: true
  models:
    - provider: openai
      model_id: openai:gpt-4o
      display_name: GPT-4o
      cost_input_per_million: 2.5
      cost_output_per_million: 10`,
	RunE: runProvidersSeed,
}

func init() {
	providersSeedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "Catalog YAML file (required)")
	_ = providersSeedCmd.MarkFlagRequired("file")
	providersCmd.AddCommand(providersSeedCmd)
	rootCmd.AddCommand(providersCmd)
}

func runProvidersSeed(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(seedFile)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	cat, err := parseCatalog(data)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.UpsertCatalog(cmd.Context(), cat.Providers, cat.Models); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d providers and %d models\n", len(cat.Providers), len(cat.Models))
	return nil
}

// parseCatalog decodes and checks a seed file. Models must reference a provider from the
// same file and names must be unique.
func parseCatalog(data []byte) (*catalog, error) {
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if len(cat.Providers) == 0 {
		return nil, fmt.Errorf("catalog has no providers")
	}

	providers := make(map[string]bool, len(cat.Providers))
	for i, p := range cat.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("providers[%d]: name is required", i)
		}
		if providers[p.Name] {
			return nil, fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Name)
		}
		if p.MaxParallelRequests < 1 {
			return nil, fmt.Errorf("provider %q: max_parallel_requests must be at least 1", p.Name)
		}
		if p.RequestsPerMinute < 1 {
			return nil, fmt.Errorf("provider %q: requests_per_minute must be at least 1", p.Name)
		}
		providers[p.Name] = true
	}

	models := make(map[string]bool, len(cat.Models))
	for i, m := range cat.Models {
		if m.ModelID == "" {
			return nil, fmt.Errorf("models[%d]: model_id is required", i)
		}
		if models[m.ModelID] {
			return nil, fmt.Errorf("models[%d]: duplicate model %q", i, m.ModelID)
		}
		if !providers[m.ProviderName] {
			return nil, fmt.Errorf("model %q: unknown provider %q", m.ModelID, m.ProviderName)
		}
		switch m.Status {
		case "", db.ModelStatusActive, db.ModelStatusDeprecated:
		default:
			return nil, fmt.Errorf("model %q: invalid status %q", m.ModelID, m.Status)
		}
		models[m.ModelID] = true
	}
	return &cat, nil
}
