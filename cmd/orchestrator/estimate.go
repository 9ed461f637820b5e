package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/probe-orchestrator/internal/runs"
)

var (
	estimateDefinition string
	estimateModels     []string
	estimateSample     float64
	estimateSeed       int64
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the cost of a run without starting it",
	Example: `  orchestrator estimate --definition 3f0c... --models openai:gpt-4o,anthropic:claude-sonnet-4 --sample 25 --seed 7`,
	RunE:    runEstimate,
}

func init() {
	estimateCmd.Flags().StringVar(&estimateDefinition, "definition", "", "Definition id (required)")
	estimateCmd.Flags().StringSliceVar(&estimateModels, "models", nil, "Model ids, comma separated (required)")
	estimateCmd.Flags().Float64Var(&estimateSample, "sample", 100, "Sample percentage (0-100]")
	estimateCmd.Flags().Int64Var(&estimateSeed, "seed", 0, "Sampling seed (random when unset)")
	_ = estimateCmd.MarkFlagRequired("definition")
	_ = estimateCmd.MarkFlagRequired("models")
	rootCmd.AddCommand(estimateCmd)
}

func runEstimate(cmd *cobra.Command, _ []string) error {
	definitionID, err := uuid.Parse(estimateDefinition)
	if err != nil {
		return fmt.Errorf("invalid --definition: %w", err)
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

	in := runs.StartRunInput{
		DefinitionID: definitionID,
		Models:       estimateModels,
	}
	if cmd.Flags().Changed("sample") {
		in.SamplePercentage = &estimateSample
	}
	if cmd.Flags().Changed("seed") {
		in.SampleSeed = &estimateSeed
	}
	estimate, err := a.runs.EstimateCost(cmd.Context(), in)
	if err != nil {
		return err
	}
	return printJSON(cmd, estimate)
}
