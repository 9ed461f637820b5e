package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var recoverRunID string

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover orphaned runs",
	Long: `Scans RUNNING and SUMMARIZING runs for work that has no job in flight and re-enqueues it,
or advances runs whose work is already done. With --run only that run is examined.`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().StringVar(&recoverRunID, "run", "", "Recover a single run by id")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, _ []string) error {
	var runID uuid.UUID
	if recoverRunID != "" {
		parsed, err := uuid.Parse(recoverRunID)
		if err != nil {
			return fmt.Errorf("invalid --run: %w", err)
		}
		runID = parsed
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

	var result any
	if runID != uuid.Nil {
		result, err = a.scanner.RecoverOrphanedRun(cmd.Context(), runID)
	} else {
		result, err = a.scanner.TriggerRecovery(cmd.Context())
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
