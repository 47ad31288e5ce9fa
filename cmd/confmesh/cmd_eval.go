package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"confmesh/internal/evaluate"
	"confmesh/internal/replica"
	"confmesh/internal/sdk"
)

var (
	evalProject string
	evalEnv     string
	evalContext string
	evalTrace   bool
)

var evalCmd = &cobra.Command{
	Use:   "eval <config-name>",
	Short: "Evaluate a config from the local replica",
	Long: `eval resolves a config's effective value for an evaluation context,
entirely from the local replica file. Useful for debugging override rules
without a running node.`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVarP(&evalProject, "project", "p", "", "project id (required)")
	evalCmd.Flags().StringVarP(&evalEnv, "env", "e", "", "environment id")
	evalCmd.Flags().StringVar(&evalContext, "context", "{}", "evaluation context as JSON")
	evalCmd.Flags().BoolVar(&evalTrace, "trace", false, "print per-override evaluation trace")
	_ = evalCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	projectID, err := uuid.Parse(evalProject)
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}
	var envID *uuid.UUID
	if evalEnv != "" {
		id, err := uuid.Parse(evalEnv)
		if err != nil {
			return fmt.Errorf("invalid environment id: %w", err)
		}
		envID = &id
	}
	var evalCtx evaluate.Context
	if err := json.Unmarshal([]byte(evalContext), &evalCtx); err != nil {
		return fmt.Errorf("invalid context JSON: %w", err)
	}

	rep, err := replica.Open(cfg.Replica.Path, logger)
	if err != nil {
		return err
	}
	defer rep.Close()

	res, ok, err := sdk.New(rep, logger).GetValue(cmd.Context(), projectID, args[0], envID, evalCtx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("config %q not found in replica", args[0])
	}

	out := map[string]any{
		"configId": res.ConfigID,
		"version":  res.Version,
		"fromBase": res.FromBase,
		"value":    res.Value,
	}
	if res.MatchedOverride != "" {
		out["matchedOverride"] = res.MatchedOverride
	}
	if evalTrace {
		out["trace"] = res.Trace
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
