// Package sdk is the embedded reader: it answers "what is the effective
// value of this config for this context" entirely from the local replica,
// with no network on the read path.
package sdk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confmesh/internal/evaluate"
	"confmesh/internal/replica"
	"confmesh/internal/types"
)

// Reader evaluates configs against the local replica.
type Reader struct {
	rep    *replica.Store
	logger *zap.Logger
}

// New builds a reader over the replica store.
func New(rep *replica.Store, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{rep: rep, logger: logger.Named("sdk")}
}

// Result is one evaluated read.
type Result struct {
	ConfigID uuid.UUID
	// Version enables monotonic-read checks across processes; the replica
	// itself never regresses it.
	Version int64
	// FromBase reports that the base variant answered because the
	// requested environment has no variant.
	FromBase bool
	// Value is the effective value after override evaluation.
	Value any
	// MatchedOverride names the winning override, empty when the variant
	// value answered.
	MatchedOverride string
	// Trace explains every override's outcome in declared order.
	Trace []evaluate.OverrideTrace
}

// GetValue resolves and evaluates a config for the evaluation context.
// The second return is false when the config is not in the replica.
func (r *Reader) GetValue(ctx context.Context, projectID uuid.UUID, configName string, envID *uuid.UUID, evalCtx evaluate.Context) (*Result, bool, error) {
	ec, ok, err := r.rep.GetEnvironmentalConfig(projectID, configName, envID)
	if err != nil || !ok {
		return nil, false, err
	}

	value, overrides, err := decodeVariant(ec)
	if err != nil {
		return nil, false, err
	}

	fetcher := &replicaFetcher{reader: r, projectID: projectID, envID: envID, evalCtx: evalCtx}
	rendered := evaluate.RenderOverrides(ctx, overrides, fetcher, 0)
	out := evaluate.Evaluate(value, rendered, evalCtx)

	res := &Result{
		ConfigID: ec.ConfigID,
		Version:  ec.Version,
		FromBase: ec.FromBase,
		Value:    out.FinalValue,
		Trace:    out.Trace,
	}
	if out.MatchedOverride != nil {
		res.MatchedOverride = out.MatchedOverride.Name
	}
	return res, true, nil
}

// GetRawValue returns the variant value without override evaluation.
func (r *Reader) GetRawValue(ctx context.Context, projectID uuid.UUID, configName string, envID *uuid.UUID) (any, bool, error) {
	raw, ok, err := r.rep.GetConfigValue(projectID, configName, envID)
	if err != nil || !ok {
		return nil, false, err
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("corrupt replica value: %w", err)
	}
	return value, true, nil
}

func decodeVariant(ec *replica.EnvironmentalConfig) (any, []types.Override, error) {
	var value any
	if err := json.Unmarshal([]byte(ec.Value), &value); err != nil {
		return nil, nil, fmt.Errorf("corrupt replica value: %w", err)
	}
	var overrides []types.Override
	if ec.Overrides != "" {
		if err := json.Unmarshal([]byte(ec.Overrides), &overrides); err != nil {
			return nil, nil, fmt.Errorf("corrupt replica overrides: %w", err)
		}
	}
	return value, overrides, nil
}

// replicaFetcher resolves reference values by re-entering the evaluator on
// the referenced config, threading the depth so reference chains and
// cycles stay bounded.
type replicaFetcher struct {
	reader    *Reader
	projectID uuid.UUID
	envID     *uuid.UUID
	evalCtx   evaluate.Context
}

func (f *replicaFetcher) FetchValue(ctx context.Context, refProject, configName string, depth int) (any, bool) {
	projectID := f.projectID
	if refProject != "" {
		parsed, err := uuid.Parse(refProject)
		if err != nil {
			return nil, false
		}
		projectID = parsed
	}

	ec, ok, err := f.reader.rep.GetEnvironmentalConfig(projectID, configName, f.envID)
	if err != nil || !ok {
		return nil, false
	}
	value, overrides, err := decodeVariant(ec)
	if err != nil {
		f.reader.logger.Warn("skipping corrupt referenced config",
			zap.String("config", configName), zap.Error(err))
		return nil, false
	}

	rendered := evaluate.RenderOverrides(ctx, overrides, f, depth+1)
	out := evaluate.Evaluate(value, rendered, f.evalCtx)
	return out.FinalValue, true
}
