package evaluate

import (
	"context"

	"confmesh/internal/condition"
	"confmesh/internal/pathutil"
	"confmesh/internal/types"
)

// MaxReferenceDepth cuts reference chains. Cycles are bounded by depth, not
// by a visited set: the identity (project, config, path) may legitimately
// recur at different depths.
const MaxReferenceDepth = 8

// Fetcher returns the referenced config's effective value for the
// evaluation session's environment. The second return is false when the
// config is missing or has no value. Implementations that re-enter the
// evaluator must pass depth through to nested RenderOverrides calls.
type Fetcher interface {
	FetchValue(ctx context.Context, projectID, configName string, depth int) (any, bool)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, projectID, configName string, depth int) (any, bool)

func (f FetcherFunc) FetchValue(ctx context.Context, projectID, configName string, depth int) (any, bool) {
	return f(ctx, projectID, configName, depth)
}

// RenderOverrides returns a copy of overrides in which every reference-typed
// condition value is replaced with the literal found at the referenced path.
// Unresolvable references (missing config, missing path, depth exhausted,
// context expired) render to the unresolved sentinel; the evaluator maps
// such leaves to unknown. Order and shape of the input are preserved.
func RenderOverrides(ctx context.Context, overrides []types.Override, f Fetcher, depth int) []types.Override {
	out := make([]types.Override, len(overrides))
	for i, ov := range overrides {
		out[i] = types.Override{
			Name:  ov.Name,
			Value: ov.Value,
			Conditions: condition.MapValues(ov.Conditions, func(v condition.Value) condition.Value {
				if v.Type != condition.ValueReference {
					return v
				}
				return condition.Value{Type: condition.ValueLiteral, Literal: resolve(ctx, v.Reference, f, depth)}
			}),
		}
	}
	return out
}

func resolve(ctx context.Context, ref condition.Reference, f Fetcher, depth int) any {
	if depth >= MaxReferenceDepth || ctx.Err() != nil || f == nil {
		return condition.Unresolved
	}
	root, ok := f.FetchValue(ctx, ref.ProjectID, ref.ConfigName, depth)
	if !ok {
		return condition.Unresolved
	}
	v, ok := pathutil.Get(root, ref.Path)
	if !ok {
		return condition.Unresolved
	}
	return v
}
