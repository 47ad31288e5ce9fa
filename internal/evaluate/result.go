// Package evaluate computes a config's effective value for an evaluation
// context: environment variant layering, reference rendering, and ordered
// first-match override selection with a full per-node trace.
package evaluate

import (
	"confmesh/internal/condition"
	"confmesh/internal/types"
)

// Result is the tri-state outcome of a condition node. Unknown is not a
// failure: it records that the context lacked the information to decide,
// and an unknown override is skipped rather than selected.
type Result string

const (
	Matched    Result = "matched"
	NotMatched Result = "not_matched"
	Unknown    Result = "unknown"
)

// negate inverts matched and not_matched; unknown stays unknown.
func negate(r Result) Result {
	switch r {
	case Matched:
		return NotMatched
	case NotMatched:
		return Matched
	default:
		return Unknown
	}
}

// ConditionTrace records one condition node's result. Children mirror
// declaration order; short-circuited siblings are not present.
type ConditionTrace struct {
	Operator condition.Operator `json:"operator"`
	Property string             `json:"property,omitempty"`
	Result   Result             `json:"result"`
	Reason   string             `json:"reason"`
	Children []ConditionTrace   `json:"children,omitempty"`
}

// OverrideTrace records one override's combined result.
type OverrideTrace struct {
	Name       string           `json:"name"`
	Result     Result           `json:"result"`
	Conditions []ConditionTrace `json:"conditions"`
}

// Outcome is the full evaluation result.
type Outcome struct {
	FinalValue      any             `json:"finalValue"`
	MatchedOverride *types.Override `json:"matchedOverride,omitempty"`
	Trace           []OverrideTrace `json:"trace"`
}
