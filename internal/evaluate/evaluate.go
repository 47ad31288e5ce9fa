package evaluate

import (
	"fmt"

	"confmesh/internal/condition"
	"confmesh/internal/segment"
	"confmesh/internal/types"
)

// Context is the caller-supplied evaluation context: property name to
// JSON-shaped value.
type Context map[string]any

// Evaluate walks overrides in declared order and returns the value of the
// first override whose top-level conjunction matched, falling back to
// baseValue. It is a pure function: no clock, no randomness, no I/O.
// References must already be rendered (see RenderOverrides).
func Evaluate(baseValue any, overrides []types.Override, ctx Context) Outcome {
	out := Outcome{FinalValue: baseValue, Trace: make([]OverrideTrace, 0, len(overrides))}
	for i := range overrides {
		ov := &overrides[i]
		trace := evalOverride(ov, ctx)
		out.Trace = append(out.Trace, trace)
		if trace.Result == Matched && out.MatchedOverride == nil {
			out.MatchedOverride = ov
			out.FinalValue = ov.Value
		}
	}
	return out
}

// evalOverride combines an override's top-level conditions as a conjunction.
func evalOverride(ov *types.Override, ctx Context) OverrideTrace {
	trace := OverrideTrace{Name: ov.Name, Result: Matched, Conditions: make([]ConditionTrace, 0, len(ov.Conditions))}
	sawUnknown := false
	for i := range ov.Conditions {
		ct := evalCondition(&ov.Conditions[i], ctx)
		trace.Conditions = append(trace.Conditions, ct)
		if ct.Result == NotMatched {
			trace.Result = NotMatched
			return trace
		}
		if ct.Result == Unknown {
			sawUnknown = true
		}
	}
	if sawUnknown {
		trace.Result = Unknown
	}
	return trace
}

func evalCondition(c *condition.Condition, ctx Context) ConditionTrace {
	switch c.Operator {
	case condition.OpAnd:
		return evalAnd(c, ctx)
	case condition.OpOr:
		return evalOr(c, ctx)
	case condition.OpNot:
		return evalNot(c, ctx)
	case condition.OpSegmentation:
		return evalSegmentation(c, ctx)
	default:
		return evalLeaf(c, ctx)
	}
}

func evalAnd(c *condition.Condition, ctx Context) ConditionTrace {
	trace := ConditionTrace{Operator: condition.OpAnd, Result: Matched, Reason: "all children matched"}
	if len(c.Conditions) == 0 {
		trace.Reason = "no children: vacuously matched"
		return trace
	}
	sawUnknown := false
	for i := range c.Conditions {
		ct := evalCondition(&c.Conditions[i], ctx)
		trace.Children = append(trace.Children, ct)
		if ct.Result == NotMatched {
			trace.Result = NotMatched
			trace.Reason = fmt.Sprintf("child %d did not match", i)
			return trace
		}
		if ct.Result == Unknown {
			sawUnknown = true
		}
	}
	if sawUnknown {
		trace.Result = Unknown
		trace.Reason = "at least one child is unknown"
	}
	return trace
}

func evalOr(c *condition.Condition, ctx Context) ConditionTrace {
	trace := ConditionTrace{Operator: condition.OpOr, Result: NotMatched, Reason: "no child matched"}
	if len(c.Conditions) == 0 {
		trace.Reason = "no children: vacuously not matched"
		return trace
	}
	sawUnknown := false
	for i := range c.Conditions {
		ct := evalCondition(&c.Conditions[i], ctx)
		trace.Children = append(trace.Children, ct)
		if ct.Result == Matched {
			trace.Result = Matched
			trace.Reason = fmt.Sprintf("child %d matched", i)
			return trace
		}
		if ct.Result == Unknown {
			sawUnknown = true
		}
	}
	if sawUnknown {
		trace.Result = Unknown
		trace.Reason = "no child matched and at least one is unknown"
	}
	return trace
}

func evalNot(c *condition.Condition, ctx Context) ConditionTrace {
	trace := ConditionTrace{Operator: condition.OpNot}
	if c.Condition == nil {
		trace.Result = Unknown
		trace.Reason = "not without child"
		return trace
	}
	child := evalCondition(c.Condition, ctx)
	trace.Children = []ConditionTrace{child}
	trace.Result = negate(child.Result)
	trace.Reason = fmt.Sprintf("negation of child result %s", child.Result)
	return trace
}

func evalSegmentation(c *condition.Condition, ctx Context) ConditionTrace {
	trace := ConditionTrace{Operator: condition.OpSegmentation, Property: c.Property}
	v, present := ctx[c.Property]
	if !present {
		trace.Result = Unknown
		trace.Reason = fmt.Sprintf("property %q is absent from context", c.Property)
		return trace
	}
	if c.FromPercentage == nil || c.ToPercentage == nil || c.Seed == "" {
		trace.Result = Unknown
		trace.Reason = "segmentation is missing percentages or seed"
		return trace
	}
	bucket, err := segment.Bucket(c.Seed, v)
	if err != nil {
		trace.Result = Unknown
		trace.Reason = fmt.Sprintf("property %q is not hashable: %v", c.Property, err)
		return trace
	}
	from, to := *c.FromPercentage, *c.ToPercentage
	// Half-open interval: buckets in [from, to) match.
	if float64(bucket) >= from && float64(bucket) < to {
		trace.Result = Matched
		trace.Reason = fmt.Sprintf("bucket %d within [%v, %v)", bucket, from, to)
	} else {
		trace.Result = NotMatched
		trace.Reason = fmt.Sprintf("bucket %d outside [%v, %v)", bucket, from, to)
	}
	return trace
}

func evalLeaf(c *condition.Condition, ctx Context) ConditionTrace {
	trace := ConditionTrace{Operator: c.Operator, Property: c.Property}
	v, present := ctx[c.Property]
	if !present {
		trace.Result = Unknown
		trace.Reason = fmt.Sprintf("property %q is absent from context", c.Property)
		return trace
	}
	if c.Value == nil {
		trace.Result = Unknown
		trace.Reason = "condition has no value"
		return trace
	}
	lit := c.Value.Literal
	if c.Value.Type == condition.ValueReference || condition.IsUnresolved(lit) {
		trace.Result = Unknown
		trace.Reason = "reference is unresolved"
		return trace
	}

	switch c.Operator {
	case condition.OpEquals:
		if equalJSON(v, lit) {
			trace.Result = Matched
			trace.Reason = fmt.Sprintf("property %q equals the expected value", c.Property)
		} else {
			trace.Result = NotMatched
			trace.Reason = fmt.Sprintf("property %q differs from the expected value", c.Property)
		}
	case condition.OpIn, condition.OpNotIn:
		list, ok := lit.([]any)
		if !ok {
			trace.Result = Unknown
			trace.Reason = fmt.Sprintf("%s value is not a list", c.Operator)
			return trace
		}
		found := false
		for _, item := range list {
			if equalJSON(v, item) {
				found = true
				break
			}
		}
		member := found
		if c.Operator == condition.OpNotIn {
			member = !found
		}
		if member {
			trace.Result = Matched
		} else {
			trace.Result = NotMatched
		}
		trace.Reason = fmt.Sprintf("property %q in list: %v", c.Property, found)
	case condition.OpLessThan, condition.OpLessThanOrEqual, condition.OpGreaterThan, condition.OpGreaterThanOrEqual:
		cmp, kind := compareOrder(v, lit)
		switch kind {
		case mixedTypes:
			trace.Result = Unknown
			trace.Reason = fmt.Sprintf("property %q and value have mixed string/number types", c.Property)
		case unordered:
			trace.Result = NotMatched
			trace.Reason = fmt.Sprintf("property %q and value are not orderable", c.Property)
		default:
			ok := false
			switch c.Operator {
			case condition.OpLessThan:
				ok = cmp < 0
			case condition.OpLessThanOrEqual:
				ok = cmp <= 0
			case condition.OpGreaterThan:
				ok = cmp > 0
			case condition.OpGreaterThanOrEqual:
				ok = cmp >= 0
			}
			if ok {
				trace.Result = Matched
			} else {
				trace.Result = NotMatched
			}
			trace.Reason = fmt.Sprintf("comparison %s on property %q: %v", c.Operator, c.Property, ok)
		}
	default:
		trace.Result = Unknown
		trace.Reason = fmt.Sprintf("unknown operator %q", c.Operator)
	}
	return trace
}
