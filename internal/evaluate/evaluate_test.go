package evaluate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confmesh/internal/condition"
	"confmesh/internal/types"
)

func f64(v float64) *float64 { return &v }

func equalsOverride(name, property string, expected, value any) types.Override {
	return types.Override{
		Name: name,
		Conditions: []condition.Condition{
			{Operator: condition.OpEquals, Property: property, Value: condition.LiteralValue(expected)},
		},
		Value: value,
	}
}

func TestBaseOnly(t *testing.T) {
	out := Evaluate(true, nil, Context{})
	assert.Equal(t, true, out.FinalValue)
	assert.Nil(t, out.MatchedOverride)
	assert.Empty(t, out.Trace)
}

func TestEqualsMatch(t *testing.T) {
	ov := equalsOverride("vip", "plan", "premium", "paid")
	out := Evaluate("free", []types.Override{ov}, Context{"plan": "premium"})
	assert.Equal(t, "paid", out.FinalValue)
	require.NotNil(t, out.MatchedOverride)
	assert.Equal(t, "vip", out.MatchedOverride.Name)
	require.Len(t, out.Trace, 1)
	assert.Equal(t, Matched, out.Trace[0].Result)
}

func TestUnknownProperty(t *testing.T) {
	ov := equalsOverride("vip", "plan", "premium", "paid")
	out := Evaluate("free", []types.Override{ov}, Context{})
	assert.Equal(t, "free", out.FinalValue)
	assert.Nil(t, out.MatchedOverride)
	require.Len(t, out.Trace, 1)
	assert.Equal(t, Unknown, out.Trace[0].Result)
	require.Len(t, out.Trace[0].Conditions, 1)
	assert.Equal(t, Unknown, out.Trace[0].Conditions[0].Result)
}

func TestFirstMatchWins(t *testing.T) {
	overrides := []types.Override{
		equalsOverride("first", "plan", "premium", "a"),
		equalsOverride("second", "plan", "premium", "b"),
	}
	out := Evaluate("base", overrides, Context{"plan": "premium"})
	assert.Equal(t, "a", out.FinalValue)
	assert.Equal(t, "first", out.MatchedOverride.Name)
	// Both overrides are still recorded, in declaration order.
	require.Len(t, out.Trace, 2)
	assert.Equal(t, "first", out.Trace[0].Name)
	assert.Equal(t, "second", out.Trace[1].Name)
	assert.Equal(t, Matched, out.Trace[1].Result)
}

func TestUnknownOverrideIsSkippedButRecorded(t *testing.T) {
	overrides := []types.Override{
		equalsOverride("needs-plan", "plan", "premium", "a"),
		equalsOverride("needs-user", "user", "alice", "b"),
	}
	out := Evaluate("base", overrides, Context{"user": "alice"})
	assert.Equal(t, "b", out.FinalValue)
	assert.Equal(t, "needs-user", out.MatchedOverride.Name)
	assert.Equal(t, Unknown, out.Trace[0].Result)
	assert.Equal(t, Matched, out.Trace[1].Result)
}

// Golden buckets under seed "exp-1": "u-001" -> 20, "u-042" -> 90.
func TestSegmentationRollout(t *testing.T) {
	ov := types.Override{
		Name: "exp",
		Conditions: []condition.Condition{{
			Operator:       condition.OpSegmentation,
			Property:       "userId",
			FromPercentage: f64(0),
			ToPercentage:   f64(25),
			Seed:           "exp-1",
		}},
		Value: "B",
	}

	out := Evaluate("A", []types.Override{ov}, Context{"userId": "u-001"})
	assert.Equal(t, "B", out.FinalValue)

	out = Evaluate("A", []types.Override{ov}, Context{"userId": "u-042"})
	assert.Equal(t, "A", out.FinalValue)

	// Absent property: unknown, not not_matched.
	out = Evaluate("A", []types.Override{ov}, Context{})
	assert.Equal(t, "A", out.FinalValue)
	assert.Equal(t, Unknown, out.Trace[0].Result)
}

// Half-open interval: a bucket exactly at toPercentage does not match.
func TestSegmentationBoundaryExclusive(t *testing.T) {
	cond := condition.Condition{
		Operator:       condition.OpSegmentation,
		Property:       "userId",
		FromPercentage: f64(20),
		ToPercentage:   f64(20),
		Seed:           "exp-1",
	}
	trace := evalCondition(&cond, Context{"userId": "u-001"}) // bucket 20
	assert.Equal(t, NotMatched, trace.Result)

	cond.ToPercentage = f64(21)
	trace = evalCondition(&cond, Context{"userId": "u-001"})
	assert.Equal(t, Matched, trace.Result)
}

func TestInAndNotIn(t *testing.T) {
	list := condition.LiteralValue([]any{"alice", "bob"})

	in := condition.Condition{Operator: condition.OpIn, Property: "user", Value: list}
	assert.Equal(t, Matched, evalCondition(&in, Context{"user": "alice"}).Result)
	assert.Equal(t, NotMatched, evalCondition(&in, Context{"user": "carol"}).Result)
	assert.Equal(t, Unknown, evalCondition(&in, Context{}).Result)

	notIn := condition.Condition{Operator: condition.OpNotIn, Property: "user", Value: list}
	assert.Equal(t, NotMatched, evalCondition(&notIn, Context{"user": "alice"}).Result)
	assert.Equal(t, Matched, evalCondition(&notIn, Context{"user": "carol"}).Result)
	// not_in is also unknown when the property is absent.
	assert.Equal(t, Unknown, evalCondition(&notIn, Context{}).Result)
}

func TestComparisons(t *testing.T) {
	lt := condition.Condition{Operator: condition.OpLessThan, Property: "n", Value: condition.LiteralValue(float64(10))}
	assert.Equal(t, Matched, evalCondition(&lt, Context{"n": 5}).Result)
	assert.Equal(t, NotMatched, evalCondition(&lt, Context{"n": 10.0}).Result)
	assert.Equal(t, Unknown, evalCondition(&lt, Context{}).Result)

	lte := condition.Condition{Operator: condition.OpLessThanOrEqual, Property: "n", Value: condition.LiteralValue(float64(10))}
	assert.Equal(t, Matched, evalCondition(&lte, Context{"n": 10}).Result)

	gt := condition.Condition{Operator: condition.OpGreaterThan, Property: "s", Value: condition.LiteralValue("m")}
	assert.Equal(t, Matched, evalCondition(&gt, Context{"s": "z"}).Result)
	assert.Equal(t, NotMatched, evalCondition(&gt, Context{"s": "a"}).Result)

	gte := condition.Condition{Operator: condition.OpGreaterThanOrEqual, Property: "s", Value: condition.LiteralValue("m")}
	assert.Equal(t, Matched, evalCondition(&gte, Context{"s": "m"}).Result)

	// Mixed string/number: unknown, not an error.
	mixed := condition.Condition{Operator: condition.OpLessThan, Property: "n", Value: condition.LiteralValue("10")}
	assert.Equal(t, Unknown, evalCondition(&mixed, Context{"n": 5}).Result)

	// Unorderable types: not_matched.
	unord := condition.Condition{Operator: condition.OpLessThan, Property: "b", Value: condition.LiteralValue(true)}
	assert.Equal(t, NotMatched, evalCondition(&unord, Context{"b": false}).Result)
}

func TestEqualsDeepComparison(t *testing.T) {
	expected := condition.LiteralValue(map[string]any{"tier": "gold", "flags": []any{float64(1), float64(2)}})
	eq := condition.Condition{Operator: condition.OpEquals, Property: "acct", Value: expected}

	same := map[string]any{"tier": "gold", "flags": []any{1, 2}}
	assert.Equal(t, Matched, evalCondition(&eq, Context{"acct": same}).Result)

	different := map[string]any{"tier": "gold", "flags": []any{1, 3}}
	assert.Equal(t, NotMatched, evalCondition(&eq, Context{"acct": different}).Result)
}

func TestAndOrSemantics(t *testing.T) {
	match := condition.Condition{Operator: condition.OpEquals, Property: "a", Value: condition.LiteralValue("x")}
	noMatch := condition.Condition{Operator: condition.OpEquals, Property: "a", Value: condition.LiteralValue("y")}
	unknown := condition.Condition{Operator: condition.OpEquals, Property: "missing", Value: condition.LiteralValue("z")}
	ctx := Context{"a": "x"}

	and := condition.Condition{Operator: condition.OpAnd, Conditions: []condition.Condition{match, unknown}}
	assert.Equal(t, Unknown, evalCondition(&and, ctx).Result)

	and = condition.Condition{Operator: condition.OpAnd, Conditions: []condition.Condition{noMatch, unknown}}
	trace := evalCondition(&and, ctx)
	assert.Equal(t, NotMatched, trace.Result)
	// Short-circuited: the unknown child was never evaluated.
	assert.Len(t, trace.Children, 1)

	or := condition.Condition{Operator: condition.OpOr, Conditions: []condition.Condition{unknown, match}}
	assert.Equal(t, Matched, evalCondition(&or, ctx).Result)

	or = condition.Condition{Operator: condition.OpOr, Conditions: []condition.Condition{unknown, noMatch}}
	assert.Equal(t, Unknown, evalCondition(&or, ctx).Result)

	or = condition.Condition{Operator: condition.OpOr, Conditions: []condition.Condition{noMatch}}
	assert.Equal(t, NotMatched, evalCondition(&or, ctx).Result)
}

func TestVacuousComposites(t *testing.T) {
	and := condition.Condition{Operator: condition.OpAnd}
	assert.Equal(t, Matched, evalCondition(&and, Context{}).Result)

	or := condition.Condition{Operator: condition.OpOr}
	assert.Equal(t, NotMatched, evalCondition(&or, Context{}).Result)
}

func TestNotSemantics(t *testing.T) {
	match := condition.Condition{Operator: condition.OpEquals, Property: "a", Value: condition.LiteralValue("x")}
	unknown := condition.Condition{Operator: condition.OpEquals, Property: "missing", Value: condition.LiteralValue("z")}
	ctx := Context{"a": "x"}

	not := condition.Condition{Operator: condition.OpNot, Condition: &match}
	assert.Equal(t, NotMatched, evalCondition(&not, ctx).Result)

	// unknown stays unknown under negation.
	not = condition.Condition{Operator: condition.OpNot, Condition: &unknown}
	assert.Equal(t, Unknown, evalCondition(&not, ctx).Result)
}

func TestUnresolvedReferenceLeafIsUnknown(t *testing.T) {
	leaf := condition.Condition{
		Operator: condition.OpIn,
		Property: "user",
		Value:    &condition.Value{Type: condition.ValueLiteral, Literal: condition.Unresolved},
	}
	assert.Equal(t, Unknown, evalCondition(&leaf, Context{"user": "alice"}).Result)
}

// Repeated evaluation yields identical outcomes: no clock, no randomness.
func TestDeterminism(t *testing.T) {
	overrides := []types.Override{
		equalsOverride("vip", "plan", "premium", "paid"),
		{
			Name: "rollout",
			Conditions: []condition.Condition{{
				Operator: condition.OpSegmentation, Property: "userId",
				FromPercentage: f64(0), ToPercentage: f64(50), Seed: "exp-1",
			}},
			Value: "variant",
		},
	}
	ctx := Context{"plan": "basic", "userId": "u-001"}
	first := Evaluate("base", overrides, ctx)
	for i := 0; i < 50; i++ {
		again := Evaluate("base", overrides, ctx)
		require.Equal(t, first, again)
	}
}
