package condition

import (
	"fmt"
)

// maxTreeDepth bounds structural recursion over condition trees.
const maxTreeDepth = 32

// Validate checks that the tree is well-formed: known operators, required
// fields per operator, segmentation percentages in range, and bounded depth.
func Validate(c *Condition) error {
	return validate(c, 0)
}

func validate(c *Condition, depth int) error {
	if c == nil {
		return fmt.Errorf("nil condition")
	}
	if depth > maxTreeDepth {
		return fmt.Errorf("condition tree deeper than %d levels", maxTreeDepth)
	}
	switch c.Operator {
	case OpEquals, OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
		return validateLeaf(c)
	case OpIn, OpNotIn:
		if err := validateLeaf(c); err != nil {
			return err
		}
		// List operators need an array literal; references are checked
		// after resolution since their shape is only known then.
		if c.Value.Type == ValueLiteral && !IsUnresolved(c.Value.Literal) {
			if _, ok := c.Value.Literal.([]any); !ok {
				return fmt.Errorf("%s on %q: value must be an array", c.Operator, c.Property)
			}
		}
		return nil
	case OpSegmentation:
		if c.Property == "" {
			return fmt.Errorf("segmentation: property is required")
		}
		if c.FromPercentage == nil || c.ToPercentage == nil {
			return fmt.Errorf("segmentation on %q: fromPercentage and toPercentage are required", c.Property)
		}
		from, to := *c.FromPercentage, *c.ToPercentage
		if from < 0 || from > 100 || to < 0 || to > 100 {
			return fmt.Errorf("segmentation on %q: percentages must be within [0, 100]", c.Property)
		}
		if from > to {
			return fmt.Errorf("segmentation on %q: fromPercentage %v exceeds toPercentage %v", c.Property, from, to)
		}
		if c.Seed == "" {
			return fmt.Errorf("segmentation on %q: seed is required", c.Property)
		}
		return nil
	case OpAnd, OpOr:
		// Empty child lists are allowed: and([]) is vacuously true,
		// or([]) vacuously false.
		for i := range c.Conditions {
			if err := validate(&c.Conditions[i], depth+1); err != nil {
				return fmt.Errorf("%s child %d: %w", c.Operator, i, err)
			}
		}
		return nil
	case OpNot:
		if c.Condition == nil {
			return fmt.Errorf("not: exactly one child is required")
		}
		if err := validate(c.Condition, depth+1); err != nil {
			return fmt.Errorf("not child: %w", err)
		}
		return nil
	case "":
		return fmt.Errorf("missing operator")
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func validateLeaf(c *Condition) error {
	if c.Property == "" {
		return fmt.Errorf("%s: property is required", c.Operator)
	}
	if c.Value == nil {
		return fmt.Errorf("%s on %q: value is required", c.Operator, c.Property)
	}
	switch c.Value.Type {
	case ValueLiteral:
	case ValueReference:
		if c.Value.Reference.ConfigName == "" {
			return fmt.Errorf("%s on %q: reference configName is required", c.Operator, c.Property)
		}
	default:
		return fmt.Errorf("%s on %q: unknown value type %q", c.Operator, c.Property, c.Value.Type)
	}
	return nil
}
