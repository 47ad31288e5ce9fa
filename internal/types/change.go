package types

import "encoding/json"

// Change is a three-state field: absent from the wire means "unchanged",
// present means "set to Value" (including an explicit null). Proposals use
// it to carry per-field deltas against a base config version.
type Change[T any] struct {
	Set   bool
	Value T
}

// Changed builds a set Change.
func Changed[T any](v T) Change[T] {
	return Change[T]{Set: true, Value: v}
}

// Get returns the new value when set, otherwise the fallback.
func (c Change[T]) Get(fallback T) T {
	if c.Set {
		return c.Value
	}
	return fallback
}

// IsZero reports whether the field is unchanged. Combined with the
// `omitzero` JSON tag this keeps unchanged fields off the wire entirely,
// so absence and "set to null" stay distinguishable.
func (c Change[T]) IsZero() bool {
	return !c.Set
}

func (c Change[T]) MarshalJSON() ([]byte, error) {
	if !c.Set {
		return []byte("null"), nil
	}
	return json.Marshal(c.Value)
}

func (c *Change[T]) UnmarshalJSON(data []byte) error {
	c.Set = true
	return json.Unmarshal(data, &c.Value)
}
