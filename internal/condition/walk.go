package condition

// Walk visits every node of the tree pre-order. Returning false from fn
// stops descent into that node's children.
func Walk(c *Condition, fn func(*Condition) bool) {
	if c == nil || !fn(c) {
		return
	}
	for i := range c.Conditions {
		Walk(&c.Conditions[i], fn)
	}
	if c.Condition != nil {
		Walk(c.Condition, fn)
	}
}

// Properties returns the distinct context property names the tree reads,
// in first-seen order.
func Properties(conds []Condition) []string {
	seen := map[string]bool{}
	var out []string
	for i := range conds {
		Walk(&conds[i], func(c *Condition) bool {
			if c.Property != "" && !seen[c.Property] {
				seen[c.Property] = true
				out = append(out, c.Property)
			}
			return true
		})
	}
	return out
}

// References collects every reference-typed condition value in the trees,
// in declaration order.
func References(conds []Condition) []Reference {
	var out []Reference
	for i := range conds {
		Walk(&conds[i], func(c *Condition) bool {
			if c.Value != nil && c.Value.Type == ValueReference {
				out = append(out, c.Value.Reference)
			}
			return true
		})
	}
	return out
}

// MapValues returns a deep copy of the tree with every condition value
// replaced by fn's result. The input is not modified; order and shape are
// preserved. The reference resolver uses this to render references.
func MapValues(conds []Condition, fn func(Value) Value) []Condition {
	out := make([]Condition, len(conds))
	for i := range conds {
		out[i] = mapValues(conds[i], fn)
	}
	return out
}

func mapValues(c Condition, fn func(Value) Value) Condition {
	cp := c
	if c.Value != nil {
		v := fn(*c.Value)
		cp.Value = &v
	}
	if len(c.Conditions) > 0 {
		cp.Conditions = MapValues(c.Conditions, fn)
	}
	if c.Condition != nil {
		child := mapValues(*c.Condition, fn)
		cp.Condition = &child
	}
	return cp
}
