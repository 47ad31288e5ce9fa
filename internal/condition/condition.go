// Package condition defines the targeting condition language: a recursive
// discriminated tree of operators over a caller-supplied evaluation context.
// Leaf operators test a single context property, `segmentation` buckets a
// property deterministically, and `and`/`or`/`not` compose children.
package condition

import (
	"encoding/json"
	"fmt"

	"confmesh/internal/pathutil"
)

// Operator tags a condition node.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpSegmentation       Operator = "segmentation"
	OpAnd                Operator = "and"
	OpOr                 Operator = "or"
	OpNot                Operator = "not"
)

// Condition is one node of a condition tree. Which fields are meaningful
// depends on Operator; Validate enforces the shape.
type Condition struct {
	Operator Operator `json:"operator"`

	// Leaf operators and segmentation.
	Property string `json:"property,omitempty"`
	Value    *Value `json:"value,omitempty"`

	// Segmentation.
	FromPercentage *float64 `json:"fromPercentage,omitempty"`
	ToPercentage   *float64 `json:"toPercentage,omitempty"`
	Seed           string   `json:"seed,omitempty"`

	// and / or children; not's single child.
	Conditions []Condition `json:"conditions,omitempty"`
	Condition  *Condition  `json:"condition,omitempty"`
}

// ValueType discriminates condition values.
type ValueType string

const (
	ValueLiteral   ValueType = "literal"
	ValueReference ValueType = "reference"
)

// Reference names a path into another config's effective value.
type Reference struct {
	ProjectID  string
	ConfigName string
	Path       []pathutil.Segment
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s:%s", r.ProjectID, r.ConfigName, pathutil.String(r.Path))
}

// Value is either a JSON literal or a reference into another config,
// resolved to a literal before evaluation.
type Value struct {
	Type      ValueType
	Literal   any
	Reference Reference
}

// LiteralValue builds a literal condition value.
func LiteralValue(v any) *Value {
	return &Value{Type: ValueLiteral, Literal: v}
}

// ReferenceValue builds a reference condition value.
func ReferenceValue(projectID, configName string, path []pathutil.Segment) *Value {
	return &Value{Type: ValueReference, Reference: Reference{ProjectID: projectID, ConfigName: configName, Path: path}}
}

// unresolvedSentinel replaces a reference that could not be resolved.
// Leaves carrying it evaluate to unknown rather than erroring.
type unresolvedSentinel struct{}

// Unresolved is the literal a failed reference renders to.
var Unresolved any = unresolvedSentinel{}

// IsUnresolved reports whether v is the unresolved-reference sentinel.
func IsUnresolved(v any) bool {
	_, ok := v.(unresolvedSentinel)
	return ok
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueReference:
		return json.Marshal(struct {
			Type       ValueType `json:"type"`
			ProjectID  string    `json:"projectId"`
			ConfigName string    `json:"configName"`
			Path       string    `json:"path"`
		}{ValueReference, v.Reference.ProjectID, v.Reference.ConfigName, pathutil.String(v.Reference.Path)})
	default:
		lit := v.Literal
		if IsUnresolved(lit) {
			// Sentinel never round-trips as data.
			lit = nil
		}
		return json.Marshal(struct {
			Type  ValueType `json:"type"`
			Value any       `json:"value"`
		}{ValueLiteral, lit})
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       ValueType       `json:"type"`
		Value      json.RawMessage `json:"value"`
		ProjectID  string          `json:"projectId"`
		ConfigName string          `json:"configName"`
		Path       json.RawMessage `json:"path"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case ValueLiteral:
		v.Type = ValueLiteral
		if len(raw.Value) == 0 {
			v.Literal = nil
			return nil
		}
		return json.Unmarshal(raw.Value, &v.Literal)
	case ValueReference:
		v.Type = ValueReference
		v.Reference.ProjectID = raw.ProjectID
		v.Reference.ConfigName = raw.ConfigName
		path, err := decodePath(raw.Path)
		if err != nil {
			return fmt.Errorf("reference path: %w", err)
		}
		v.Reference.Path = path
		return nil
	default:
		return fmt.Errorf("condition value: unknown type %q", raw.Type)
	}
}

// decodePath accepts the path either as a syntax string ("users[0].name"),
// as a bare JSON array of keys/indices (["users",0,"name"]), or as an array
// of typed segment objects.
func decodePath(raw json.RawMessage) ([]pathutil.Segment, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return pathutil.Parse(s)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	segs := make([]pathutil.Segment, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 && p[0] == '{' {
			var seg pathutil.Segment
			if err := json.Unmarshal(p, &seg); err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			continue
		}
		var key string
		if err := json.Unmarshal(p, &key); err == nil {
			segs = append(segs, pathutil.KeySegment(key))
			continue
		}
		var idx int
		if err := json.Unmarshal(p, &idx); err != nil {
			return nil, fmt.Errorf("path element %s is neither key nor index", p)
		}
		segs = append(segs, pathutil.IndexSegment(idx))
	}
	return segs, nil
}
