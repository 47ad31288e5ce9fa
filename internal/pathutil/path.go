// Package pathutil parses config reference paths and extracts values from
// JSON-shaped data. The syntax uses `.key` for object keys, `[index]` for
// array indices, and bracketed quoted forms (`["a.b"]`, `['a b']`) for keys
// containing special characters. The empty path refers to the root.
package pathutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SegmentType discriminates path segments.
type SegmentType string

const (
	SegmentKey   SegmentType = "key"
	SegmentIndex SegmentType = "index"
)

// Segment is one step into a JSON-shaped value.
type Segment struct {
	Type  SegmentType
	Key   string
	Index int
}

// KeySegment builds a key segment.
func KeySegment(key string) Segment {
	return Segment{Type: SegmentKey, Key: key}
}

// IndexSegment builds an index segment.
func IndexSegment(i int) Segment {
	return Segment{Type: SegmentIndex, Index: i}
}

func (s Segment) MarshalJSON() ([]byte, error) {
	if s.Type == SegmentIndex {
		return json.Marshal(struct {
			Type  SegmentType `json:"type"`
			Value int         `json:"value"`
		}{s.Type, s.Index})
	}
	return json.Marshal(struct {
		Type  SegmentType `json:"type"`
		Value string      `json:"value"`
	}{SegmentKey, s.Key})
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  SegmentType     `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case SegmentKey:
		s.Type = SegmentKey
		return json.Unmarshal(raw.Value, &s.Key)
	case SegmentIndex:
		s.Type = SegmentIndex
		return json.Unmarshal(raw.Value, &s.Index)
	default:
		return fmt.Errorf("unknown path segment type %q", raw.Type)
	}
}

// Parse parses a path string into segments. An empty string yields an
// empty path (the root).
func Parse(path string) ([]Segment, error) {
	segs := []Segment{}
	i := 0
	first := true
	for i < len(path) {
		switch {
		case path[i] == '.':
			if i+1 >= len(path) {
				return nil, fmt.Errorf("path %q: trailing dot", path)
			}
			i++
			key, n, err := parseBareKey(path[i:])
			if err != nil {
				return nil, fmt.Errorf("path %q at %d: %w", path, i, err)
			}
			segs = append(segs, KeySegment(key))
			i += n
		case path[i] == '[':
			seg, n, err := parseBracket(path[i:])
			if err != nil {
				return nil, fmt.Errorf("path %q at %d: %w", path, i, err)
			}
			segs = append(segs, seg)
			i += n
		case first:
			// Leading bare key without a dot: "users[0]" or "users.name".
			key, n, err := parseBareKey(path[i:])
			if err != nil {
				return nil, fmt.Errorf("path %q at %d: %w", path, i, err)
			}
			segs = append(segs, KeySegment(key))
			i += n
		default:
			return nil, fmt.Errorf("path %q: unexpected character %q at %d", path, path[i], i)
		}
		first = false
	}
	return segs, nil
}

// parseBareKey consumes an unquoted key up to the next '.' or '['.
func parseBareKey(s string) (string, int, error) {
	end := len(s)
	for j := 0; j < len(s); j++ {
		if s[j] == '.' || s[j] == '[' {
			end = j
			break
		}
		if s[j] == ']' {
			return "", 0, fmt.Errorf("unexpected ']'")
		}
	}
	if end == 0 {
		return "", 0, fmt.Errorf("empty key")
	}
	return s[:end], end, nil
}

// parseBracket consumes "[123]", "[\"key\"]" or "['key']" including both
// brackets and returns the consumed length.
func parseBracket(s string) (Segment, int, error) {
	if len(s) < 3 {
		return Segment{}, 0, fmt.Errorf("unterminated bracket")
	}
	if s[1] == '"' || s[1] == '\'' {
		quote := s[1]
		var sb strings.Builder
		j := 2
		for j < len(s) {
			c := s[j]
			if c == '\\' && j+1 < len(s) {
				sb.WriteByte(s[j+1])
				j += 2
				continue
			}
			if c == quote {
				if j+1 >= len(s) || s[j+1] != ']' {
					return Segment{}, 0, fmt.Errorf("expected ']' after closing quote")
				}
				return KeySegment(sb.String()), j + 2, nil
			}
			sb.WriteByte(c)
			j++
		}
		return Segment{}, 0, fmt.Errorf("unterminated quoted key")
	}
	close := strings.IndexByte(s, ']')
	if close < 0 {
		return Segment{}, 0, fmt.Errorf("unterminated bracket")
	}
	idx, err := strconv.Atoi(s[1:close])
	if err != nil {
		return Segment{}, 0, fmt.Errorf("invalid array index %q", s[1:close])
	}
	if idx < 0 {
		return Segment{}, 0, fmt.Errorf("negative array index %d", idx)
	}
	return IndexSegment(idx), close + 1, nil
}

// String renders segments back to the canonical path syntax.
func String(segs []Segment) string {
	var sb strings.Builder
	for i, seg := range segs {
		switch seg.Type {
		case SegmentIndex:
			fmt.Fprintf(&sb, "[%d]", seg.Index)
		default:
			if isBareKey(seg.Key) {
				if i > 0 {
					sb.WriteByte('.')
				}
				sb.WriteString(seg.Key)
			} else {
				fmt.Fprintf(&sb, "[%q]", seg.Key)
			}
		}
	}
	return sb.String()
}

func isBareKey(key string) bool {
	if key == "" {
		return false
	}
	return !strings.ContainsAny(key, ".[]\"'\\ ")
}

// Get walks a JSON-shaped value (maps, slices, scalars as produced by
// encoding/json into any) along the path. The second return is false when
// the path does not exist in the value.
func Get(value any, segs []Segment) (any, bool) {
	cur := value
	for _, seg := range segs {
		switch seg.Type {
		case SegmentKey:
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			next, ok := obj[seg.Key]
			if !ok {
				return nil, false
			}
			cur = next
		case SegmentIndex:
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			if seg.Index < 0 || seg.Index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.Index]
		default:
			return nil, false
		}
	}
	return cur, true
}
