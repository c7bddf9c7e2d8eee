package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is the JSON object body of an entity
type Payload map[string]any

// ParsePayload decodes a JSON object into a Payload
func ParsePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// JSON encodes the payload. Map keys are emitted in sorted order so the
// output is canonical.
func (p Payload) JSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Keys returns the payload keys in sorted order
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the payload
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies JSON-shaped values (maps, slices and scalars)
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = CloneValue(vv)
		}
		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = CloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// String returns the string value of a field
func (p Payload) String(k string) (string, bool) {
	s, ok := p[k].(string)
	return s, ok
}

// Number returns the numeric value of a field whatever its Go type
func (p Payload) Number(k string) (float64, bool) {
	return ToNumber(p[k])
}

// Bool returns the boolean value of a field
func (p Payload) Bool(k string) (bool, bool) {
	b, ok := p[k].(bool)
	return b, ok
}

// Equal reports whether two payloads have the same canonical JSON encoding
func (p Payload) Equal(other Payload) bool {
	a, errA := p.JSON()
	b, errB := other.JSON()
	return errA == nil && errB == nil && string(a) == string(b)
}

// ToNumber converts the numeric types a payload may carry to float64
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// IsEmpty reports whether a payload value carries no information
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
