package job

import (
	"encoding/json"
	"maps"
	"slices"
)

// Params are the caller-supplied inputs of a job, keyed by parameter name.
// Values are JSON-like: strings, numbers, bools, []byte payloads, nested maps and slices.
type Params map[string]any

// Clone returns a deep copy so later mutation by the caller cannot leak into a job.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return slices.Clone(val)
	case json.RawMessage:
		return slices.Clone(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case Params:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}

// PayloadBytes returns the raw bytes of a binary-like parameter value.
// Only byte slices and strings are payloads; structured values are not.
func PayloadBytes(v any) ([]byte, bool) {
	switch val := v.(type) {
	case []byte:
		return val, true
	case json.RawMessage:
		return val, true
	case string:
		return []byte(val), true
	default:
		return nil, false
	}
}
