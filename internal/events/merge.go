package events

import (
	"encoding/json"
	"fmt"
)

// MergeJSON combines two request replies: numbers are summed, arrays are
// concatenated, objects are merged key by key. For any other pair of values
// the right-hand side wins.
func MergeJSON(a, b json.RawMessage) (json.RawMessage, error) {
	if len(a) == 0 {
		return b, nil
	}
	if len(b) == 0 {
		return a, nil
	}
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return json.Marshal(mergeValues(va, vb))
}

func mergeValues(a, b any) any {
	switch ta := a.(type) {
	case float64:
		if tb, ok := b.(float64); ok {
			return ta + tb
		}
	case []any:
		if tb, ok := b.([]any); ok {
			out := make([]any, 0, len(ta)+len(tb))
			return append(append(out, ta...), tb...)
		}
	case map[string]any:
		if tb, ok := b.(map[string]any); ok {
			out := make(map[string]any, len(ta)+len(tb))
			for k, v := range ta {
				out[k] = v
			}
			for k, v := range tb {
				if prev, ok := out[k]; ok {
					out[k] = mergeValues(prev, v)
				} else {
					out[k] = v
				}
			}
			return out
		}
	case nil:
		return b
	}
	if b == nil {
		return a
	}
	return b
}
