// Package sanitize strips unset fields from outbound records. The
// backing store treats a null value as an erroneous write rather than
// an absent field, so every write path funnels through here.
package sanitize

import (
	"encoding/json"
	"fmt"
)

// Clean returns a copy of rec with nil entries removed, descending one
// level into nested records (sender and attachment descriptors are the
// relevant cases). The input is never mutated and a nil input yields
// an empty record.
func Clean(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			inner := make(map[string]any, len(nested))
			for nk, nv := range nested {
				if nv != nil {
					inner[nk] = nv
				}
			}
			out[k] = inner
			continue
		}
		out[k] = v
	}
	return out
}

// Record flattens a typed value into a generic record and Cleans it.
// Nil pointer fields marshal to null and are dropped, so optional
// descriptors never reach the store as nulls.
func Record(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sanitize: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("sanitize: %w", err)
	}
	return Clean(rec), nil
}
