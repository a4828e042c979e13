package models

// MergeOutput folds an upstream output into the current one. Every leaf that
// is not yet present in current is passed through rehost; leaves already set
// are left alone so repeated polls are idempotent. It returns the merged
// output and whether anything was added.
//
// Outputs are a single value, a map of named sub-outputs or a list (streamed
// outputs grow over time). Non-string leaves are copied as-is.
func MergeOutput(current, upstream any, rehost func(string) string) (any, bool) {
	if isUnset(upstream) {
		return current, false
	}
	if isUnset(current) {
		return rehostAll(upstream, rehost), true
	}

	switch cur := current.(type) {
	case map[string]any:
		up, ok := upstream.(map[string]any)
		if !ok {
			return current, false
		}
		changed := false
		for k, v := range up {
			if !isUnset(cur[k]) || isUnset(v) {
				continue
			}
			cur[k] = rehostLeaf(v, rehost)
			changed = true
		}
		return cur, changed
	case []any:
		up, ok := upstream.([]any)
		if !ok {
			return current, false
		}
		changed := false
		for i, v := range up {
			if isUnset(v) {
				continue
			}
			if i >= len(cur) {
				cur = append(cur, rehostLeaf(v, rehost))
				changed = true
				continue
			}
			if isUnset(cur[i]) {
				cur[i] = rehostLeaf(v, rehost)
				changed = true
			}
		}
		return cur, changed
	}
	return current, false
}

func rehostAll(v any, rehost func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, leaf := range t {
			out[k] = rehostLeaf(leaf, rehost)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, leaf := range t {
			out[i] = rehostLeaf(leaf, rehost)
		}
		return out
	}
	return rehostLeaf(v, rehost)
}

func rehostLeaf(v any, rehost func(string) string) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	return rehost(s)
}

func isUnset(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
