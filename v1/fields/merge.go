package fields

// DeepMerge merges src into dst recursively and returns the result. Nested
// maps are merged key by key; any other value in src replaces the one in dst.
// Neither input map is mutated.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		sv, svOK := v.(map[string]any)
		dv, dvOK := out[k].(map[string]any)
		if svOK && dvOK {
			out[k] = DeepMerge(dv, sv)
			continue
		}
		out[k] = v
	}
	return out
}

// deepCopy returns a copy of m safe to hand to caller code: nested maps and
// slices are copied, scalar values are shared.
func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = copyValue(e)
		}
		return cp
	default:
		return v
	}
}
