package resolver

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// NestedMerge decides structural conflicts below the first level of
// payload nesting. path is the dotted key of the conflicting object. It
// must be deterministic.
type NestedMerge func(path string, a, b map[string]any, preferB bool) any

// PreferSide is the NestedMerge used when none is configured: the preferred
// side wins the whole nested object.
func PreferSide(_ string, a, b map[string]any, preferB bool) any {
	if preferB {
		return model.CloneValue(b)
	}
	return model.CloneValue(a)
}

// DeepMerge combines two payloads. Fields present on one side only are
// kept. Lists are unioned without duplicates, objects are merged key by key
// one level deep and deeper objects go through nested. Other differing
// values come from b when preferB is set, otherwise from a.
func DeepMerge(a, b model.Payload, preferB bool, nested NestedMerge) model.Payload {
	if nested == nil {
		nested = PreferSide
	}
	out := make(model.Payload, len(a)+len(b))
	for _, k := range unionKeys(a, b) {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			out[k] = model.CloneValue(av)
		case inB && !inA:
			out[k] = model.CloneValue(bv)
		default:
			out[k] = mergeValue(k, av, bv, preferB, 0, nested)
		}
	}
	return out
}

func mergeValue(path string, a, b any, preferB bool, depth int, nested NestedMerge) any {
	switch av := a.(type) {
	case []any:
		if bv, ok := b.([]any); ok {
			return unionList(av, bv)
		}
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			if depth > 0 {
				return nested(path, av, bv, preferB)
			}
			out := make(map[string]any, len(av)+len(bv))
			for _, k := range unionKeys(av, bv) {
				x, inA := av[k]
				y, inB := bv[k]
				switch {
				case inA && !inB:
					out[k] = model.CloneValue(x)
				case inB && !inA:
					out[k] = model.CloneValue(y)
				default:
					out[k] = mergeValue(path+"."+k, x, y, preferB, depth+1, nested)
				}
			}
			return out
		}
	}
	if canonical(a) == canonical(b) || !preferB {
		return model.CloneValue(a)
	}
	return model.CloneValue(b)
}

// unionList keeps the order of a followed by the new items of b
func unionList(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, v := range list {
			c := canonical(v)
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, model.CloneValue(v))
		}
	}
	return out
}

func unionKeys[M ~map[string]any](a, b M) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// canonical is the JSON form of v; encoding/json sorts map keys. Values
// JSON cannot encode fall back to their Go syntax so they never collide.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%#v", v, v)
	}
	return string(data)
}
