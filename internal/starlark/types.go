// Package starlark provides the Starlark runtime used by scripted
// treatments: value conversion, feature marshaling and the geo builtins.
package starlark

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/leapstack-labs/geoquery/pkg/core"
	"go.starlark.net/starlark"
)

// GoToStarlark converts a Go value to a Starlark value.
// Supported types: string, ints, floats, bool, []string, []any,
// []map[string]any, map[string]any, map[string]string, json.Number
func GoToStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case string:
		return starlark.String(val), nil

	case int:
		return starlark.MakeInt(val), nil

	case int64:
		return starlark.MakeInt64(val), nil

	case float64:
		return starlark.Float(val), nil

	case float32:
		return starlark.Float(val), nil

	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return starlark.Float(f), nil

	case bool:
		return starlark.Bool(val), nil

	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil

	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := GoToStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil

	case []map[string]any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := GoToStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil

	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, fmt.Errorf("dict setkey %q: %w", k, err)
			}
		}
		return dict, nil

	case map[string]any:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			sv, err := GoToStarlark(val[k])
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, fmt.Errorf("dict setkey %q: %w", k, err)
			}
		}
		return dict, nil

	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ToGo converts a Starlark value back to a Go value.
// Returns: string, int64, float64, bool, []any, map[string]any, or nil
func ToGo(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil

	case starlark.String:
		return string(val), nil

	case starlark.Int:
		i64, ok := val.Int64()
		if !ok {
			// Fallback for very large integers - convert to string
			return val.String(), nil
		}
		return i64, nil

	case starlark.Float:
		return float64(val), nil

	case starlark.Bool:
		return bool(val), nil

	case *starlark.List:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := ToGo(val.Index(i))
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			result[i] = gv
		}
		return result, nil

	case starlark.Tuple:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := ToGo(val.Index(i))
			if err != nil {
				return nil, fmt.Errorf("tuple index %d: %w", i, err)
			}
			result[i] = gv
		}
		return result, nil

	case *starlark.Dict:
		result := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := ToGo(item[1])
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", string(key), err)
			}
			result[string(key)] = gv
		}
		return result, nil

	default:
		return nil, fmt.Errorf("cannot convert %s to a Go value", v.Type())
	}
}

// FeaturesToStarlark converts features to a list of GeoJSON-shaped dicts.
func FeaturesToStarlark(features []core.Feature) (*starlark.List, error) {
	list := make([]starlark.Value, 0, len(features))
	for i, f := range features {
		m, err := toJSONMap(f)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		sv, err := GoToStarlark(m)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		list = append(list, sv)
	}
	return starlark.NewList(list), nil
}

// FeaturesFromStarlark converts a list of feature dicts back to features.
func FeaturesFromStarlark(v starlark.Value) ([]core.Feature, error) {
	gv, err := ToGo(v)
	if err != nil {
		return nil, err
	}
	items, ok := gv.([]any)
	if !ok {
		return nil, fmt.Errorf("features must be a list, got %s", v.Type())
	}

	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}
	var features []core.Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("features are not GeoJSON: %w", err)
	}
	for i := range features {
		if features[i].Type == "" {
			features[i].Type = "Feature"
		}
		if features[i].Properties == nil {
			features[i].Properties = map[string]any{}
		}
	}
	return features, nil
}

// BBoxToStarlark returns [minLon, minLat, maxLon, maxLat] or None.
func BBoxToStarlark(b *core.BBox) starlark.Value {
	if b == nil {
		return starlark.None
	}
	return starlark.NewList([]starlark.Value{
		starlark.Float(b[0]), starlark.Float(b[1]), starlark.Float(b[2]), starlark.Float(b[3]),
	})
}

// BBoxFromStarlark parses a 4-number sequence. None yields nil.
func BBoxFromStarlark(v starlark.Value) (*core.BBox, error) {
	if v == starlark.None {
		return nil, nil
	}
	gv, err := ToGo(v)
	if err != nil {
		return nil, err
	}
	items, ok := gv.([]any)
	if !ok || len(items) != 4 {
		return nil, fmt.Errorf("bbox must be a list of 4 numbers")
	}
	var b core.BBox
	for i, item := range items {
		switch n := item.(type) {
		case float64:
			b[i] = n
		case int64:
			b[i] = float64(n)
		default:
			return nil, fmt.Errorf("bbox item %d is %T, not a number", i, item)
		}
	}
	return &b, nil
}

// toJSONMap renders v through its JSON form so struct tags decide the keys.
func toJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
