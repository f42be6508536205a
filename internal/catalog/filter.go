package catalog

import (
	"fmt"

	"github.com/leapstack-labs/geoquery/pkg/core"
)

// filterByProperties keeps features whose properties equal every filter
// entry. A slice value matches any of its elements.
func filterByProperties(features []core.Feature, filter map[string]any) []core.Feature {
	if len(filter) == 0 {
		return features
	}
	out := make([]core.Feature, 0, len(features))
	for _, f := range features {
		if matchesFilter(f.Properties, filter) {
			out = append(out, f)
		}
	}
	return out
}

func matchesFilter(props map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := props[key]
		if !ok {
			return false
		}
		if !matchesValue(got, want) {
			return false
		}
	}
	return true
}

func matchesValue(got, want any) bool {
	if options, ok := want.([]any); ok {
		for _, o := range options {
			if matchesValue(got, o) {
				return true
			}
		}
		return false
	}
	// JSON numbers decode as float64 while YAML ints stay int; compare text.
	return fmt.Sprint(got) == fmt.Sprint(want)
}

// filterByBBox keeps features whose extent intersects bbox. Features
// without coordinates are dropped.
func filterByBBox(features []core.Feature, bbox core.BBox) []core.Feature {
	out := make([]core.Feature, 0, len(features))
	for _, f := range features {
		if fb, ok := core.FeatureBBox(f); ok && fb.Intersects(bbox) {
			out = append(out, f)
		}
	}
	return out
}
