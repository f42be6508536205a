package treatment

import (
	"context"
	"fmt"
	"maps"

	"github.com/leapstack-labs/geoquery/pkg/core"
)

// Built-in treatment ids.
const (
	Buffer   = "buffer"
	Simplify = "simplify"
	Dissolve = "dissolve"
	Clip     = "clip"
)

// DefaultBufferDistance is the buffer distance in meters when none is given.
const DefaultBufferDistance = 100.0

// RegisterBuiltins registers buffer, simplify, dissolve and clip.
//
// Geometry operations belong to the host's geospatial engine. buffer only
// annotates features with the requested distance for the renderer; the
// others pass features through unchanged so queries naming them run.
func RegisterBuiltins(r *Registry) {
	r.Register(Func{Name: Buffer, Fn: buffer})
	for _, id := range []string{Simplify, Dissolve, Clip} {
		r.Register(Func{Name: id, Fn: passThrough})
	}
}

// NewDefaultRegistry returns a registry holding the built-ins.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func buffer(_ context.Context, params map[string]any, in Input) (Output, error) {
	distance := DefaultBufferDistance
	if v, ok := params["distance"]; ok {
		d, ok := number(v)
		if !ok || d < 0 {
			return Output{}, fmt.Errorf("distance must be a non-negative number, got %v", v)
		}
		distance = d
	}
	unit := "m"
	if u, ok := params["unit"].(string); ok && u != "" {
		unit = u
	}

	out := make([]core.Feature, len(in.Features))
	for i, f := range in.Features {
		props := make(map[string]any, len(f.Properties)+2)
		maps.Copy(props, f.Properties)
		props["buffer_distance"] = distance
		props["buffer_unit"] = unit
		f.Properties = props
		out[i] = f
	}
	return Output{Features: out, BBox: in.BBox}, nil
}

func passThrough(_ context.Context, _ map[string]any, in Input) (Output, error) {
	return Output(in), nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
