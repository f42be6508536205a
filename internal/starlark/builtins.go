package starlark

import (
	"fmt"

	"github.com/leapstack-labs/geoquery/pkg/core"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// GeoModule is the "geo" global available to scripts.
var GeoModule = &starlarkstruct.Module{
	Name: "geo",
	Members: starlark.StringDict{
		"bbox":       starlark.NewBuiltin("geo.bbox", geoBBox),
		"kind":       starlark.NewBuiltin("geo.kind", geoKind),
		"point":      starlark.NewBuiltin("geo.point", geoPoint),
		"intersects": starlark.NewBuiltin("geo.intersects", geoIntersects),
	},
}

// Predeclared returns the globals every treatment script sees.
func Predeclared() starlark.StringDict {
	return starlark.StringDict{
		"geo": GeoModule,
	}
}

// geo.bbox(features) -> [minLon, minLat, maxLon, maxLat] or None
func geoBBox(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var features starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "features", &features); err != nil {
		return nil, err
	}
	fs, err := FeaturesFromStarlark(features)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	b, ok := core.ComputeBBox(fs)
	if !ok {
		return starlark.None, nil
	}
	return BBoxToStarlark(&b), nil
}

// geo.kind(feature) -> "point" | "line" | "polygon" | ""
func geoKind(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var feature *starlark.Dict
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "feature", &feature); err != nil {
		return nil, err
	}
	fs, err := FeaturesFromStarlark(starlark.NewList([]starlark.Value{feature}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if fs[0].Geometry == nil {
		return starlark.String(""), nil
	}
	return starlark.String(core.GeometryKind(fs[0].Geometry.Type)), nil
}

// geo.point(lon, lat, properties=None) -> feature dict
func geoPoint(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		lon, lat starlark.Value
		props    *starlark.Dict
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "lon", &lon, "lat", &lat, "properties?", &props); err != nil {
		return nil, err
	}
	x, ok := starlark.AsFloat(lon)
	if !ok {
		return nil, fmt.Errorf("%s: lon must be a number", fn.Name())
	}
	y, ok := starlark.AsFloat(lat)
	if !ok {
		return nil, fmt.Errorf("%s: lat must be a number", fn.Name())
	}

	var properties map[string]any
	if props != nil {
		gv, err := ToGo(props)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		properties = gv.(map[string]any)
	}

	list, err := FeaturesToStarlark([]core.Feature{core.NewPointFeature(nil, x, y, properties)})
	if err != nil {
		return nil, err
	}
	return list.Index(0), nil
}

// geo.intersects(a, b) -> bool, for two bbox lists
func geoIntersects(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, b starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "a", &a, "b", &b); err != nil {
		return nil, err
	}
	ba, err := BBoxFromStarlark(a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	bb, err := BBoxFromStarlark(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if ba == nil || bb == nil {
		return starlark.False, nil
	}
	return starlark.Bool(ba.Intersects(*bb)), nil
}
