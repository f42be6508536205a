package core

import (
	"encoding/json"
	"math"
)

// Geometry is a GeoJSON geometry. Coordinates are kept as decoded JSON
// (nested []any of float64) so every geometry type shares one shape.
type Geometry struct {
	Type        string      `json:"type"`
	Coordinates any         `json:"coordinates,omitempty"`
	Geometries  []*Geometry `json:"geometries,omitempty"`
}

// Feature is a GeoJSON feature.
type Feature struct {
	Type       string         `json:"type"`
	ID         any            `json:"id,omitempty"`
	Geometry   *Geometry      `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// NewPointFeature builds a point feature at lon/lat.
func NewPointFeature(id any, lon, lat float64, props map[string]any) Feature {
	if props == nil {
		props = map[string]any{}
	}
	return Feature{
		Type:       "Feature",
		ID:         id,
		Geometry:   &Geometry{Type: "Point", Coordinates: []any{lon, lat}},
		Properties: props,
	}
}

// FeatureCollection is the response shape every source must produce.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// DecodeFeatureCollection parses a GeoJSON FeatureCollection. A bare
// feature array is accepted as well.
func DecodeFeatureCollection(data []byte) ([]Feature, error) {
	var fc FeatureCollection
	if err := json.Unmarshal(data, &fc); err == nil && (fc.Type == "FeatureCollection" || fc.Features != nil) {
		return normalizeFeatures(fc.Features), nil
	}

	var features []Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, err
	}
	return normalizeFeatures(features), nil
}

func normalizeFeatures(features []Feature) []Feature {
	if features == nil {
		return []Feature{}
	}
	for i := range features {
		if features[i].Type == "" {
			features[i].Type = "Feature"
		}
		if features[i].Properties == nil {
			features[i].Properties = map[string]any{}
		}
	}
	return features
}

// BBox is [minLon, minLat, maxLon, maxLat].
type BBox [4]float64

// MinLon returns the western edge.
func (b BBox) MinLon() float64 { return b[0] }

// MinLat returns the southern edge.
func (b BBox) MinLat() float64 { return b[1] }

// MaxLon returns the eastern edge.
func (b BBox) MaxLon() float64 { return b[2] }

// MaxLat returns the northern edge.
func (b BBox) MaxLat() float64 { return b[3] }

// Center returns the midpoint as [lon, lat].
func (b BBox) Center() [2]float64 {
	return [2]float64{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2}
}

// Span returns the larger of the latitude and longitude extents in degrees.
func (b BBox) Span() float64 {
	return math.Max(b[3]-b[1], b[2]-b[0])
}

// Intersects reports whether two boxes overlap (touching edges count).
func (b BBox) Intersects(o BBox) bool {
	return b[0] <= o[2] && o[0] <= b[2] && b[1] <= o[3] && o[1] <= b[3]
}

// Contains reports whether o lies entirely inside b.
func (b BBox) Contains(o BBox) bool {
	return o[0] >= b[0] && o[1] >= b[1] && o[2] <= b[2] && o[3] <= b[3]
}

// Union returns the smallest box covering both.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		math.Min(b[0], o[0]),
		math.Min(b[1], o[1]),
		math.Max(b[2], o[2]),
		math.Max(b[3], o[3]),
	}
}

// Zoom breakpoints on the larger bbox span, in degrees. Coarse on purpose:
// it only picks an initial viewport.
var zoomBreakpoints = []struct {
	span float64
	zoom int
}{
	{5, 6},
	{1, 9},
	{0.5, 11},
	{0.1, 13},
}

// MaxZoom is the zoom used when the span is below every breakpoint.
const MaxZoom = 15

// ZoomForBBox picks a zoom level from the breakpoint table.
func ZoomForBBox(b BBox) int {
	span := b.Span()
	for _, bp := range zoomBreakpoints {
		if span > bp.span {
			return bp.zoom
		}
	}
	return MaxZoom
}

// boundsAccumulator folds positions into a bbox.
type boundsAccumulator struct {
	box BBox
	ok  bool
}

func (a *boundsAccumulator) add(lon, lat float64) {
	if !a.ok {
		a.box = BBox{lon, lat, lon, lat}
		a.ok = true
		return
	}
	a.box = BBox{
		math.Min(a.box[0], lon),
		math.Min(a.box[1], lat),
		math.Max(a.box[2], lon),
		math.Max(a.box[3], lat),
	}
}

// walkCoordinates visits every position in a nested coordinate array.
// A position is any array whose first two elements are numbers.
func walkCoordinates(v any, visit func(lon, lat float64)) {
	switch c := v.(type) {
	case []any:
		if len(c) >= 2 {
			lon, okLon := toFloat(c[0])
			lat, okLat := toFloat(c[1])
			if okLon && okLat {
				visit(lon, lat)
				return
			}
		}
		for _, child := range c {
			walkCoordinates(child, visit)
		}
	case []float64:
		if len(c) >= 2 {
			visit(c[0], c[1])
		}
	case [][]float64:
		for _, p := range c {
			walkCoordinates(p, visit)
		}
	case [2]float64:
		visit(c[0], c[1])
	}
}

func walkGeometry(g *Geometry, visit func(lon, lat float64)) {
	if g == nil {
		return
	}
	walkCoordinates(g.Coordinates, visit)
	for _, child := range g.Geometries {
		walkGeometry(child, visit)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// FeatureBBox returns the bbox of a single feature.
func FeatureBBox(f Feature) (BBox, bool) {
	var acc boundsAccumulator
	walkGeometry(f.Geometry, acc.add)
	return acc.box, acc.ok
}

// ComputeBBox returns the min/max over every coordinate of every feature.
// ok is false when the features carry no coordinates at all.
func ComputeBBox(features ...[]Feature) (BBox, bool) {
	var acc boundsAccumulator
	for _, set := range features {
		for _, f := range set {
			walkGeometry(f.Geometry, acc.add)
		}
	}
	return acc.box, acc.ok
}

// GeometryKind collapses a GeoJSON geometry type into point, line or polygon.
func GeometryKind(geometryType string) string {
	switch geometryType {
	case "Point", "MultiPoint":
		return "point"
	case "LineString", "MultiLineString":
		return "line"
	case "Polygon", "MultiPolygon":
		return "polygon"
	}
	return ""
}
