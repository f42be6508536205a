package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoomForBBox(t *testing.T) {
	tests := []struct {
		name string
		box  BBox
		want int
	}{
		{name: "country", box: BBox{-5, 42, 8, 51}, want: 6},
		{name: "region", box: BBox{2, 48, 4, 49}, want: 9},
		{name: "department", box: BBox{2.0, 48.5, 2.8, 48.9}, want: 11},
		// A 0.2 degree span falls in the (0.1, 0.5] band. Older notes on
		// this bbox quote zoom 11; the breakpoints give 13.
		{name: "city", box: BBox{2.2, 48.8, 2.4, 48.9}, want: 13},
		{name: "district", box: BBox{2.30, 48.85, 2.35, 48.87}, want: 15},
		{name: "single point", box: BBox{2.3, 48.8, 2.3, 48.8}, want: 15},
		{name: "exactly five degrees", box: BBox{0, 0, 5, 5}, want: 9},
		{name: "latitude dominates", box: BBox{2, 40, 2.01, 46}, want: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ZoomForBBox(tt.box))
		})
	}
}

func TestComputeBBox(t *testing.T) {
	points := []Feature{
		NewPointFeature(1, 2.35, 48.85, nil),
		NewPointFeature(2, 2.29, 48.87, nil),
	}
	polygon := []Feature{{
		Type: "Feature",
		Geometry: &Geometry{
			Type: "Polygon",
			Coordinates: []any{
				[]any{
					[]any{2.1, 48.7}, []any{2.5, 48.7}, []any{2.5, 48.95}, []any{2.1, 48.7},
				},
			},
		},
	}}

	box, ok := ComputeBBox(points)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{2.29, 48.85, 2.35, 48.87}, box[:], 1e-9)

	box, ok = ComputeBBox(points, polygon)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{2.1, 48.7, 2.5, 48.95}, box[:], 1e-9)
}

func TestComputeBBox_GeometryCollectionAndEmpty(t *testing.T) {
	_, ok := ComputeBBox(nil)
	assert.False(t, ok)

	_, ok = ComputeBBox([]Feature{{Type: "Feature"}})
	assert.False(t, ok, "features without geometry carry no coordinates")

	gc := Feature{Type: "Feature", Geometry: &Geometry{
		Type: "GeometryCollection",
		Geometries: []*Geometry{
			{Type: "Point", Coordinates: []any{1.0, 2.0}},
			{Type: "LineString", Coordinates: []any{[]any{-1.0, 0.5}, []any{3.0, 4.0}}},
		},
	}}
	box, ok := FeatureBBox(gc)
	require.True(t, ok)
	assert.Equal(t, BBox{-1, 0.5, 3, 4}, box)
}

func TestBBox_Relations(t *testing.T) {
	a := BBox{0, 0, 10, 10}
	b := BBox{5, 5, 15, 15}
	c := BBox{2, 2, 3, 3}
	d := BBox{20, 20, 21, 21}

	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(d))
	assert.True(t, a.Contains(c))
	assert.False(t, a.Contains(b))
	assert.Equal(t, BBox{0, 0, 15, 15}, a.Union(b))
	assert.Equal(t, [2]float64{5, 5}, a.Center())
}

func TestDecodeFeatureCollection(t *testing.T) {
	features, err := DecodeFeatureCollection([]byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[2.3,48.8]},"properties":{"name":"a"}},
		{"geometry":{"type":"Point","coordinates":[2.4,48.9]}}
	]}`))
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, "Feature", features[1].Type)
	assert.NotNil(t, features[1].Properties)

	features, err = DecodeFeatureCollection([]byte(`{"type":"FeatureCollection","features":[]}`))
	require.NoError(t, err)
	assert.Empty(t, features)

	_, err = DecodeFeatureCollection([]byte(`<html>`))
	assert.Error(t, err)
}
