package starlark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

func evalGeo(t *testing.T, expr string) starlark.Value {
	t.Helper()
	thread := NewThread("test", nil, 0)
	v, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "test", expr, Predeclared())
	require.NoError(t, err)
	return v
}

func TestGeoModule(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want string
	}{
		{
			name: "point builds a feature",
			expr: `geo.point(2.5, 48.5, {"name": "x"})["geometry"]["coordinates"]`,
			want: "[2.5, 48.5]",
		},
		{
			name: "bbox of points",
			expr: `geo.bbox([geo.point(1, 2), geo.point(3, 4)])`,
			want: "[1.0, 2.0, 3.0, 4.0]",
		},
		{
			name: "bbox of nothing",
			expr: `geo.bbox([])`,
			want: "None",
		},
		{
			name: "kind",
			expr: `geo.kind({"type": "Feature", "geometry": {"type": "MultiPolygon", "coordinates": []}})`,
			want: `"polygon"`,
		},
		{
			name: "intersects",
			expr: `geo.intersects([0, 0, 2, 2], [1, 1, 3, 3])`,
			want: "True",
		},
		{
			name: "disjoint",
			expr: `geo.intersects([0, 0, 1, 1], [2, 2, 3, 3])`,
			want: "False",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalGeo(t, tt.expr).String())
		})
	}
}

func TestGeoModule_Errors(t *testing.T) {
	thread := NewThread("test", nil, 0)
	_, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "test", `geo.point("a", 1)`, Predeclared())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lon must be a number")

	_, err = starlark.EvalOptions(&syntax.FileOptions{}, thread, "test", `geo.intersects([1], [1, 2, 3, 4])`, Predeclared())
	assert.Error(t, err)
}
