package orchestrator

import (
	"fmt"
	"maps"
	"strings"

	"github.com/leapstack-labs/geoquery/internal/reactive"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// layerOrder is the compose order when no visualization is given.
var layerOrder = []string{core.LayerZone, core.LayerReference, core.LayerTarget}

var zIndex = map[string]int{
	core.LayerZone:      1,
	core.LayerReference: 2,
	core.LayerTarget:    3,
}

// DefaultStyles returns the style each stage's layer gets when the query
// does not style it.
func DefaultStyles() map[string]map[string]any {
	return map[string]map[string]any{
		core.LayerZone: {
			"color":       "#6b7280",
			"weight":      2,
			"fillOpacity": 0.05,
			"dashArray":   "4 4",
		},
		core.LayerReference: {
			"color":       "#2563eb",
			"weight":      2,
			"fillOpacity": 0.2,
		},
		core.LayerTarget: {
			"color":       "#dc2626",
			"weight":      1,
			"fillOpacity": 0.6,
			"radius":      6,
		},
	}
}

// compose builds the composed view and publishes it in one batch update.
func (o *Orchestrator) compose(exec *execution) *core.ComposedView {
	vis := exec.query.Visualization
	names := layerOrder
	if vis != nil && len(vis.Layers) > 0 {
		names = vis.Layers
	}

	defaults := DefaultStyles()
	view := &core.ComposedView{Layers: []core.Layer{}}
	seen := make(map[string]bool, len(names))
	var included [][]core.Feature

	for _, name := range names {
		data, ok := exec.layers[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		style := make(map[string]any)
		maps.Copy(style, defaults[name])
		if vis != nil {
			maps.Copy(style, vis.Styles[name])
		}

		view.Layers = append(view.Layers, core.Layer{
			ID:        fmt.Sprintf("%s-%s", name, exec.id),
			Name:      name,
			Title:     layerTitle(data),
			Type:      layerType(data.features),
			Features:  data.features,
			Style:     style,
			Visible:   true,
			ZIndex:    zIndex[name],
			Highlight: name == core.LayerTarget && exec.filtered,
		})
		included = append(included, data.features)
	}

	if vis != nil {
		view.Basemap = vis.Basemap
	}

	updates := map[string]any{
		reactive.PathLayerItems: view.Layers,
	}
	if b, ok := core.ComputeBBox(included...); ok {
		center := b.Center()
		view.Bounds = &b
		view.Center = &center
		view.Zoom = core.ZoomForBBox(b)

		updates[reactive.PathMapBounds] = []any{b[0], b[1], b[2], b[3]}
		updates[reactive.PathMapCenter] = []any{center[0], center[1]}
		updates[reactive.PathMapZoom] = view.Zoom
	}
	if view.Basemap != "" {
		updates[reactive.PathMapBasemap] = view.Basemap
	}
	o.store.BatchUpdate(updates, "compose query result")

	data := map[string]any{
		"layers": len(view.Layers),
	}
	if view.Bounds != nil {
		data["bounds"] = *view.Bounds
		data["zoom"] = view.Zoom
	}
	o.addStep(exec, core.StepCompose, fmt.Sprintf("Composed %d layers", len(view.Layers)), data)
	return view
}

// layerTitle is "<Layer or tag> (<source>)", e.g. "Schools (osm)".
func layerTitle(data *layerData) string {
	label := data.spec.LayerOrTag()
	if label == "" {
		label = data.name
	}
	if s, ok := data.spec.Value.(string); ok && s != "" {
		label = s
	}
	label = strings.ReplaceAll(label, "_", " ")
	return fmt.Sprintf("%s (%s)", cases.Title(language.English).String(label), data.spec.Source)
}

// layerType is the shared geometry kind of the features, "mixed" when
// they differ and "empty" when there are none.
func layerType(features []core.Feature) string {
	kind := ""
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		k := core.GeometryKind(f.Geometry.Type)
		switch {
		case kind == "":
			kind = k
		case k != kind:
			return "mixed"
		}
	}
	if kind == "" {
		return "empty"
	}
	return kind
}
