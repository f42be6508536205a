package reactive

// Well-known paths written by the query pipeline and read by widgets.
const (
	PathMapCenter      = "map.center"
	PathMapZoom        = "map.zoom"
	PathMapBounds      = "map.bounds"
	PathMapBasemap     = "map.basemap"
	PathLayerItems     = "layers.items"
	PathLayerActive    = "layers.active"
	PathCurrentQuery   = "data.currentQuery"
	PathExecutionSteps = "data.executionSteps"
	PathQueryHistory   = "data.queryHistory"
	PathLastResult     = "data.lastResult"
)

// DefaultTree returns a fresh copy of the initial state tree.
func DefaultTree() map[string]any {
	return map[string]any{
		"map": map[string]any{
			"center":  []any{2.3522, 48.8566},
			"zoom":    12,
			"basemap": "osm",
			"bounds":  nil,
		},
		"layers": map[string]any{
			"items":  []any{},
			"active": nil,
		},
		"selection": map[string]any{
			"features": []any{},
		},
		"ui": map[string]any{
			"panel":         nil,
			"notifications": []any{},
		},
		"tools": map[string]any{
			"active": nil,
		},
		"data": map[string]any{
			"currentQuery":   nil,
			"executionSteps": []any{},
			"queryHistory":   []any{},
			"lastResult":     nil,
		},
	}
}
