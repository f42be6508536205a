package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// overpassSource queries an OpenStreetMap Overpass API endpoint. The layer
// is a tag key ("amenity" with value "cafe") or a full "key=value"
// expression, optionally mapped through the source's layers table.
type overpassSource struct {
	id     string
	def    config.SourceConfig
	client *http.Client
}

func (s *overpassSource) Kind() string { return config.SourceKindOverpass }

func (s *overpassSource) Fetch(ctx context.Context, layerOrTag string, opts FetchOptions) ([]core.Feature, error) {
	ql, err := buildOverpassQuery(resolveLayer(s.def, layerOrTag), opts)
	if err != nil {
		return nil, err
	}

	form := url.Values{"data": {ql}}
	req, err := http.NewRequest(http.MethodPost, s.def.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build overpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := doRequest(ctx, s.client, s.id, s.def, req)
	if err != nil {
		return nil, err
	}

	var resp overpassResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &core.TransportError{Source: s.id, URL: s.def.URL, Err: fmt.Errorf("decode overpass response: %w", err)}
	}
	return resp.features(), nil
}

var overpassKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_:.\-]+$`)

// buildOverpassQuery renders the Overpass QL for one tag selector.
func buildOverpassQuery(layer string, opts FetchOptions) (string, error) {
	key, value := layer, opts.Value
	if k, v, ok := strings.Cut(layer, "="); ok {
		key, value = k, v
	}
	key = strings.TrimSpace(key)
	if !overpassKeyPattern.MatchString(key) {
		return "", &core.MalformedQueryError{Reason: fmt.Sprintf("invalid OSM tag key %q", key)}
	}

	var selector string
	switch v := value.(type) {
	case nil:
		selector = fmt.Sprintf(`[%q]`, key)
	case []any:
		alts := make([]string, 0, len(v))
		for _, a := range v {
			alts = append(alts, regexp.QuoteMeta(fmt.Sprint(a)))
		}
		selector = fmt.Sprintf(`[%q~%q]`, key, "^("+strings.Join(alts, "|")+")$")
	default:
		selector = fmt.Sprintf(`[%q=%q]`, key, fmt.Sprint(v))
	}

	var area string
	if opts.BBox != nil {
		b := *opts.BBox
		// Overpass bounding boxes are south,west,north,east.
		area = fmt.Sprintf("(%g,%g,%g,%g)", b.MinLat(), b.MinLon(), b.MaxLat(), b.MaxLon())
	}

	out := "out geom;"
	if opts.MaxFeatures > 0 {
		out = fmt.Sprintf("out geom %d;", opts.MaxFeatures)
	}

	var sb strings.Builder
	sb.WriteString("[out:json][timeout:25];(")
	for _, kind := range []string{"node", "way", "relation"} {
		sb.WriteString(kind + selector + area + ";")
	}
	sb.WriteString(");" + out)
	return sb.String(), nil
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type overpassMember struct {
	Type     string          `json:"type"`
	Role     string          `json:"role"`
	Lat      float64         `json:"lat"`
	Lon      float64         `json:"lon"`
	Geometry []overpassPoint `json:"geometry"`
}

type overpassElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Center   *overpassPoint    `json:"center"`
	Geometry []overpassPoint   `json:"geometry"`
	Members  []overpassMember  `json:"members"`
	Tags     map[string]string `json:"tags"`
}

func (r overpassResponse) features() []core.Feature {
	features := make([]core.Feature, 0, len(r.Elements))
	for _, el := range r.Elements {
		geom := el.geometry()
		if geom == nil {
			continue
		}
		props := make(map[string]any, len(el.Tags)+2)
		for k, v := range el.Tags {
			props[k] = v
		}
		props["osm_type"] = el.Type
		props["osm_id"] = el.ID
		features = append(features, core.Feature{
			Type:       "Feature",
			ID:         fmt.Sprintf("%s/%d", el.Type, el.ID),
			Geometry:   geom,
			Properties: props,
		})
	}
	return features
}

func (el overpassElement) geometry() *core.Geometry {
	switch el.Type {
	case "node":
		return &core.Geometry{Type: "Point", Coordinates: []any{el.Lon, el.Lat}}
	case "way":
		if len(el.Geometry) == 0 {
			return el.centerPoint()
		}
		return wayGeometry(el.Geometry, el.Tags["highway"] == "")
	case "relation":
		if g := relationGeometry(el); g != nil {
			return g
		}
		return el.centerPoint()
	}
	return nil
}

func (el overpassElement) centerPoint() *core.Geometry {
	if el.Center == nil {
		return nil
	}
	return &core.Geometry{Type: "Point", Coordinates: []any{el.Center.Lon, el.Center.Lat}}
}

func ring(points []overpassPoint) []any {
	coords := make([]any, 0, len(points))
	for _, p := range points {
		coords = append(coords, []any{p.Lon, p.Lat})
	}
	return coords
}

func closed(points []overpassPoint) bool {
	return len(points) >= 4 && points[0] == points[len(points)-1]
}

// wayGeometry returns a Polygon for closed ways that may be areas, a
// LineString otherwise.
func wayGeometry(points []overpassPoint, mayBeArea bool) *core.Geometry {
	if mayBeArea && closed(points) {
		return &core.Geometry{Type: "Polygon", Coordinates: []any{ring(points)}}
	}
	return &core.Geometry{Type: "LineString", Coordinates: ring(points)}
}

// relationGeometry builds a MultiPolygon from the closed outer members of
// area relations and a GeometryCollection of members for anything else.
// Outer ways split across several members are not stitched together.
func relationGeometry(el overpassElement) *core.Geometry {
	switch el.Tags["type"] {
	case "multipolygon", "boundary":
		var polygons []any
		for _, m := range el.Members {
			if m.Role == "outer" && closed(m.Geometry) {
				polygons = append(polygons, []any{ring(m.Geometry)})
			}
		}
		if len(polygons) > 0 {
			return &core.Geometry{Type: "MultiPolygon", Coordinates: polygons}
		}
	}

	var parts []*core.Geometry
	for _, m := range el.Members {
		switch {
		case m.Type == "node":
			parts = append(parts, &core.Geometry{Type: "Point", Coordinates: []any{m.Lon, m.Lat}})
		case len(m.Geometry) > 0:
			parts = append(parts, wayGeometry(m.Geometry, false))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &core.Geometry{Type: "GeometryCollection", Geometries: parts}
}
