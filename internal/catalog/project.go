package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// projectSource turns host table records into features. A record's
// geometry comes from a "geometry" field (GeoJSON object or JSON text) or
// from its longitude/latitude fields; records with neither are skipped.
type projectSource struct {
	id      string
	def     config.SourceConfig
	records RecordStore
}

func (s *projectSource) Kind() string { return config.SourceKindProject }

func (s *projectSource) Fetch(ctx context.Context, layerOrTag string, _ FetchOptions) ([]core.Feature, error) {
	table := resolveLayer(s.def, layerOrTag)
	if table == "" {
		table = s.def.Table
	}
	if table == "" {
		return nil, &core.MalformedQueryError{Reason: fmt.Sprintf("source %s needs a layer (table name)", s.id)}
	}

	records, err := s.records.FetchRecords(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}

	features := make([]core.Feature, 0, len(records))
	for _, rec := range records {
		if f, ok := s.recordFeature(rec); ok {
			features = append(features, f)
		}
	}
	return features, nil
}

func (s *projectSource) recordFeature(rec map[string]any) (core.Feature, bool) {
	props := make(map[string]any, len(rec))
	for k, v := range rec {
		if k != "geometry" {
			props[k] = v
		}
	}

	if g, ok := decodeGeometry(rec["geometry"]); ok {
		return core.Feature{Type: "Feature", ID: rec["id"], Geometry: g, Properties: props}, true
	}

	lon, okLon := numberField(rec, s.def.LonField, "lon", "lng", "longitude")
	lat, okLat := numberField(rec, s.def.LatField, "lat", "latitude")
	if okLon && okLat {
		return core.NewPointFeature(rec["id"], lon, lat, props), true
	}
	return core.Feature{}, false
}

func decodeGeometry(v any) (*core.Geometry, bool) {
	var raw []byte
	switch g := v.(type) {
	case nil:
		return nil, false
	case string:
		raw = []byte(g)
	default:
		b, err := json.Marshal(g)
		if err != nil {
			return nil, false
		}
		raw = b
	}

	var geom core.Geometry
	if err := json.Unmarshal(raw, &geom); err != nil || geom.Type == "" {
		return nil, false
	}
	return &geom, true
}

func numberField(rec map[string]any, names ...string) (float64, bool) {
	for _, name := range names {
		if name == "" {
			continue
		}
		switch n := rec[name].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		}
	}
	return 0, false
}
