package catalog

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// geojsonSource serves a static GeoJSON document from a URL or a local
// file. When layer_property is set, the layer name selects features by
// that property; "*" or an empty layer selects everything.
type geojsonSource struct {
	id     string
	def    config.SourceConfig
	client *http.Client
}

func (s *geojsonSource) Kind() string { return config.SourceKindGeoJSON }

func (s *geojsonSource) Fetch(ctx context.Context, layerOrTag string, _ FetchOptions) ([]core.Feature, error) {
	body, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	features, err := core.DecodeFeatureCollection(body)
	if err != nil {
		return nil, &core.TransportError{Source: s.id, URL: s.location(), Err: fmt.Errorf("decode GeoJSON: %w", err)}
	}

	layer := resolveLayer(s.def, layerOrTag)
	if s.def.LayerProperty == "" || layer == "" || layer == "*" {
		return features, nil
	}
	return filterByProperties(features, map[string]any{s.def.LayerProperty: layer}), nil
}

func (s *geojsonSource) load(ctx context.Context) ([]byte, error) {
	if s.def.Path != "" {
		data, err := os.ReadFile(s.def.Path)
		if err != nil {
			return nil, &core.TransportError{Source: s.id, URL: s.def.Path, Err: err}
		}
		return data, nil
	}

	req, err := http.NewRequest(http.MethodGet, s.def.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build geojson request: %w", err)
	}
	return doRequest(ctx, s.client, s.id, s.def, req)
}

func (s *geojsonSource) location() string {
	if s.def.Path != "" {
		return s.def.Path
	}
	return redactURL(s.def.URL)
}
