package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// wfsSource issues OGC WFS 2.0 GetFeature requests with GeoJSON output.
type wfsSource struct {
	id     string
	def    config.SourceConfig
	client *http.Client
}

func (s *wfsSource) Kind() string { return config.SourceKindWFS }

func (s *wfsSource) Fetch(ctx context.Context, layerOrTag string, opts FetchOptions) ([]core.Feature, error) {
	typeName := resolveLayer(s.def, layerOrTag)
	if typeName == "" {
		return nil, &core.MalformedQueryError{Reason: fmt.Sprintf("source %s needs a layer (WFS type name)", s.id)}
	}

	u, err := buildWFSURL(s.def.URL, typeName, opts)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build wfs request: %w", err)
	}

	body, err := doRequest(ctx, s.client, s.id, s.def, req)
	if err != nil {
		return nil, err
	}

	features, err := core.DecodeFeatureCollection(body)
	if err != nil {
		return nil, &core.TransportError{Source: s.id, URL: redactURL(u), Err: fmt.Errorf("decode GeoJSON: %w", err)}
	}
	return features, nil
}

// buildWFSURL keeps any parameters already present on the endpoint (API
// keys, vendor options) and adds the GetFeature request.
func buildWFSURL(endpoint, typeName string, opts FetchOptions) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid wfs url %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("service", "WFS")
	q.Set("version", "2.0.0")
	q.Set("request", "GetFeature")
	q.Set("typeNames", typeName)
	q.Set("outputFormat", "application/json")
	q.Set("srsName", "urn:ogc:def:crs:OGC:1.3:CRS84")
	if opts.BBox != nil {
		b := *opts.BBox
		// CRS84 keeps lon/lat axis order.
		q.Set("bbox", fmt.Sprintf("%s,%s,%s,%s,urn:ogc:def:crs:OGC:1.3:CRS84",
			fmtCoord(b.MinLon()), fmtCoord(b.MinLat()), fmtCoord(b.MaxLon()), fmtCoord(b.MaxLat())))
	}
	if opts.MaxFeatures > 0 {
		q.Set("count", strconv.Itoa(opts.MaxFeatures))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func fmtCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
