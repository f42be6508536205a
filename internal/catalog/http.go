package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// maxResponseBytes caps a source response.
const maxResponseBytes = 64 << 20

// doRequest sends req with the source timeout and headers and returns the
// body of a 2xx response. Any other outcome is a TransportError.
func doRequest(ctx context.Context, client *http.Client, sourceID string, def config.SourceConfig, req *http.Request) ([]byte, error) {
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	req = req.WithContext(ctx)
	for name, v := range def.Headers {
		req.Header.Set(name, v)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, application/geo+json")
	}

	url := redactURL(req.URL.String())
	resp, err := client.Do(req)
	if err != nil {
		return nil, &core.TransportError{Source: sourceID, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &core.TransportError{Source: sourceID, URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &core.TransportError{Source: sourceID, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// redactURL drops the query string, which may carry API keys.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// resolveLayer maps a logical layer through the source's layer table.
func resolveLayer(def config.SourceConfig, layerOrTag string) string {
	if mapped, ok := def.Layers[layerOrTag]; ok && mapped != "" {
		return mapped
	}
	return layerOrTag
}
