// Package catalog resolves logical source ids named in queries to the
// behavior that fetches their features.
//
// Sources are defined in configuration and validated when the catalog is
// built; an unknown source id at query time is an UnknownSourceError.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// FetchOptions constrain one fetch.
type FetchOptions struct {
	BBox        *core.BBox
	Filter      map[string]any
	Value       any
	MaxFeatures int
}

// Source fetches features for a layer or tag.
type Source interface {
	Kind() string
	Fetch(ctx context.Context, layerOrTag string, opts FetchOptions) ([]core.Feature, error)
}

// RecordStore reads host project tables.
type RecordStore interface {
	FetchRecords(ctx context.Context, table string) ([]map[string]any, error)
}

// Options configure New.
type Options struct {
	HTTPClient *http.Client
	Records    RecordStore
	Logger     *slog.Logger
}

// Catalog maps source ids to sources.
type Catalog struct {
	mu      sync.RWMutex
	sources map[string]Source
	logger  *slog.Logger
}

// New builds a catalog from source definitions.
func New(defs map[string]config.SourceConfig, opts Options) (*Catalog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	c := &Catalog{sources: make(map[string]Source), logger: logger}

	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		def := defs[id]
		config.ApplySourceDefaults(&def)
		if err := def.Validate(id); err != nil {
			return nil, err
		}

		var src Source
		switch def.Kind {
		case config.SourceKindOverpass:
			src = &overpassSource{id: id, def: def, client: client}
		case config.SourceKindWFS:
			src = &wfsSource{id: id, def: def, client: client}
		case config.SourceKindGeoJSON:
			src = &geojsonSource{id: id, def: def, client: client}
		case config.SourceKindProject:
			if opts.Records == nil {
				logger.Warn("project source defined without a record store, skipping", "source", id)
				continue
			}
			src = &projectSource{id: id, def: def, records: opts.Records}
		}
		c.sources[id] = src
		logger.Debug("registered source", "source", id, "kind", def.Kind)
	}

	return c, nil
}

// Register adds or replaces a source.
func (c *Catalog) Register(id string, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[id] = src
}

// Has reports whether id is defined.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sources[id]
	return ok
}

// IDs returns the defined source ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fetch resolves sourceID and fetches layerOrTag. Property filters, the
// bbox constraint and the feature cap are applied to whatever the source
// returns, so sources that cannot push them down stay correct. An empty
// result is valid.
func (c *Catalog) Fetch(ctx context.Context, sourceID, layerOrTag string, opts FetchOptions) (*core.FetchResult, error) {
	c.mu.RLock()
	src, ok := c.sources[sourceID]
	c.mu.RUnlock()
	if !ok {
		return nil, &core.UnknownSourceError{Source: sourceID, Available: c.IDs()}
	}

	features, err := src.Fetch(ctx, layerOrTag, opts)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", sourceID, err)
	}

	features = filterByProperties(features, opts.Filter)
	if opts.BBox != nil {
		features = filterByBBox(features, *opts.BBox)
	}
	if opts.MaxFeatures > 0 && len(features) > opts.MaxFeatures {
		features = features[:opts.MaxFeatures]
	}

	result := &core.FetchResult{Source: sourceID, Features: features}
	if bbox, ok := core.ComputeBBox(features); ok {
		result.BBox = &bbox
	}

	c.logger.Debug("fetched features",
		"source", sourceID,
		"kind", src.Kind(),
		"layer", layerOrTag,
		"count", len(features))
	return result, nil
}
