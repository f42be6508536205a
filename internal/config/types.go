// Package config provides configuration types and loading for geoquery.
// Values are layered defaults < geoquery.yaml < GEOQUERY_ env vars < flags.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config holds all geoquery configuration options.
type Config struct {
	StatePath    string                  `koanf:"state_path"`
	ScriptsDir   string                  `koanf:"scripts_dir"`
	Verbose      bool                    `koanf:"verbose"`
	OutputFormat string                  `koanf:"output"`
	Server       ServerConfig            `koanf:"server"`
	Queue        QueueConfig             `koanf:"queue"`
	Store        StoreConfig             `koanf:"store"`
	Sources      map[string]SourceConfig `koanf:"sources"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// QueueConfig configures the job queue consumer.
type QueueConfig struct {
	Enabled bool `koanf:"enabled"`
	// PollInterval sweeps the table periodically in addition to change
	// notifications. Zero disables polling.
	PollInterval time.Duration `koanf:"poll_interval"`
	// Watch enables fsnotify on the database file for writes made by other
	// processes.
	Watch    bool          `koanf:"watch"`
	Debounce time.Duration `koanf:"debounce"`
	// CleanupMaxAge is the age after which terminal jobs are removed by
	// "jobs cleanup" and the periodic cleanup of "serve". Zero disables it.
	CleanupMaxAge time.Duration `koanf:"cleanup_max_age"`
}

// StoreConfig configures the reactive store.
type StoreConfig struct {
	MaxHistory int `koanf:"max_history"`
}

// Source kinds.
const (
	SourceKindOverpass = "overpass"
	SourceKindWFS      = "wfs"
	SourceKindGeoJSON  = "geojson"
	SourceKindProject  = "project"
)

// SourceKinds lists the supported source kinds.
var SourceKinds = []string{SourceKindOverpass, SourceKindWFS, SourceKindGeoJSON, SourceKindProject}

// SourceConfig defines one logical data source.
type SourceConfig struct {
	Kind string `koanf:"kind"`
	URL  string `koanf:"url"`

	// Path of a local GeoJSON document (geojson kind).
	Path string `koanf:"path"`
	// LayerProperty selects features of a GeoJSON document by layer name.
	LayerProperty string `koanf:"layer_property"`

	// Table is the default project table (project kind).
	Table    string `koanf:"table"`
	LonField string `koanf:"lon_field"`
	LatField string `koanf:"lat_field"`

	// Layers maps logical layer names to source-specific names: WFS type
	// names or Overpass tag expressions such as "amenity=cafe".
	Layers map[string]string `koanf:"layers"`

	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

// Validate checks one source definition.
func (s SourceConfig) Validate(id string) error {
	switch s.Kind {
	case SourceKindOverpass, SourceKindWFS:
		if s.URL == "" {
			return fmt.Errorf("source %q: url is required for kind %s", id, s.Kind)
		}
	case SourceKindGeoJSON:
		if s.URL == "" && s.Path == "" {
			return fmt.Errorf("source %q: url or path is required for kind geojson", id)
		}
	case SourceKindProject:
	case "":
		return fmt.Errorf("source %q: kind is required", id)
	default:
		return &UnknownSourceKindError{Source: id, Kind: s.Kind}
	}
	return nil
}

// UnknownSourceKindError is returned when a source has an unsupported kind.
type UnknownSourceKindError struct {
	Source string
	Kind   string
}

func (e *UnknownSourceKindError) Error() string {
	return fmt.Sprintf("source %q: unknown kind %q\nAvailable kinds: %s", e.Source, e.Kind, strings.Join(SourceKinds, ", "))
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if c.Store.MaxHistory < 0 {
		return fmt.Errorf("store.max_history must not be negative")
	}
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.Sources[id].Validate(id); err != nil {
			return err
		}
	}
	return nil
}
