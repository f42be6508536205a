package config

import "time"

// Default configuration values.
const (
	DefaultStateFile       = ".geoquery/state.db"
	DefaultScriptsDir      = "treatments"
	DefaultOutput          = "auto" // Auto-detect: TTY=table, non-TTY=json
	DefaultAddr            = "127.0.0.1:8765"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultDebounce        = 100 * time.Millisecond
	DefaultCleanupMaxAge   = 7 * 24 * time.Hour
	DefaultMaxHistory      = 50
	DefaultSourceTimeout   = 30 * time.Second
	DefaultOverpassURL     = "https://overpass-api.de/api/interpreter"
)

// defaultValues is the bottom layer of the configuration.
func defaultValues() map[string]any {
	return map[string]any{
		"state_path":              DefaultStateFile,
		"scripts_dir":             DefaultScriptsDir,
		"verbose":                 false,
		"output":                  DefaultOutput,
		"server.addr":             DefaultAddr,
		"server.shutdown_timeout": DefaultShutdownTimeout.String(),
		"queue.enabled":           true,
		"queue.poll_interval":     "0s",
		"queue.watch":             true,
		"queue.debounce":          DefaultDebounce.String(),
		"queue.cleanup_max_age":   DefaultCleanupMaxAge.String(),
		"store.max_history":       DefaultMaxHistory,
		"sources.osm.kind":        SourceKindOverpass,
		"sources.osm.url":         DefaultOverpassURL,
		"sources.project.kind":    SourceKindProject,
	}
}

// ApplySourceDefaults fills unset per-source values.
func ApplySourceDefaults(s *SourceConfig) {
	if s == nil {
		return
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultSourceTimeout
	}
	if s.Kind == SourceKindProject {
		if s.LonField == "" {
			s.LonField = "lon"
		}
		if s.LatField == "" {
			s.LatField = "lat"
		}
	}
}

// Default returns a configuration with every default applied and no file,
// env or flag layer.
func Default() *Config {
	cfg, err := Load(LoadOptions{SkipFile: true, SkipEnv: true})
	if err != nil {
		// defaultValues is static; decoding it cannot fail.
		panic(err)
	}
	return cfg
}
