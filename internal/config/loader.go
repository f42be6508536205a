package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = "geoquery.yaml"

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "geoquery.yml"

// EnvPrefix prefixes environment overrides, e.g. GEOQUERY_SERVER__ADDR.
const EnvPrefix = "GEOQUERY_"

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

// LoadOptions controls Load.
type LoadOptions struct {
	// File is an explicit config file. When empty, geoquery.yaml is searched
	// upward from Dir.
	File string
	// Dir is the search start directory; the working directory when empty.
	Dir string
	// Flags are applied last; only flags the user changed are loaded.
	Flags *pflag.FlagSet

	SkipFile bool
	SkipEnv  bool
}

// Loaded reports which file, if any, a configuration came from.
type Loaded struct {
	Config *Config
	File   string
}

// Load loads configuration from defaults, file, environment and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults
func Load(opts LoadOptions) (*Config, error) {
	l, err := LoadWithSource(opts)
	if err != nil {
		return nil, err
	}
	return l.Config, nil
}

// LoadWithSource is Load that also reports the config file used.
func LoadWithSource(opts LoadOptions) (*Loaded, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	dir := opts.Dir
	if dir == "" {
		dir, _ = os.Getwd()
		if dir == "" {
			dir = "."
		}
	}
	projectRoot := dir

	// 2. Config file
	var configFile string
	if !opts.SkipFile {
		configFile = opts.File
		if configFile == "" {
			if root := findProjectRootUpward(dir); root != "" {
				configFile = findConfigFile(root)
			}
		}
		if configFile != "" {
			if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
			if abs, err := filepath.Abs(configFile); err == nil {
				projectRoot = filepath.Dir(abs)
			}
		}
	}

	// 3. Environment: GEOQUERY_QUEUE__POLL_INTERVAL -> queue.poll_interval
	if !opts.SkipEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("failed to load env vars: %w", err)
		}
	}

	// 4. Flags
	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.ProjectRoot = projectRoot
	if cfg.StatePath != ":memory:" {
		cfg.StatePath = resolvePathRelativeTo(cfg.StatePath, projectRoot)
	}
	cfg.ScriptsDir = resolvePathRelativeTo(cfg.ScriptsDir, projectRoot)

	for id, src := range cfg.Sources {
		ApplySourceDefaults(&src)
		src.URL = expandEnvVars(src.URL)
		for name, v := range src.Headers {
			src.Headers[name] = expandEnvVars(v)
		}
		src.Path = resolvePathRelativeTo(src.Path, projectRoot)
		cfg.Sources[id] = src
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Loaded{Config: &cfg, File: configFile}, nil
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"state":         "state_path",
	"scripts-dir":   "scripts_dir",
	"verbose":       "verbose",
	"output":        "output",
	"addr":          "server.addr",
	"poll-interval": "queue.poll_interval",
	"watch":         "queue.watch",
	"max-history":   "store.max_history",
	"max-age":       "queue.cleanup_max_age",
}

// envKey turns GEOQUERY_SERVER__ADDR into server.addr. A double underscore
// separates levels so single underscores survive in key names.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// findConfigFile returns the config file inside dir, or "".
func findConfigFile(dir string) string {
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// findProjectRootUpward searches upward from startDir for a geoquery config file.
// Returns empty string if not found within maxUpwardSearchLevels.
func findProjectRootUpward(startDir string) string {
	dir := startDir
	for i := 0; i < maxUpwardSearchLevels; i++ {
		if findConfigFile(dir) != "" {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
// Returns the path unchanged if it's empty or already absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns with environment variable values.
// Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}
