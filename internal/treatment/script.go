package treatment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	starctx "github.com/leapstack-labs/geoquery/internal/starlark"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// ScriptExt is the extension of treatment scripts.
const ScriptExt = ".star"

// transformFunc is the function every script must define:
//
//	def transform(features, bbox, params):
//	    return features            # or {"features": [...], "bbox": [...]}
const transformFunc = "transform"

var scriptFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
}

// Script is a treatment defined by a Starlark file.
type Script struct {
	id       string
	path     string
	fn       starlark.Callable
	logger   *slog.Logger
	maxSteps uint64
}

// ID returns the script's treatment id, the file name without extension.
func (s *Script) ID() string { return s.id }

// Path returns the script file.
func (s *Script) Path() string { return s.path }

// LoadScript compiles a script and checks that it defines transform.
func LoadScript(path string, logger *slog.Logger) (*Script, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	id := strings.TrimSuffix(filepath.Base(path), ScriptExt)
	thread := starctx.NewThread(id, logger, 0)
	globals, err := starlark.ExecFileOptions(scriptFileOptions, thread, path, src, starctx.Predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", path, err)
	}

	fn, ok := globals[transformFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s does not define %s(features, bbox, params)", path, transformFunc)
	}

	return &Script{id: id, path: path, fn: fn, logger: logger}, nil
}

// Apply calls transform on a fresh thread cancelled with ctx.
func (s *Script) Apply(ctx context.Context, params map[string]any, in Input) (Output, error) {
	features, err := starctx.FeaturesToStarlark(in.Features)
	if err != nil {
		return Output{}, err
	}
	if params == nil {
		params = map[string]any{}
	}
	sparams, err := starctx.GoToStarlark(params)
	if err != nil {
		return Output{}, fmt.Errorf("params: %w", err)
	}

	thread := starctx.NewThread(s.id, s.logger, s.maxSteps)
	stop := starctx.WithContext(ctx, thread)
	defer stop()

	result, err := starlark.Call(thread, s.fn, starlark.Tuple{features, starctx.BBoxToStarlark(in.BBox), sparams}, nil)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return Output{}, fmt.Errorf("%s", evalErr.Backtrace())
		}
		return Output{}, err
	}

	return decodeResult(result)
}

// decodeResult accepts a feature list or a {"features", "bbox"} dict.
func decodeResult(v starlark.Value) (Output, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		features, err := starctx.FeaturesFromStarlark(v)
		if err != nil {
			return Output{}, fmt.Errorf("%s must return a list of features or a dict: %w", transformFunc, err)
		}
		return Output{Features: features}, nil
	}

	fv, found, err := dict.Get(starlark.String("features"))
	if err != nil || !found {
		return Output{}, fmt.Errorf("%s result has no \"features\" key", transformFunc)
	}
	features, err := starctx.FeaturesFromStarlark(fv)
	if err != nil {
		return Output{}, err
	}

	out := Output{Features: features}
	if bv, found, _ := dict.Get(starlark.String("bbox")); found {
		out.BBox, err = starctx.BBoxFromStarlark(bv)
		if err != nil {
			return Output{}, err
		}
	}
	return out, nil
}

// LoadScripts registers every *.star file directly under dir. A missing
// directory is not an error. Scripts override built-ins with the same id.
func LoadScripts(r *Registry, dir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scripts directory: %w", err)
	}

	var loaded []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ScriptExt {
			continue
		}
		script, err := LoadScript(filepath.Join(dir, entry.Name()), logger)
		if err != nil {
			return loaded, err
		}
		if r.Has(script.ID()) {
			logger.Info("script overrides treatment", "treatment", script.ID())
		}
		r.Register(script)
		loaded = append(loaded, script.ID())
		logger.Debug("loaded treatment script", "treatment", script.ID(), "path", script.Path())
	}
	return loaded, nil
}
