// Package config carries the loaded configuration and logger through a
// command's context. It sits between the cli and commands packages so both
// can reach them without an import cycle.
package config

import (
	"context"
	"io"
	"log/slog"

	"github.com/leapstack-labs/geoquery/internal/config"
)

type configKey struct{}

type loggerKey struct{}

type configFileKey struct{}

// WithConfig stores cfg and the file it was read from in ctx.
func WithConfig(ctx context.Context, cfg *config.Config, file string) context.Context {
	ctx = context.WithValue(ctx, configKey{}, cfg)
	return context.WithValue(ctx, configFileKey{}, file)
}

// GetConfig returns the configuration stored in ctx, or the defaults.
func GetConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok && c != nil {
		return c
	}
	return config.Default()
}

// GetConfigFileUsed returns the config file recorded by WithConfig.
func GetConfigFileUsed(ctx context.Context) string {
	f, _ := ctx.Value(configFileKey{}).(string)
	return f
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	// Return discard logger as safe fallback
	return slog.New(slog.DiscardHandler)
}

// NewLogger builds the CLI logger. Warnings and errors only, unless verbose.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
