package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/geoquery/internal/catalog"
	cliconfig "github.com/leapstack-labs/geoquery/internal/cli/config"
	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/internal/notifier"
	"github.com/leapstack-labs/geoquery/internal/orchestrator"
	"github.com/leapstack-labs/geoquery/internal/queue"
	"github.com/leapstack-labs/geoquery/internal/reactive"
	"github.com/leapstack-labs/geoquery/internal/state"
	"github.com/leapstack-labs/geoquery/internal/treatment"
	"github.com/spf13/cobra"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Store  *state.SQLiteStore
}

// NewCommandContext opens the state database named by the configuration.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cfg := cliconfig.GetConfig(cmd.Context())
	logger := cliconfig.GetLogger(cmd.Context())

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = store.Close()
	}

	return &CommandContext{
		Cfg:    cfg,
		Logger: logger,
		Store:  store,
	}, cleanup, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (*state.SQLiteStore, error) {
	if cfg.StatePath != ":memory:" {
		stateDir := filepath.Dir(cfg.StatePath)
		if stateDir != "." && stateDir != "" {
			if err := os.MkdirAll(stateDir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
	}

	store := state.NewSQLiteStore(logger)
	if err := store.OpenAndMigrate(cfg.StatePath); err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return store, nil
}

// Pipeline is everything between a query and the reactive store.
type Pipeline struct {
	State        *reactive.Store
	Treatments   *treatment.Registry
	Orchestrator *orchestrator.Orchestrator
	Consumer     *queue.Consumer
	Notices      *notifier.Notifier[notifier.Notice]
}

// NewPipeline wires sources, treatments (built-ins plus scripts from the
// scripts directory), the orchestrator and the queue consumer.
func (c *CommandContext) NewPipeline() (*Pipeline, error) {
	sources, err := catalog.New(c.Cfg.Sources, catalog.Options{
		Records: c.Store,
		Logger:  c.Logger,
	})
	if err != nil {
		return nil, err
	}

	treatments := treatment.NewDefaultRegistry()
	loaded, err := treatment.LoadScripts(treatments, c.Cfg.ScriptsDir, c.Logger)
	if err != nil {
		return nil, err
	}
	if len(loaded) > 0 {
		c.Logger.Info("loaded treatment scripts", "dir", c.Cfg.ScriptsDir, "count", len(loaded))
	}

	st := reactive.New(reactive.Options{
		MaxHistory: c.Cfg.Store.MaxHistory,
		Logger:     c.Logger,
	})

	orch, err := orchestrator.New(orchestrator.Options{
		Sources:    sources,
		Treatments: treatments,
		Store:      st,
		Logger:     c.Logger,
	})
	if err != nil {
		return nil, err
	}

	notices := notifier.New[notifier.Notice](16)
	consumer, err := queue.New(queue.Options{
		Table:    c.Store,
		Executor: orch,
		Notices:  notices,
		Logger:   c.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		State:        st,
		Treatments:   treatments,
		Orchestrator: orch,
		Consumer:     consumer,
		Notices:      notices,
	}, nil
}
