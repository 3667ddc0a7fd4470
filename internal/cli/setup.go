package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ramarlina/agx/internal/config"
	"github.com/ramarlina/agx/internal/engine"
	"github.com/ramarlina/agx/internal/taskstore"
)

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		path = filepath.Join(home, ".agx", "config.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	logger.Info("loaded configuration", "path", path)
	return cfg, nil
}

func newStore(cfg *config.Config, logger *slog.Logger) (*taskstore.Store, error) {
	return taskstore.NewStore(cfg.ProjectsRoot, logger)
}

func newInvoker(cfg *config.Config, logger *slog.Logger) *engine.Invoker {
	grace := time.Duration(cfg.Loop.GraceS) * time.Second
	if grace <= 0 {
		grace = engine.DefaultGrace
	}
	inv := engine.NewInvoker(cfg.EngineCommands(), logger, engine.WithGrace(grace))
	inv.Subscribe(engine.NewLogObserver(logger))
	return inv
}
