package cmd

import (
	"fmt"

	"github.com/dlowe-net/runward/internal/config"
	"github.com/dlowe-net/runward/internal/event"
	"github.com/dlowe-net/runward/internal/launcher"
	"github.com/dlowe-net/runward/internal/lifecycle"
	"github.com/dlowe-net/runward/internal/lockstore"
	"github.com/dlowe-net/runward/internal/logging"
	"github.com/dlowe-net/runward/internal/resource"
)

// buildCoordinator wires the lock store, document store, launcher, and
// lifecycle coordinator from the loaded configuration.
func buildCoordinator(cfg *config.Config, log *logging.Logger, bus *event.Bus) (*lifecycle.Coordinator, *resource.FileStore, error) {
	locks, err := lockstore.Open(cfg.Paths.StateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open lock store: %w", err)
	}
	docs := resource.NewFileStore(cfg.Paths.TasksDir)

	opts := []lifecycle.Option{
		lifecycle.WithLogger(log),
		lifecycle.WithBus(bus),
	}
	if len(cfg.Worker.Command) > 0 {
		exec := launcher.NewExecLauncher(cfg.Worker.Command,
			launcher.WithWorkDir(cfg.Worker.WorkDir),
			launcher.WithLogger(log),
		)
		opts = append(opts, lifecycle.WithLauncher(exec))
	}

	coord, err := lifecycle.New(lifecycle.Config{
		Scheduler:  cfg.SchedulerSettings(),
		Locks:      locks,
		Docs:       docs,
		ResultsDir: cfg.Paths.ResultsDir,
		LogsDir:    cfg.Paths.ResolveLogsDir(),
	}, opts...)
	if err != nil {
		return nil, nil, err
	}
	return coord, docs, nil
}
