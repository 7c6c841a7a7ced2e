package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dlowe-net/runward/internal/config"
	"github.com/dlowe-net/runward/internal/event"
	"github.com/dlowe-net/runward/internal/lifecycle"
	"github.com/dlowe-net/runward/internal/logging"
	"github.com/dlowe-net/runward/internal/resource"
	"github.com/dlowe-net/runward/internal/scheduler"
	"github.com/dlowe-net/runward/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and watch the tasks directory",
	Long: `Start the run coordinator. Eligible task documents created or changed
under the tasks directory are picked up, a flow pipeline is suggested from
their metadata, and runs are dispatched to the configured worker command
within the configured concurrency limits. Runs until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Worker.Command) == 0 {
		return fmt.Errorf("worker.command is required for serve")
	}

	log, err := logging.New(cfg.Paths.StateDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = log.Close() }()

	bus := event.NewBus()
	sub := bus.Subscribe("run.finished", func(ev event.Event) {
		if fin, ok := ev.(event.RunFinishedEvent); ok {
			fmt.Printf("run %s: %s %s -> %s\n", fin.RunID, fin.ResourceKey, fin.Flow, fin.Outcome)
		}
	})
	defer bus.Unsubscribe(sub)

	coord, docs, err := buildCoordinator(cfg, log, bus)
	if err != nil {
		return err
	}
	defer coord.Close()

	if cfg.Watch.Enabled {
		watcher, err := watch.New(cfg.Paths.TasksDir, func(path string) {
			handleDocumentChange(coord, docs, log, path)
		},
			watch.WithExtensions(cfg.Watch.Extensions),
			watch.WithDebounce(cfg.Watch.Debounce),
			watch.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer watcher.Stop()
	}

	fmt.Printf("runward serving: tasks=%s workers=%d\n", cfg.Paths.TasksDir, cfg.Scheduler.MaxConcurrent)
	log.Info("coordinator started",
		"tasks_dir", cfg.Paths.TasksDir, "max_concurrent", cfg.Scheduler.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("shutting down")
	log.Info("coordinator stopping")
	return nil
}

// handleDocumentChange reacts to a settled change of a task document:
// pending documents get a pipeline started, everything else is left
// alone (running documents are already owned by a run; terminal ones
// need an explicit re-enqueue).
func handleDocumentChange(coord *lifecycle.Coordinator, docs *resource.FileStore, log *logging.Logger, path string) {
	rel, err := filepath.Rel(docs.Path(""), path)
	if err != nil || filepath.IsAbs(rel) {
		rel = path
	}

	doc, err := docs.Load(rel)
	if err != nil {
		log.Warn("load changed document", "path", path, "error", err)
		return
	}
	if doc.Status != resource.StatusPending {
		log.Debug("ignoring non-pending document", "path", rel, "status", doc.Status.String())
		return
	}

	res, def, err := coord.StartPipeline(rel)
	if err != nil {
		log.Error("start pipeline", "path", rel, "error", err)
		return
	}
	switch res.Outcome {
	case scheduler.OutcomeEnqueued:
		log.Info("pipeline started", "path", rel, "run_id", res.RunID, "flows", def.Flows)
	case scheduler.OutcomeAlreadyRunning:
		log.Debug("document already owned by a run", "path", rel, "run_id", res.RunID)
	case scheduler.OutcomeDeferred:
		log.Warn("enqueue deferred, queue saturated", "path", rel)
	}
}
