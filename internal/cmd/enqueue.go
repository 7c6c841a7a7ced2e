package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dlowe-net/runward/internal/config"
	"github.com/dlowe-net/runward/internal/event"
	"github.com/dlowe-net/runward/internal/logging"
	"github.com/dlowe-net/runward/internal/pipeline"
	"github.com/dlowe-net/runward/internal/scheduler"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task-file>",
	Short: "Enqueue a run for a single task document",
	Long: `Enqueue one task document. Without --flow, a pipeline is suggested from
the document's metadata and its first flow is enqueued; with --flow, only
that flow runs. Use --wait to block until the document reaches a terminal
status.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var (
	enqueueFlow string
	enqueueWait bool
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueFlow, "flow", "", "run a single flow instead of the suggested pipeline")
	enqueueCmd.Flags().BoolVar(&enqueueWait, "wait", false, "block until the document is terminal")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	key := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Worker.Command) == 0 {
		return fmt.Errorf("worker.command is required to execute runs")
	}

	log, err := logging.New(cfg.Paths.StateDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = log.Close() }()

	coord, docs, err := buildCoordinator(cfg, log, event.NewBus())
	if err != nil {
		return err
	}
	defer coord.Close()

	var res scheduler.Result
	if enqueueFlow != "" {
		res, err = coord.EnqueueRun(key, enqueueFlow)
	} else {
		var def pipeline.Definition
		res, def, err = coord.StartPipeline(key)
		if err == nil {
			fmt.Printf("pipeline: %v\n", def.Flows)
		}
	}
	if err != nil {
		return err
	}

	switch res.Outcome {
	case scheduler.OutcomeEnqueued:
		fmt.Printf("enqueued run %s\n", res.RunID)
		if res.Backpressure != nil {
			fmt.Printf("warning: queue depth %d at soft limit %d\n",
				res.Backpressure.Depth, res.Backpressure.Limit)
		}
	case scheduler.OutcomeAlreadyRunning:
		fmt.Printf("already running as %s\n", res.RunID)
		return nil
	case scheduler.OutcomeDeferred:
		return fmt.Errorf("deferred: queue depth %d reached hard limit %d",
			res.Backpressure.Depth, res.Backpressure.Limit)
	}

	if !enqueueWait {
		return nil
	}
	for {
		doc, err := docs.Load(key)
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}
		if doc.Status.IsTerminal() {
			fmt.Printf("done: %s\n", doc.Summary())
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}
