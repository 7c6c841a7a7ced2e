package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dlowe-net/runward/internal/config"
	"github.com/dlowe-net/runward/internal/lockstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted resource-lock table",
	Long: `Display the durable lock table: which resources are currently owned by a
run. Locks that survive a coordinator crash show up here and explain why
re-enqueues return already-running.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	locks, err := lockstore.Open(cfg.Paths.StateDir)
	if err != nil {
		return fmt.Errorf("open lock store: %w", err)
	}

	held := locks.Locks()
	if len(held) == 0 {
		fmt.Println("no resources locked")
		return nil
	}

	fmt.Printf("%d locked resource(s):\n", len(held))
	for _, l := range held {
		fmt.Printf("  %s  run=%s  since=%s\n",
			l.ResourceKey, l.HolderRunID, l.AcquiredAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
