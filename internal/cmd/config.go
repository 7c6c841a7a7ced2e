package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dlowe-net/runward/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the effective configuration after merging defaults, the config
file, and RUNWARD_* environment variables.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return err
	}

	out, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
