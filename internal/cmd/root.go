// Package cmd implements the runward command line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dlowe-net/runward/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "runward",
	Short: "Task-document run coordinator",
	Long: `Runward coordinates worker runs against file-addressed task documents,
enforcing per-resource mutual exclusion, concurrency limits, retry with
backoff, and multi-flow pipeline sequencing.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./runward.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("runward")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/runward")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RUNWARD")
	// Replace dots with underscores for nested keys in env vars
	// e.g., RUNWARD_SCHEDULER_MAX_CONCURRENT for scheduler.max_concurrent
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
