package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfgpkg "github.com/mimicmq/mimicmq/internal/config"
	logpkg "github.com/mimicmq/mimicmq/pkg/log"
)

// Execute builds the root command and runs it.
func Execute() {
	level := os.Getenv("MIMICMQ_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(logpkg.WithLevel(parsed))

	rootCmd := &cobra.Command{
		Use:   "mimicmq",
		Short: "mimicmq queue inspector",
		Long:  "mimicmq is an embeddable message-queue emulator. This CLI inspects a queue store on disk.",
	}
	rootCmd.PersistentFlags().String("data-dir", "", "Path to the queue store directory (required)")
	rootCmd.PersistentFlags().String("config", "", "Optional config file (JSON or YAML)")

	rootCmd.AddCommand(newQueuesCommand(logger))
	rootCmd.AddCommand(newStatsCommand(logger))
	rootCmd.AddCommand(newDLQCommand(logger))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// storePath resolves the data directory from the --data-dir flag or the
// config file, flag winning.
func storePath(cmd *cobra.Command) (string, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(cfgPath)
	if err != nil {
		return "", err
	}
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		return "", fmt.Errorf("--data-dir required (or dataDir in config)")
	}
	return dataDir, nil
}
