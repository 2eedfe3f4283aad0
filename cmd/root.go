package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/agentic-research/reseller/api"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "reseller.yaml", "Path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log_level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:           "reseller",
	Short:         "Index the on-chain kimap namespace and serve it over HTTP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads --config and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (api.Config, error) {
	cfg, err := api.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
