package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/internal/config"
	"github.com/agentic-research/starfield/internal/kv"
)

var (
	configPath string
	dbPath     string
	endpoint   string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the local state database (overrides storage.path)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Data service query endpoint (overrides remote.endpoint)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

var rootCmd = &cobra.Command{
	Use:           "starfield",
	Short:         "Starfield: incremental sync and render budget for a 3D community graph",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers flags over the file and environment. Commands that talk
// to the data service validate; local-only commands do not need an endpoint.
func loadConfig(cmd *cobra.Command, validate bool) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if changed(cmd, "db") {
		cfg.Storage.Path = dbPath
	}
	if changed(cmd, "endpoint") {
		cfg.Remote.Endpoint = endpoint
	}
	if changed(cmd, "log-level") {
		cfg.Log.Level = logLevel
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func changed(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(name)
	}
	return f != nil && f.Changed
}

func openStorage(cfg config.Config) (*kv.Store, error) {
	db, err := kv.Open(cfg.Storage.Path, cfg.Storage.Quota)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Storage.Path, err)
	}
	return db, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return config.NewLogger(cfg.Log.Environment, cfg.Log.Level)
}
