package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/dtoverlay/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dtoverlay",
		Short: "Device tree overlay manager",
		Long: `dtoverlay applies and removes device tree overlays at runtime.

Each overlay instance is created empty, applied once by writing a source
identifier to its path, and torn down when it is removed. Instances can be
driven through a directory namespace (serve) or one at a time (apply).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		log.Debug().Msg("No config file given, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", configPath).Msg("Loaded configuration")
	return cfg, nil
}
