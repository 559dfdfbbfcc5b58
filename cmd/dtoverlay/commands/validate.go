package commands

import (
	"errors"
	"fmt"

	"github.com/openfroyo/dtoverlay/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [FILE]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without starting anything.

Every problem is reported with its file line where one is known. FILE
defaults to the --config flag.`,
		Example: `  # Validate a config file
  dtoverlay validate /etc/dtoverlay/config.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given")
			}
			return runValidate(path)
		},
	}

	return cmd
}

func runValidate(path string) error {
	_, err := config.Load(path)

	var verrs config.Errors
	if err != nil && !errors.As(err, &verrs) {
		return err
	}

	if jsonOutput {
		if verrs == nil {
			verrs = config.Errors{}
		}
		if err := writeJSON(verrs); err != nil {
			return err
		}
	} else {
		for _, ve := range verrs {
			location := ve.File
			if ve.Line > 0 {
				location = fmt.Sprintf("%s:%d", location, ve.Line)
			}
			if ve.Path != "" {
				fmt.Printf("%s: %s: %s\n", location, ve.Path, ve.Message)
			} else {
				fmt.Printf("%s: %s\n", location, ve.Message)
			}
		}
	}

	if len(verrs) > 0 {
		return fmt.Errorf("%d validation error(s) in %s", len(verrs), path)
	}
	log.Info().Str("config", path).Msg("Configuration is valid")
	return nil
}
