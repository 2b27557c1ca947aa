package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate broker configuration files",
		Long: `Validate broker configuration without starting the broker.

This command checks:
  - CUE and YAML syntax
  - Conformance to the configuration schema
  - Field constraints after environment overrides`,
		Example: `  # Validate a config file
  broker validate -c broker.yaml

  # Layered files with a dotenv file
  broker validate -c base.cue -c prod.yaml --env-file prod.env`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("paths", configPaths).
				Str("env_file", envFile).
				Msg("Validating configuration")

			cfg, err := loadConfig()
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					if jsonOutput {
						_ = printResult(cmd.OutOrStdout(), verrs, nil)
					}
					for _, ve := range verrs {
						log.Error().
							Str("file", ve.File).
							Int("line", ve.Line).
							Str("path", ve.Path).
							Msg(ve.Message)
					}
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d executor(s), templates from %s\n",
				len(cfg.Executors), cfg.Templates.Source)
			return nil
		},
	}
}
