package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newValidateCommand() *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Load the configuration file and check it against the struct rules and the
CUE schema. Environment overrides for tokens, the feed password and the
ledger DSN are applied first.

With --show the effective configuration is printed with credentials redacted.`,
		Example: `  # Validate a config file
  concierge validate --config concierge.yaml

  # Print the effective configuration as JSON
  concierge validate --config concierge.yaml --show --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().Str("config", configPath).Msg("Validating configuration")

			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !show {
				fmt.Fprintln(out, "✓ Configuration is valid")
				return nil
			}

			redacted := cfg.Redacted()
			if jsonOutput {
				return writeJSON(out, redacted)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(redacted)
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "print the effective configuration")

	return cmd
}
