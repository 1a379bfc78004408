package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigTemplate = `# Concierge configuration

worker:
  poll_interval: 10s

lots:
  url: http://127.0.0.1:6543
  version: "0.1"
  # token: set CONCIERGE_LOTS_TOKEN

assets:
  url: http://127.0.0.1:6543
  version: "0.1"
  # token: set CONCIERGE_ASSETS_TOKEN

feed:
  url: http://127.0.0.1:5984
  database: lots_db
  filter: lots/status
  limit: 100
  # password: set CONCIERGE_FEED_PASSWORD

ledger:
  driver: sqlite
  path: %s

retry:
  attempts: 5
  base_delay: 200ms

telemetry:
  log_level: info
  log_format: console
  metrics_enabled: true
  metrics_address: ":9090"
`

func newInitCommand() *cobra.Command {
	var (
		dataDir  string
		force    bool
		withFeed bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the concierge workspace",
		Long: `Create the data directory, a default configuration file and the ledger
database with its schema.

With --feed the lots database and the design document holding the status
filter are also created in CouchDB.`,
		Example: `  # Initialize in the current directory
  concierge init

  # Initialize and prepare CouchDB
  concierge init --config /etc/concierge/concierge.yaml --feed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if configPath == "" {
				configPath = "./concierge.yaml"
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(configPath), "data")
			}

			log.Info().
				Str("config", configPath).
				Str("data_dir", dataDir).
				Bool("feed", withFeed).
				Msg("Initializing workspace")

			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Fprintf(out, "✓ Created directory: %s\n", dataDir)

			_, err := os.Stat(configPath)
			switch {
			case err == nil && !force:
				fmt.Fprintf(out, "✓ Config file already exists: %s\n", configPath)
			case err == nil || errors.Is(err, os.ErrNotExist):
				dbPath := filepath.Join(dataDir, "concierge.db")
				content := fmt.Sprintf(defaultConfigTemplate, dbPath)
				if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Fprintf(out, "✓ Created config file: %s\n", configPath)
			default:
				return fmt.Errorf("failed to stat config file: %w", err)
			}

			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(out, "✓ Initialized %s ledger\n", cfg.Ledger.Driver)

			if withFeed {
				changes, err := newFeed(cfg, log.Logger)
				if err != nil {
					return fmt.Errorf("failed to create change feed: %w", err)
				}
				if err := changes.EnsureDatabase(ctx); err != nil {
					return err
				}
				if err := changes.SyncDesign(ctx, cfg.FeedStatuses()); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Prepared CouchDB database: %s\n", cfg.Feed.Database)
			}

			fmt.Fprintf(out, "\n✅ Workspace initialized successfully!\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Set registry tokens in the environment or %s\n", configPath)
			fmt.Fprintf(out, "  2. Start the worker:\n")
			fmt.Fprintf(out, "     concierge run --config %s\n", configPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: next to the config file)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&withFeed, "feed", false, "create the CouchDB database and status filter")

	return cmd
}
