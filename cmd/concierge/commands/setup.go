package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/openregistry/concierge/pkg/config"
	"github.com/openregistry/concierge/pkg/engine"
	"github.com/openregistry/concierge/pkg/feed"
	"github.com/openregistry/concierge/pkg/registry"
	"github.com/openregistry/concierge/pkg/stores"
	"github.com/openregistry/concierge/pkg/telemetry"
)

// loadConfig reads the file named by --config, or the defaults.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config loader: %w", err)
	}
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// telemetryConfig maps the telemetry section of the config file.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildVersion

	tc.Logging.Level = cfg.Telemetry.LogLevel
	if verbose {
		tc.Logging.Level = "debug"
	}
	tc.Logging.Format = cfg.Telemetry.LogFormat
	tc.Logging.Output = "stderr"

	tc.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddress

	tc.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	if cfg.Telemetry.TracingExporter != "" {
		tc.Tracing.Exporter = cfg.Telemetry.TracingExporter
	}
	tc.Tracing.Endpoint = cfg.Telemetry.TracingEndpoint
	tc.Tracing.SamplingRate = cfg.Telemetry.SamplingRate

	return tc
}

// openStore opens and migrates the configured ledger backend.
func openStore(ctx context.Context, cfg *config.Config) (stores.Store, error) {
	store, err := stores.Open(ctx, stores.OpenConfig{
		Driver:       stores.Driver(cfg.Ledger.Driver),
		Path:         cfg.Ledger.Path,
		DSN:          cfg.Ledger.DSN,
		MaxOpenConns: cfg.Ledger.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return store, nil
}

// newFeed creates the CouchDB change feed.
func newFeed(cfg *config.Config, logger zerolog.Logger) (*feed.CouchFeed, error) {
	return feed.New(feed.Config{
		URL:      cfg.Feed.URL,
		Database: cfg.Feed.Database,
		Login:    cfg.Feed.Login,
		Password: cfg.Feed.Password,
		Filter:   cfg.Feed.Filter,
		Limit:    cfg.Feed.Limit,
	}, logger)
}

func clientOptions(api config.APIConfig, logger zerolog.Logger) []registry.ClientOption {
	opts := []registry.ClientOption{registry.WithLogger(logger)}
	if api.Timeout > 0 {
		opts = append(opts, registry.WithTimeout(api.Timeout))
	}
	return opts
}

// newEngine wires the registry clients, the feed and the store into an
// engine.
func newEngine(cfg *config.Config, store stores.Store, tel *telemetry.Telemetry) (*engine.Engine, error) {
	logger := tel.Logger.Zerolog()

	lots, err := registry.NewLotsClient(cfg.Lots.URL, cfg.Lots.Token, cfg.Lots.Version,
		clientOptions(cfg.Lots, logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create lots client: %w", err)
	}

	assets, err := registry.NewAssetsClient(cfg.Assets.URL, cfg.Assets.Token, cfg.Assets.Version,
		clientOptions(cfg.Assets, logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create assets client: %w", err)
	}

	changes, err := newFeed(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create change feed: %w", err)
	}

	return engine.New(engine.Options{
		Lots:         lots,
		Assets:       assets,
		Feed:         changes,
		Ledger:       store,
		Journal:      store,
		Cursors:      store,
		FeedName:     cfg.Feed.Database,
		Observer:     tel.Observer(),
		Tracer:       tel.Tracer.Tracer(),
		PollInterval: cfg.Worker.PollInterval,
		RetryPolicy:  cfg.RetryPolicy(),
		Logger:       logger,
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
