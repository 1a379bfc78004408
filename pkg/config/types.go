package config

import (
	"time"

	"github.com/openregistry/concierge/pkg/engine"
)

// Config is the concierge configuration file.
type Config struct {
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Lots      APIConfig       `yaml:"lots" json:"lots"`
	Assets    APIConfig       `yaml:"assets" json:"assets"`
	Feed      FeedConfig      `yaml:"feed" json:"feed"`
	Ledger    LedgerConfig    `yaml:"ledger" json:"ledger"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// WorkerConfig controls the polling loop.
type WorkerConfig struct {
	// PollInterval is the sleep between feed cycles once the feed is caught up.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`
}

// APIConfig addresses one registry API.
type APIConfig struct {
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// Token is sent as the basic auth user name.
	Token   string        `yaml:"token" json:"token"`
	Version string        `yaml:"version" json:"version"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// FeedConfig addresses the CouchDB database carrying lot changes.
type FeedConfig struct {
	URL      string `yaml:"url" json:"url" validate:"required,url"`
	Database string `yaml:"database" json:"database" validate:"required"`
	Login    string `yaml:"login" json:"login"`
	Password string `yaml:"password" json:"password"`
	Filter   string `yaml:"filter" json:"filter"`
	Limit    int    `yaml:"limit" json:"limit" validate:"gte=0"`

	// Statuses are the lot statuses selected by the design document filter.
	Statuses []string `yaml:"statuses" json:"statuses" validate:"dive,oneof=verification pending.dissolution dissolved"`
}

// LedgerConfig selects where broken lots, patches and the feed cursor live.
type LedgerConfig struct {
	Driver   string `yaml:"driver" json:"driver" validate:"oneof=sqlite postgres"`
	Path     string `yaml:"path" json:"path" validate:"required_if=Driver sqlite"`
	DSN      string `yaml:"dsn" json:"dsn" validate:"required_if=Driver postgres"`
	MaxConns int    `yaml:"max_conns" json:"max_conns" validate:"gte=0"`
}

// RetryConfig is the retry policy of remote patches.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts" json:"attempts" validate:"min=1"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" validate:"gt=0"`
	Retryable []string      `yaml:"retryable" json:"retryable" validate:"dive,oneof=not_found forbidden unprocessable request_failed invalid_response"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`

	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address" validate:"required_if=MetricsEnabled true"`

	TracingEnabled  bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" json:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			PollInterval: engine.DefaultPollInterval,
		},
		Lots: APIConfig{
			URL:     "http://127.0.0.1:6543",
			Version: "0.1",
		},
		Assets: APIConfig{
			URL:     "http://127.0.0.1:6543",
			Version: "0.1",
		},
		Feed: FeedConfig{
			URL:      "http://127.0.0.1:5984",
			Database: "lots_db",
			Filter:   "lots/status",
			Limit:    100,
			Statuses: lotStatuses(engine.ActionableLotStatuses()),
		},
		Ledger: LedgerConfig{
			Driver: "sqlite",
			Path:   "concierge.db",
		},
		Retry: RetryConfig{
			Attempts:  engine.DefaultMaxAttempts,
			BaseDelay: engine.DefaultBaseDelay,
			Retryable: errorKinds(engine.AllErrorKinds()),
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsAddress:  ":9090",
			TracingExporter: "none",
			SamplingRate:    1.0,
		},
	}
}

// RetryPolicy converts the retry section into an engine policy.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	kinds := make([]engine.ErrorKind, len(c.Retry.Retryable))
	for i, k := range c.Retry.Retryable {
		kinds[i] = engine.ErrorKind(k)
	}
	return engine.RetryPolicy{
		MaxAttempts: c.Retry.Attempts,
		BaseDelay:   c.Retry.BaseDelay,
		Retryable:   kinds,
	}
}

// FeedStatuses returns the statuses selected by the feed filter.
func (c *Config) FeedStatuses() []engine.LotStatus {
	out := make([]engine.LotStatus, len(c.Feed.Statuses))
	for i, s := range c.Feed.Statuses {
		out[i] = engine.LotStatus(s)
	}
	return out
}

// Redacted returns a copy without credentials, safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Lots.Token = redact(out.Lots.Token)
	out.Assets.Token = redact(out.Assets.Token)
	out.Feed.Password = redact(out.Feed.Password)
	out.Ledger.DSN = redact(out.Ledger.DSN)
	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func lotStatuses(in []engine.LotStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func errorKinds(in []engine.ErrorKind) []string {
	out := make([]string, len(in))
	for i, k := range in {
		out[i] = string(k)
	}
	return out
}
