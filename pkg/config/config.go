package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from the file.
const (
	EnvLotsToken    = "CONCIERGE_LOTS_TOKEN"
	EnvAssetsToken  = "CONCIERGE_ASSETS_TOKEN"
	EnvFeedPassword = "CONCIERGE_FEED_PASSWORD"
	EnvLedgerDSN    = "CONCIERGE_LEDGER_DSN"
)

// Loader reads and validates configuration files.
type Loader struct {
	validate *validator.Validate
	schema   *Schema
	getenv   func(string) string
}

// NewLoader creates a loader with the built-in schema.
func NewLoader() (*Loader, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}

	return &Loader{
		validate: validator.New(),
		schema:   schema,
		getenv:   os.Getenv,
	}, nil
}

// Load reads the file at path. An empty path yields the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		l.applyEnv(cfg)
		return cfg, l.Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults, applies environment overrides
// and validates the result.
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	fillDefaults(cfg)
	l.applyEnv(cfg)

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct validation followed by the CUE schema.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := l.schema.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// fillDefaults restores list values an explicit empty key removed.
func fillDefaults(cfg *Config) {
	def := Default()
	if len(cfg.Feed.Statuses) == 0 {
		cfg.Feed.Statuses = def.Feed.Statuses
	}
	if len(cfg.Retry.Retryable) == 0 {
		cfg.Retry.Retryable = def.Retry.Retryable
	}
}

func (l *Loader) applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := l.getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Lots.Token, EnvLotsToken)
	set(&cfg.Assets.Token, EnvAssetsToken)
	set(&cfg.Feed.Password, EnvFeedPassword)
	set(&cfg.Ledger.DSN, EnvLedgerDSN)
}
