package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// configSchema bounds the values a running worker accepts. Durations are
// encoded in nanoseconds.
const configSchema = `
#Duration: int & >0

#Config: {
	worker: poll_interval: #Duration & >=100000000

	lots:   #API
	assets: #API

	feed: {
		url:      =~"^https?://"
		database: =~"^[a-z][a-z0-9_$()+/-]*$"
		login:    string
		password: string
		filter:   string
		limit:    int & >=1 & <=1000
		statuses: [...("verification" | "pending.dissolution" | "dissolved")]
	}

	ledger: {
		driver:    "sqlite" | "postgres"
		path:      string
		dsn:       string
		max_conns: int & >=0 & <=64
		if driver == "sqlite" {
			path: !=""
		}
		if driver == "postgres" {
			dsn: !=""
		}
	}

	retry: {
		attempts:   int & >=1 & <=20
		base_delay: #Duration
		retryable: [...("not_found" | "forbidden" | "unprocessable" | "request_failed" | "invalid_response")]
	}

	telemetry: {...}
}

#API: {
	url:     =~"^https?://"
	token:   string
	version: =~"^[0-9]+\\.[0-9]+$"
	timeout: int & >=0
}
`

// Schema validates decoded configuration against the CUE definition.
type Schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the configuration schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(configSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("failed to find #Config: %w", err)
	}

	return &Schema{ctx: ctx, def: def}, nil
}

// Validate unifies cfg with #Config and reports the first violation.
func (s *Schema) Validate(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(cfg)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	unified := s.def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}
