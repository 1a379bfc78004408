package telemetry

import (
	"context"
	"errors"

	"github.com/openregistry/concierge/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// Observer returns the engine observer feeding metrics and events.
func (t *Telemetry) Observer() engine.Observer {
	return MultiObserver{t.Metrics, t.Events}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// MultiObserver forwards engine activity to every observer in order.
type MultiObserver []engine.Observer

func (m MultiObserver) LotProcessed(result engine.Result) {
	for _, o := range m {
		o.LotProcessed(result)
	}
}

func (m MultiObserver) PatchAttempted(resource engine.ResourceType, status string, err error, attempt int) {
	for _, o := range m {
		o.PatchAttempted(resource, status, err, attempt)
	}
}

func (m MultiObserver) FeedPolled(events int, err error) {
	for _, o := range m {
		o.FeedPolled(events, err)
	}
}

func (m MultiObserver) LedgerSize(unresolved int) {
	for _, o := range m {
		o.LedgerSize(unresolved)
	}
}
