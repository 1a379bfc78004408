package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openregistry/concierge/pkg/engine"
)

// Metrics provides Prometheus metrics for the concierge. It implements
// engine.Observer.
type Metrics struct {
	config MetricsConfig

	// Lot metrics
	lotsProcessed *prometheus.CounterVec
	lotDuration   *prometheus.HistogramVec

	// Patch metrics
	patches      *prometheus.CounterVec
	patchRetries *prometheus.CounterVec

	// Feed metrics
	feedPolls  *prometheus.CounterVec
	feedEvents prometheus.Counter

	// Ledger metrics
	brokenLots prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		lotsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lots_processed_total",
				Help:      "Total number of lot change events processed, by outcome",
			},
			[]string{"outcome", "replayed"},
		),
		lotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lot_duration_seconds",
				Help:      "Duration of processing one lot in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		patches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_total",
				Help:      "Total number of registry patch attempts",
			},
			[]string{"resource", "status", "result"},
		),
		patchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patch_retries_total",
				Help:      "Total number of registry patch attempts after the first",
			},
			[]string{"resource"},
		),

		feedPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_polls_total",
				Help:      "Total number of change feed polls",
			},
			[]string{"result"},
		),
		feedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_events_total",
				Help:      "Total number of lot changes received from the feed",
			},
		),

		brokenLots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broken_lots",
				Help:      "Current number of unresolved broken lots in the ledger",
			},
		),
	}

	registry.MustRegister(
		m.lotsProcessed,
		m.lotDuration,
		m.patches,
		m.patchRetries,
		m.feedPolls,
		m.feedEvents,
		m.brokenLots,
	)

	return m, nil
}

// LotProcessed records the outcome of one lot.
func (m *Metrics) LotProcessed(result engine.Result) {
	if m.lotsProcessed == nil {
		return
	}
	outcome := string(result.Outcome)
	m.lotsProcessed.WithLabelValues(outcome, strconv.FormatBool(result.Replayed)).Inc()
	m.lotDuration.WithLabelValues(outcome).Observe(result.Duration.Seconds())
}

// PatchAttempted records a single registry patch attempt.
func (m *Metrics) PatchAttempted(resource engine.ResourceType, status string, err error, attempt int) {
	if m.patches == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(engine.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.patches.WithLabelValues(string(resource), status, result).Inc()
	if attempt > 1 {
		m.patchRetries.WithLabelValues(string(resource)).Inc()
	}
}

// FeedPolled records one poll of the change feed.
func (m *Metrics) FeedPolled(events int, err error) {
	if m.feedPolls == nil {
		return
	}
	if err != nil {
		m.feedPolls.WithLabelValues("error").Inc()
		return
	}
	m.feedPolls.WithLabelValues("success").Inc()
	m.feedEvents.Add(float64(events))
}

// LedgerSize sets the number of unresolved broken lots.
func (m *Metrics) LedgerSize(unresolved int) {
	if m.brokenLots == nil {
		return
	}
	m.brokenLots.Set(float64(unresolved))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Metrics server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

var _ engine.Observer = (*Metrics)(nil)
