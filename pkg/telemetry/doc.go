// Package telemetry provides logging, metrics, tracing and lot events for
// the concierge worker.
//
// # Logging
//
// Logger wraps zerolog. Components receive the zerolog.Logger returned by
// Zerolog and derive a "component" sub-logger from it.
//
// # Metrics
//
// Metrics implements engine.Observer and exports:
//
//	concierge_lots_processed_total{outcome,replayed}
//	concierge_lot_duration_seconds{outcome}
//	concierge_patches_total{resource,status,result}
//	concierge_patch_retries_total{resource}
//	concierge_feed_polls_total{result}
//	concierge_feed_events_total
//	concierge_broken_lots
//
// Serve exposes them over HTTP until its context is cancelled.
//
// # Tracing
//
// Tracer configures an OpenTelemetry provider with an OTLP gRPC or stdout
// exporter. The engine creates "reconcile.cycle", "lot.process" and
// "resource.patch" spans through the tracer returned by Tracer.Tracer.
//
// # Events
//
// EventPublisher turns lot outcomes into events such as "lot.broken" or
// "lot.recovered" and delivers them to subscribers off the worker goroutine:
//
//	tel, _ := telemetry.NewTelemetry(cfg)
//	tel.Events.Subscribe(telemetry.JSONLinesSubscriber(os.Stderr),
//		telemetry.FilterByLevel(telemetry.EventLevelWarning))
//	eng, _ := engine.New(engine.Options{Observer: tel.Observer(), ...})
package telemetry
