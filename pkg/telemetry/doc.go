// Package telemetry provides the observability stack of the overlay daemon.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle event fan-out.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Wire it into the registry:
//
//	reg, err := overlay.NewRegistry(overlay.Config{
//	    Firmware: loader,
//	    Engine:   tree,
//	    Logger:   tel.Logger.Zerolog(),
//	    Observer: tel.Metrics,
//	    Journal:  telemetry.Tee(store, tel.Events),
//	})
//
// # Metrics
//
// Metrics implements overlay.Observer and registers on a private registry:
//
//	<namespace>_instances_live
//	<namespace>_writes_total{result}
//	<namespace>_step_duration_seconds{step}
//	<namespace>_step_failures_total{step,kind}
//	<namespace>_removals_total{result}
//
// NewServer returns an http.Server exposing them on the configured path.
//
// # Tracing
//
// When tracing is enabled the provider is installed globally, so the spans the
// overlay core opens per write and per teardown are exported through it.
// Exporters: otlp (gRPC), stdout, none.
//
// # Events
//
// EventPublisher implements overlay.Journal and delivers events to
// subscribers, synchronously or from a buffered goroutine. Tee combines it
// with the durable journal.
package telemetry
