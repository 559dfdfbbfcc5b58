package telemetry

import (
	"context"
	"errors"
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

// NewTelemetry creates a new telemetry instance from configuration. When
// events are enabled, a subscriber logging every lifecycle event is attached.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	events.Subscribe(LogSubscriber(logger.Component("events")), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.Zerolog().WithContext(ctx)
}

// FromContext retrieves the telemetry instance from the context, or nil.
func FromContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops the components in reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
