package policy

import (
	"context"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog"
)

// Admission gates a firmware loader behind the policy engine. Requests are
// evaluated before any blob is read; a denied request never reaches next.
type Admission struct {
	next   overlay.Firmware
	engine *Engine
	logger zerolog.Logger
}

var _ overlay.Firmware = (*Admission)(nil)

// NewAdmission wraps next with policy checks.
func NewAdmission(next overlay.Firmware, engine *Engine, logger zerolog.Logger) *Admission {
	return &Admission{
		next:   next,
		engine: engine,
		logger: logger.With().Str("component", "policy-admission").Logger(),
	}
}

// Request implements overlay.Firmware.
func (a *Admission) Request(ctx context.Context, name string) (overlay.Blob, error) {
	input := &Input{
		Instance: overlay.InstanceNameFromContext(ctx),
		Path:     name,
		Context:  &Context{Timestamp: time.Now().UTC(), Operation: "load"},
	}

	result, err := a.engine.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		a.logger.Warn().
			Str("policy", w.Policy).
			Str("instance", w.Instance).
			Str("path", w.Path).
			Msg(w.Message)
	}
	if !result.Allowed {
		a.logger.Warn().
			Str("instance", input.Instance).
			Str("path", name).
			Int("violations", len(result.Violations)).
			Msg("source denied by policy")
		return nil, &DeniedError{Path: name, Violations: result.Violations}
	}

	return a.next.Request(ctx, name)
}

// Release implements overlay.Firmware.
func (a *Admission) Release(blob overlay.Blob) {
	a.next.Release(blob)
}
