package overlay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// NoHandle is the handle of an instance that is not applied.
	NoHandle = -1

	// MaxPathLen is the longest source identifier kept. Longer writes are truncated.
	MaxPathLen = 4094

	tracerName = "github.com/openfroyo/dtoverlay/pkg/overlay"
)

// Status is the projection of an instance's handle.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusUnapplied Status = "unapplied"
)

// State is the position of an instance in its lifecycle.
type State string

const (
	StateEmpty       State = "empty"
	StateLoading     State = "loading"
	StateUnflattened State = "unflattened"
	StateResolved    State = "resolved"
	StateApplied     State = "applied"
	StateFailed      State = "failed"
	StateRemoved     State = "removed"
)

var (
	errEmptyPath = errors.New("empty source identifier")
	errNilBlob   = errors.New("firmware returned no data")
	errNilTree   = errors.New("engine returned no tree")
	errRemoved   = errors.New("instance has been torn down")
)

// Instance is one overlay's attach/detach lifecycle.
//
// Instance performs no locking. Callers must serialize WritePath and Teardown
// on the same instance; the Registry does this with its root mutex.
type Instance struct {
	name string
	path string

	blob   owned[Blob]
	tree   owned[Tree]
	handle int
	state  State

	firmware Firmware
	engine   Engine
	logger   zerolog.Logger
	observer Observer
	journal  Journal
	tracer   trace.Tracer
}

// NewInstance creates an empty, unapplied instance.
func NewInstance(name string, cfg Config) *Instance {
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Instance{
		name:     name,
		handle:   NoHandle,
		state:    StateEmpty,
		firmware: cfg.Firmware,
		engine:   cfg.Engine,
		logger:   cfg.Logger.With().Str("instance", name).Logger(),
		observer: observer,
		journal:  cfg.Journal,
		tracer:   otel.Tracer(tracerName),
	}
}

// Name returns the instance identity.
func (i *Instance) Name() string {
	return i.name
}

// Path returns the stored source identifier, empty if none.
func (i *Instance) Path() string {
	return i.path
}

// Handle returns the engine handle id, NoHandle when not applied.
func (i *Instance) Handle() int {
	return i.handle
}

// State returns the lifecycle state.
func (i *Instance) State() State {
	return i.state
}

// Status reports applied iff the instance holds an engine handle.
func (i *Instance) Status() Status {
	if i.handle != NoHandle {
		return StatusApplied
	}
	return StatusUnapplied
}

// WritePath stores the source identifier and runs the load, unflatten,
// resolve and apply chain. A successful path can never be replaced. On any
// failure the acquired resources are released, the path is cleared and the
// instance accepts a new write.
func (i *Instance) WritePath(ctx context.Context, value string) error {
	if i.state == StateRemoved {
		return newError(KindNoEntry, i.name, "write_path", errRemoved)
	}
	if i.path != "" || i.handle != NoHandle || i.blob.Held() {
		i.logger.Warn().
			Str("path", i.path).
			Str("requested", normalizePath(value)).
			Msg("path already set, refusing write")
		i.record(ctx, Event{Kind: EventRejected, Path: normalizePath(value), Handle: i.handle})
		return newError(KindPermissionDenied, i.name, "write_path",
			fmt.Errorf("path already set to %q", i.path))
	}

	ctx, span := i.tracer.Start(ctx, "overlay.write_path",
		trace.WithAttributes(attribute.String("overlay.instance", i.name)))
	defer span.End()

	i.path = normalizePath(value)
	span.SetAttributes(attribute.String("overlay.path", i.path))
	i.logger.Debug().Str("path", i.path).Msg("path set")

	err := i.run(WithInstanceName(ctx, i.name))
	i.observer.WriteCompleted(err)
	if err != nil {
		path := i.path
		i.rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Error().Err(err).Str("path", path).Msg("failed to create overlay")
		i.record(ctx, Event{Kind: EventFailed, Path: path, Handle: NoHandle, Error: err.Error()})
		return err
	}

	span.SetAttributes(attribute.Int("overlay.handle", i.handle))
	i.logger.Info().Str("path", i.path).Int("handle", i.handle).Msg("overlay applied")
	i.record(ctx, Event{Kind: EventApplied, Path: i.path, Handle: i.handle})
	return nil
}

// run executes the chain. Resources are left owned by the instance; the
// caller rolls them back on error.
func (i *Instance) run(ctx context.Context) error {
	if i.path == "" {
		return newError(KindLoad, i.name, string(StepLoad), errEmptyPath)
	}

	i.state = StateLoading
	var blob Blob
	err := i.step(ctx, StepLoad, func(ctx context.Context) error {
		b, err := i.firmware.Request(ctx, i.path)
		if err != nil {
			return newError(KindLoad, i.name, string(StepLoad), err)
		}
		if b == nil {
			return newError(KindLoad, i.name, string(StepLoad), errNilBlob)
		}
		blob = b
		return nil
	})
	if err != nil {
		return err
	}
	i.blob = acquire(blob, i.firmware.Release)

	var tree Tree
	err = i.step(ctx, StepUnflatten, func(ctx context.Context) error {
		t, err := i.engine.Unflatten(ctx, blob.Bytes())
		if err != nil {
			if t != nil {
				i.tree = acquire(t, i.engine.ReleaseTree)
			}
			return newError(KindParse, i.name, string(StepUnflatten), err)
		}
		if t == nil {
			return newError(KindParse, i.name, string(StepUnflatten), errNilTree)
		}
		tree = t
		return nil
	})
	if err != nil {
		return err
	}
	i.tree = acquire(tree, i.engine.ReleaseTree)
	tree.MarkDetached()
	i.state = StateUnflattened

	err = i.step(ctx, StepResolve, func(ctx context.Context) error {
		if err := i.engine.Resolve(ctx, tree); err != nil {
			return newError(KindResolution, i.name, string(StepResolve), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	i.state = StateResolved

	return i.step(ctx, StepApply, func(ctx context.Context) error {
		id, err := i.engine.Apply(ctx, tree, len(blob.Bytes()))
		if err != nil {
			return newError(KindApply, i.name, string(StepApply), err)
		}
		if id < 0 {
			e := newError(KindApply, i.name, string(StepApply), fmt.Errorf("engine returned invalid handle %d", id))
			e.Code = id
			return e
		}
		i.handle = id
		i.state = StateApplied
		return nil
	})
}

func (i *Instance) step(ctx context.Context, step Step, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	i.observer.StepCompleted(step, elapsed, err)

	span := trace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{attribute.String("step", string(step))}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	span.AddEvent("overlay.step", trace.WithAttributes(attrs...))

	i.logger.Debug().Str("step", string(step)).Dur("duration", elapsed).Err(err).Msg("step finished")
	return err
}

// rollback undoes a failed chain in reverse acquisition order.
func (i *Instance) rollback() {
	i.tree.Release()
	i.blob.Release()
	i.path = ""
	i.state = StateFailed
}

// Teardown removes the applied overlay, then releases the blob and the tree.
// Removal failures are logged and do not stop the teardown.
func (i *Instance) Teardown(ctx context.Context) {
	if i.state == StateRemoved {
		return
	}

	ctx, span := i.tracer.Start(ctx, "overlay.teardown",
		trace.WithAttributes(attribute.String("overlay.instance", i.name)))
	defer span.End()

	if i.handle != NoHandle {
		id := i.handle
		err := i.step(WithInstanceName(ctx, i.name), StepRemove, func(ctx context.Context) error {
			return i.engine.Remove(ctx, id)
		})
		ev := Event{Kind: EventRemoved, Path: i.path, Handle: id}
		if err != nil {
			span.RecordError(err)
			ev.Error = err.Error()
			i.logger.Error().Err(err).Int("handle", id).Msg("failed to remove overlay, continuing teardown")
		} else {
			i.logger.Info().Int("handle", id).Msg("overlay removed")
		}
		i.record(ctx, ev)
		i.handle = NoHandle
	}

	i.blob.Release()
	i.tree.Release()
	i.state = StateRemoved
}

func (i *Instance) record(ctx context.Context, ev Event) {
	if i.journal == nil {
		return
	}
	ev.Instance = i.name
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := i.journal.Record(ctx, ev); err != nil {
		i.logger.Warn().Err(err).Str("event", string(ev.Kind)).Msg("failed to journal event")
	}
}

// normalizePath bounds the identifier and strips trailing newlines.
func normalizePath(value string) string {
	if len(value) > MaxPathLen {
		value = value[:MaxPathLen]
	}
	return strings.TrimRight(value, "\n")
}

// FormatPath renders the path attribute.
func FormatPath(path string) string {
	return path + "\n"
}

// FormatStatus renders the status attribute.
func FormatStatus(s Status) string {
	return string(s) + "\n"
}

type instanceKey struct{}

// WithInstanceName tags ctx with the instance a collaborator call is made for.
func WithInstanceName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, instanceKey{}, name)
}

// InstanceNameFromContext returns the instance name set by WithInstanceName.
func InstanceNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(instanceKey{}).(string)
	return name
}
