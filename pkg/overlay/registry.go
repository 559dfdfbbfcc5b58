package overlay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Config wires an instance or registry to its collaborators.
type Config struct {
	// Firmware fetches blobs. Required.
	Firmware Firmware

	// Engine unflattens, resolves and applies trees. Required.
	Engine Engine

	// Logger receives lifecycle logs. The zero value discards.
	Logger zerolog.Logger

	// Observer receives metrics. Optional.
	Observer Observer

	// Journal records lifecycle events. Optional.
	Journal Journal

	// MaxInstances caps the number of live instances, 0 means unlimited.
	MaxInstances int
}

// Registry owns the live instances keyed by name.
//
// mu is the subsystem-wide lock: structural operations and attribute access
// all run under it, so no two transition-triggering writes overlap.
type Registry struct {
	mu     sync.Mutex
	items  map[string]*Instance
	cfg    Config
	logger zerolog.Logger
	closed bool
}

var _ Group = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Firmware == nil {
		return nil, fmt.Errorf("firmware loader is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("overlay engine is required")
	}
	if cfg.MaxInstances < 0 {
		return nil, fmt.Errorf("max instances must not be negative, got %d", cfg.MaxInstances)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	return &Registry{
		items:  make(map[string]*Instance),
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "overlay-registry").Logger(),
	}, nil
}

// Create constructs an empty instance named name.
func (r *Registry) Create(ctx context.Context, name string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, newError(KindNoEntry, name, "create", errors.New("registry is closed"))
	}
	if name == "" {
		return nil, newError(KindNameConflict, name, "create", errors.New("empty name"))
	}
	if _, exists := r.items[name]; exists {
		return nil, newError(KindNameConflict, name, "create", fmt.Errorf("instance %s already exists", name))
	}
	if r.cfg.MaxInstances > 0 && len(r.items) >= r.cfg.MaxInstances {
		return nil, newError(KindOutOfMemory, name, "create",
			fmt.Errorf("registry is full (%d instances)", r.cfg.MaxInstances))
	}

	inst := NewInstance(name, r.cfg)
	r.items[name] = inst
	r.cfg.Observer.InstanceCreated()
	inst.record(ctx, Event{Kind: EventCreated, Handle: NoHandle})

	r.logger.Debug().Str("instance", name).Msg("instance created")
	return inst, nil
}

// Destroy tears inst down and forgets its name.
func (r *Registry) Destroy(ctx context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.destroyLocked(ctx, inst)
}

func (r *Registry) destroyLocked(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return newError(KindNoEntry, "", "destroy", errors.New("nil instance"))
	}
	if cur, ok := r.items[inst.name]; !ok || cur != inst {
		return newError(KindNoEntry, inst.name, "destroy", errors.New("instance is not registered"))
	}

	inst.Teardown(ctx)
	delete(r.items, inst.name)
	r.cfg.Observer.InstanceDestroyed()
	inst.record(ctx, Event{Kind: EventDestroyed, Path: inst.path, Handle: NoHandle})

	r.logger.Debug().Str("instance", inst.name).Msg("instance destroyed")
	return nil
}

// Make implements Group.
func (r *Registry) Make(ctx context.Context, name string) (*Instance, error) {
	return r.Create(ctx, name)
}

// Drop implements Group. Errors are logged; the namespace has no way to refuse a drop.
func (r *Registry) Drop(ctx context.Context, inst *Instance) {
	if err := r.Destroy(ctx, inst); err != nil {
		r.logger.Warn().Err(err).Msg("drop of unknown instance")
	}
}

// Lookup returns the live instance named name.
func (r *Registry) Lookup(name string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.items[name]
	return inst, ok
}

// Names returns the live instance names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.items)
}

// WritePath writes the path attribute of the named instance.
func (r *Registry) WritePath(ctx context.Context, name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.items[name]
	if !ok {
		return newError(KindNoEntry, name, "write_path", errors.New("no such instance"))
	}
	return inst.WritePath(ctx, value)
}

// ReadPath reads the path attribute of the named instance.
func (r *Registry) ReadPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.items[name]
	if !ok {
		return "", newError(KindNoEntry, name, "read_path", errors.New("no such instance"))
	}
	return inst.Path(), nil
}

// ReadStatus reads the status attribute of the named instance.
func (r *Registry) ReadStatus(name string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.items[name]
	if !ok {
		return "", newError(KindNoEntry, name, "read_status", errors.New("no such instance"))
	}
	return inst.Status(), nil
}

// Close destroys every live instance, most recently applied overlays first,
// and refuses further creates.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := make([]*Instance, 0, len(r.items))
	for _, inst := range r.items {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(a, b int) bool {
		if insts[a].handle != insts[b].handle {
			return insts[a].handle > insts[b].handle
		}
		return insts[a].name < insts[b].name
	})

	var errs []error
	for _, inst := range insts {
		if err := r.destroyLocked(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	r.closed = true

	r.logger.Info().Int("instances", len(insts)).Msg("registry closed")
	return errors.Join(errs...)
}
