package overlay

import (
	"context"
	"time"
)

// Blob is a loaded binary overlay image. The instance that requested it owns
// it until it is handed back through Firmware.Release.
type Blob interface {
	// Bytes returns the raw image.
	Bytes() []byte
}

// Firmware fetches named binary images into memory.
type Firmware interface {
	// Request loads the image named by the source identifier.
	Request(ctx context.Context, name string) (Blob, error)

	// Release frees a blob returned by Request.
	Release(blob Blob)
}

// Tree is an unflattened overlay tree owned by an instance.
type Tree interface {
	// MarkDetached flags the subtree as not attached to any live tree.
	MarkDetached()
}

// Engine unflattens, resolves, applies and removes overlays against the live
// configuration tree.
type Engine interface {
	// Unflatten parses a blob into a structured tree. A tree returned
	// together with an error is still handed back through ReleaseTree.
	Unflatten(ctx context.Context, data []byte) (Tree, error)

	// Resolve rewrites symbolic references in tree in place.
	Resolve(ctx context.Context, tree Tree) error

	// Apply grafts tree onto the live tree and returns a handle id for Remove.
	Apply(ctx context.Context, tree Tree, sizeHint int) (int, error)

	// Remove detaches the overlay identified by id.
	Remove(ctx context.Context, id int) error

	// ReleaseTree frees a tree returned by Unflatten.
	ReleaseTree(tree Tree)
}

// Step names a stage of the load-and-apply chain.
type Step string

const (
	StepLoad      Step = "load"
	StepUnflatten Step = "unflatten"
	StepResolve   Step = "resolve"
	StepApply     Step = "apply"
	StepRemove    Step = "remove"
)

// Observer receives lifecycle measurements. telemetry.Metrics implements it.
type Observer interface {
	InstanceCreated()
	InstanceDestroyed()
	StepCompleted(step Step, duration time.Duration, err error)
	WriteCompleted(err error)
}

// EventKind names a journal event.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventApplied   EventKind = "applied"
	EventFailed    EventKind = "failed"
	EventRejected  EventKind = "rejected"
	EventRemoved   EventKind = "removed"
	EventDestroyed EventKind = "destroyed"
)

// Event is a lifecycle record handed to the Journal.
type Event struct {
	Instance  string
	Kind      EventKind
	Path      string
	Handle    int
	Error     string
	Timestamp time.Time
}

// Journal durably records lifecycle events. stores.SQLiteStore implements it.
type Journal interface {
	Record(ctx context.Context, event Event) error
}

// Group is the make/drop capability the administrative namespace depends on.
type Group interface {
	// Make creates an instance named name.
	Make(ctx context.Context, name string) (*Instance, error)

	// Drop tears the instance down and forgets it.
	Drop(ctx context.Context, inst *Instance)
}

type nopObserver struct{}

func (nopObserver) InstanceCreated()                         {}
func (nopObserver) InstanceDestroyed()                       {}
func (nopObserver) StepCompleted(Step, time.Duration, error) {}
func (nopObserver) WriteCompleted(error)                     {}
