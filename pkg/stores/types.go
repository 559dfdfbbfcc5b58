package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
)

// EventRecord is a persisted lifecycle event
type EventRecord struct {
	Seq       int64             `json:"seq"`
	ID        string            `json:"id"`
	Instance  string            `json:"instance"`
	Kind      overlay.EventKind `json:"kind"`
	Path      string            `json:"path"`
	Handle    int               `json:"handle"`
	Error     sql.NullString    `json:"error"`
	Timestamp time.Time         `json:"timestamp"`
}

// InstanceRecord is the last known state of an instance, folded from its events
type InstanceRecord struct {
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	Status    overlay.Status `json:"status"`
	Handle    int            `json:"handle"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Instance string
	Kind     overlay.EventKind
	Limit    int
	Offset   int
}

// Store defines the journal persistence interface
type Store interface {
	overlay.Journal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Queries
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)
	ListInstances(ctx context.Context) ([]*InstanceRecord, error)
	GetInstance(ctx context.Context, name string) (*InstanceRecord, error)
}
