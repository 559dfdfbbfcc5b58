package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func record(t *testing.T, s *SQLiteStore, events ...overlay.Event) {
	t.Helper()
	for _, ev := range events {
		if err := s.Record(context.Background(), ev); err != nil {
			t.Fatalf("failed to record %s event: %v", ev.Kind, err)
		}
	}
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("expected second migration to be a no-op, got %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"events", "instances"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRecordAndListEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	record(t, store,
		overlay.Event{Instance: "uart", Kind: overlay.EventCreated, Handle: overlay.NoHandle, Timestamp: ts},
		overlay.Event{Instance: "uart", Kind: overlay.EventFailed, Path: "bad.dtbo", Handle: overlay.NoHandle, Error: "parse_error", Timestamp: ts},
		overlay.Event{Instance: "uart", Kind: overlay.EventApplied, Path: "uart.dtbo", Handle: 3, Timestamp: ts},
		overlay.Event{Instance: "spi", Kind: overlay.EventCreated, Handle: overlay.NoHandle},
	)

	t.Run("all newest first", func(t *testing.T) {
		events, err := store.ListEvents(ctx, EventFilter{})
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(events) != 4 {
			t.Fatalf("expected 4 events, got %d", len(events))
		}
		if events[0].Instance != "spi" || events[3].Kind != overlay.EventCreated {
			t.Errorf("unexpected ordering: first=%s last=%s", events[0].Instance, events[3].Kind)
		}
		if events[0].ID == "" || events[0].ID == events[1].ID {
			t.Error("expected unique event ids")
		}
		if events[0].Timestamp.IsZero() {
			t.Error("expected default timestamp")
		}
	})

	t.Run("by instance", func(t *testing.T) {
		events, err := store.ListEvents(ctx, EventFilter{Instance: "uart"})
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		applied := events[0]
		if applied.Kind != overlay.EventApplied || applied.Handle != 3 || applied.Path != "uart.dtbo" {
			t.Errorf("unexpected applied event %+v", applied)
		}
		if !applied.Timestamp.Equal(ts) {
			t.Errorf("expected timestamp %v, got %v", ts, applied.Timestamp)
		}
		if applied.Error.Valid {
			t.Error("expected no error on applied event")
		}
		if failed := events[1]; !failed.Error.Valid || failed.Error.String != "parse_error" {
			t.Errorf("expected failure message, got %+v", failed.Error)
		}
	})

	t.Run("by kind with pagination", func(t *testing.T) {
		events, err := store.ListEvents(ctx, EventFilter{Kind: overlay.EventCreated, Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(events) != 1 || events[0].Instance != "uart" {
			t.Errorf("expected the older created event, got %+v", events)
		}
	})
}

func TestInstanceFolding(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record(t, store,
		overlay.Event{Instance: "uart", Kind: overlay.EventCreated, Handle: overlay.NoHandle},
		overlay.Event{Instance: "spi", Kind: overlay.EventCreated, Handle: overlay.NoHandle},
		overlay.Event{Instance: "uart", Kind: overlay.EventApplied, Path: "uart.dtbo", Handle: 1},
		overlay.Event{Instance: "uart", Kind: overlay.EventRejected, Path: "other.dtbo", Handle: 1},
	)

	tests := []struct {
		name   string
		path   string
		status overlay.Status
		handle int
	}{
		{"spi", "", overlay.StatusUnapplied, overlay.NoHandle},
		{"uart", "uart.dtbo", overlay.StatusApplied, 1},
	}
	records, err := store.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(records) != len(tests) {
		t.Fatalf("expected %d instances, got %d", len(tests), len(records))
	}
	for i, tt := range tests {
		rec := records[i]
		if rec.Name != tt.name || rec.Path != tt.path || rec.Status != tt.status || rec.Handle != tt.handle {
			t.Errorf("instance %d: expected %+v, got %+v", i, tt, rec)
		}
	}

	record(t, store,
		overlay.Event{Instance: "uart", Kind: overlay.EventRemoved, Path: "uart.dtbo", Handle: 1},
	)
	rec, err := store.GetInstance(ctx, "uart")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if rec.Status != overlay.StatusUnapplied || rec.Handle != overlay.NoHandle {
		t.Errorf("expected unapplied after removal, got %+v", rec)
	}

	record(t, store,
		overlay.Event{Instance: "uart", Kind: overlay.EventDestroyed, Handle: overlay.NoHandle},
	)
	if _, err := store.GetInstance(ctx, "uart"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after destroy, got %v", err)
	}
}

func TestRecordWithoutInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Record(context.Background(), overlay.Event{Instance: "x", Kind: overlay.EventCreated}); err == nil {
		t.Error("expected error before Init")
	}
}

func TestStoreAsJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	reg, err := overlay.NewRegistry(overlay.Config{
		Firmware: nopFirmware{},
		Engine:   nopEngine{},
		Journal:  store,
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if _, err := reg.Create(ctx, "uart"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := reg.WritePath(ctx, "uart", "uart.dtbo\n"); err != nil {
		t.Fatalf("WritePath failed: %v", err)
	}

	rec, err := store.GetInstance(ctx, "uart")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if rec.Status != overlay.StatusApplied || rec.Path != "uart.dtbo" || rec.Handle != 1 {
		t.Errorf("unexpected folded state %+v", rec)
	}

	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	events, err := store.ListEvents(ctx, EventFilter{Instance: "uart"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	kinds := make([]overlay.EventKind, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		kinds = append(kinds, events[i].Kind)
	}
	want := []overlay.EventKind{overlay.EventCreated, overlay.EventApplied, overlay.EventRemoved, overlay.EventDestroyed}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

type nopBlob struct{}

func (nopBlob) Bytes() []byte { return []byte{0} }

type nopFirmware struct{}

func (nopFirmware) Request(context.Context, string) (overlay.Blob, error) { return nopBlob{}, nil }
func (nopFirmware) Release(overlay.Blob)                                  {}

type nopTree struct{}

func (nopTree) MarkDetached() {}

type nopEngine struct{}

func (nopEngine) Unflatten(context.Context, []byte) (overlay.Tree, error) { return nopTree{}, nil }
func (nopEngine) Resolve(context.Context, overlay.Tree) error             { return nil }
func (nopEngine) Apply(context.Context, overlay.Tree, int) (int, error)   { return 1, nil }
func (nopEngine) Remove(context.Context, int) error                       { return nil }
func (nopEngine) ReleaseTree(overlay.Tree)                                {}
