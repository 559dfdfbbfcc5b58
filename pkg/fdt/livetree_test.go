package fdt

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog"
)

func setupLiveTree(t *testing.T) *LiveTree {
	t.Helper()
	return NewLiveTree(baseTree(), zerolog.Nop())
}

// load runs the engine chain the way an overlay instance does.
func load(t *testing.T, lt *LiveTree, ov *Node) overlay.Tree {
	t.Helper()
	ctx := context.Background()

	tree, err := lt.Unflatten(ctx, mustFlatten(t, ov))
	if err != nil {
		t.Fatalf("Unflatten failed: %v", err)
	}
	tree.MarkDetached()
	if err := lt.Resolve(ctx, tree); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return tree
}

func TestLiveTreeApplyRemove(t *testing.T) {
	ctx := context.Background()
	lt := setupLiveTree(t)
	before := mustFlatten(t, lt.Snapshot())

	id, err := lt.Apply(ctx, load(t, lt, sensorOverlay()), 128)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first id 1, got %d", id)
	}

	live := lt.Snapshot()
	if status, _ := live.Find("/soc/uart@1000").PropertyString("status"); status != "okay" {
		t.Errorf("expected uart status okay, got %q", status)
	}
	sensor := live.Find("/soc/sensor@40")
	if sensor == nil {
		t.Fatal("expected /soc/sensor@40 after apply")
	}
	if ref, _ := live.Find("/soc/consumer").PropertyU32("sensor"); ref != sensor.Phandle() {
		t.Errorf("expected consumer to reference phandle %d, got %d", sensor.Phandle(), ref)
	}
	if path, _ := live.Child(symbolsNode).PropertyString("sensor"); path != "/soc/sensor@40" {
		t.Errorf("expected sensor symbol /soc/sensor@40, got %q", path)
	}
	if got := lt.Applied(); len(got) != 1 || got[0] != 1 {
		t.Errorf("expected applied [1], got %v", got)
	}

	if err := lt.Remove(ctx, id); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if after := mustFlatten(t, lt.Snapshot()); string(after) != string(before) {
		t.Error("expected live tree restored after remove")
	}
	if got := lt.Applied(); len(got) != 0 {
		t.Errorf("expected nothing applied, got %v", got)
	}
}

func TestLiveTreeApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	lt := setupLiveTree(t)
	before := mustFlatten(t, lt.Snapshot())

	ov := pathOverlay("/soc")
	bad := ov.AddChild(NewNode("fragment@1"))
	bad.SetProperty("target-path", Strings("/missing"))
	bad.AddChild(NewNode(overlayNode)).SetProperty("x", Cells(1))

	_, err := lt.Apply(ctx, load(t, lt, ov), 0)
	if err == nil {
		t.Fatal("expected apply to fail")
	}
	wantErrno(t, err, EINVAL)

	if after := mustFlatten(t, lt.Snapshot()); string(after) != string(before) {
		t.Error("expected failed apply to leave the live tree untouched")
	}
}

func TestLiveTreeApplyRejects(t *testing.T) {
	tests := []struct {
		name    string
		overlay func() *Node
	}{
		{"no fragments", func() *Node {
			root := NewNode("")
			root.SetProperty("compatible", Strings("nothing"))
			return root
		}},
		{"fragment without target", func() *Node {
			root := NewNode("")
			root.AddChild(NewNode("fragment@0")).AddChild(NewNode(overlayNode))
			return root
		}},
		{"unknown phandle target", func() *Node {
			root := NewNode("")
			frag := root.AddChild(NewNode("fragment@0"))
			frag.SetProperty("target", Cells(0x99))
			frag.AddChild(NewNode(overlayNode))
			return root
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lt := setupLiveTree(t)
			_, err := lt.Apply(context.Background(), load(t, lt, tt.overlay()), 0)
			if err == nil {
				t.Fatal("expected error")
			}
			wantErrno(t, err, EINVAL)
		})
	}
}

func TestLiveTreeRemoveOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("overlapping later overlay blocks removal", func(t *testing.T) {
		lt := setupLiveTree(t)
		first, err := lt.Apply(ctx, load(t, lt, pathOverlay("/soc")), 0)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		second, err := lt.Apply(ctx, load(t, lt, pathOverlay("/soc")), 0)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}

		wantErrno(t, lt.Remove(ctx, first), EBUSY)

		if err := lt.Remove(ctx, second); err != nil {
			t.Fatalf("Remove(%d) failed: %v", second, err)
		}
		if err := lt.Remove(ctx, first); err != nil {
			t.Fatalf("Remove(%d) failed: %v", first, err)
		}
		if lt.Snapshot().Find("/soc/extra") != nil {
			t.Error("expected /soc/extra gone")
		}
	})

	t.Run("independent overlays remove in any order", func(t *testing.T) {
		lt := setupLiveTree(t)
		first, err := lt.Apply(ctx, load(t, lt, pathOverlay("/soc")), 0)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if _, err := lt.Apply(ctx, load(t, lt, pathOverlay("/")), 0); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if err := lt.Remove(ctx, first); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if lt.Snapshot().Find("/extra") == nil {
			t.Error("expected /extra to survive")
		}
	})

	t.Run("siblings under one target remove in application order", func(t *testing.T) {
		lt := NewLiveTree(nil, zerolog.Nop())
		a, err := lt.Apply(ctx, load(t, lt, childOverlay("/", "a")), 0)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		b, err := lt.Apply(ctx, load(t, lt, childOverlay("/", "b")), 0)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}

		if err := lt.Remove(ctx, a); err != nil {
			t.Fatalf("Remove(%d) failed: %v", a, err)
		}
		live := lt.Snapshot()
		if live.Find("/a") != nil {
			t.Error("expected /a gone")
		}
		if live.Find("/b") == nil {
			t.Error("expected /b to survive")
		}
		if path, _ := live.Child(symbolsNode).PropertyString("b"); path != "/b" {
			t.Errorf("expected symbol b -> /b, got %q", path)
		}
		if _, ok := live.Child(symbolsNode).PropertyString("a"); ok {
			t.Error("expected symbol a removed")
		}

		if err := lt.Remove(ctx, b); err != nil {
			t.Fatalf("Remove(%d) failed: %v", b, err)
		}
	})

	t.Run("later property edit blocks removal", func(t *testing.T) {
		lt := setupLiveTree(t)
		first, err := lt.Apply(ctx, load(t, lt, statusOverlay("disabled")), 0)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if _, err := lt.Apply(ctx, load(t, lt, statusOverlay("okay")), 0); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		wantErrno(t, lt.Remove(ctx, first), EBUSY)
	})

	t.Run("unknown id", func(t *testing.T) {
		lt := setupLiveTree(t)
		wantErrno(t, lt.Remove(ctx, 42), ENODEV)
	})
}

func TestLiveTreeReleaseTree(t *testing.T) {
	ctx := context.Background()
	lt := setupLiveTree(t)

	tree := load(t, lt, pathOverlay("/"))
	lt.ReleaseTree(tree)
	lt.ReleaseTree(tree)

	if got := lt.ReleasedTrees(); got != 1 {
		t.Errorf("expected one release, got %d", got)
	}
	if _, err := lt.Apply(ctx, tree, 0); err == nil {
		t.Error("expected apply of a released tree to fail")
	}
}

// memFirmware serves flattened overlays from memory.
type memFirmware map[string][]byte

type memBlob []byte

func (b memBlob) Bytes() []byte { return b }

func (m memFirmware) Request(_ context.Context, name string) (overlay.Blob, error) {
	data, ok := m[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return memBlob(data), nil
}

func (m memFirmware) Release(overlay.Blob) {}

func TestLiveTreeWithRegistry(t *testing.T) {
	ctx := context.Background()
	lt := setupLiveTree(t)

	unresolved := sensorOverlay()
	unresolved.Child(fixupsNode).SetProperty("i2c9", Strings("/fragment@0:target:0"))

	reg, err := overlay.NewRegistry(overlay.Config{
		Firmware: memFirmware{
			"sensor.dtbo":     mustFlatten(t, sensorOverlay()),
			"unresolved.dtbo": mustFlatten(t, unresolved),
			"garbage.dtbo":    []byte("not a device tree blob at all, really"),
		},
		Engine: lt,
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	tests := []struct {
		name   string
		source string
		kind   error
		code   int
	}{
		{"garbage", "garbage.dtbo", overlay.ErrParse, -EINVAL},
		{"unresolved", "unresolved.dtbo", overlay.ErrResolution, -ENOENT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Create(ctx, tt.name); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			err := reg.WritePath(ctx, tt.name, tt.source+"\n")
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			var oe *overlay.Error
			if !errors.As(err, &oe) || oe.Code != tt.code {
				t.Errorf("expected code %d, got %v", tt.code, err)
			}
		})
	}

	if _, err := reg.Create(ctx, "sensor"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := reg.WritePath(ctx, "sensor", "sensor.dtbo\n"); err != nil {
		t.Fatalf("WritePath failed: %v", err)
	}
	status, err := reg.ReadStatus("sensor")
	if err != nil || status != overlay.StatusApplied {
		t.Errorf("expected applied status, got %q (%v)", status, err)
	}
	if lt.Snapshot().Find("/soc/sensor@40") == nil {
		t.Error("expected sensor grafted into the live tree")
	}

	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if lt.Snapshot().Find("/soc/sensor@40") != nil {
		t.Error("expected sensor removed on close")
	}
	if got := len(lt.Applied()); got != 0 {
		t.Errorf("expected no applied overlays after close, got %d", got)
	}
}

// childOverlay adds node name, labelled name, under target.
func childOverlay(target, name string) *Node {
	root := NewNode("")
	frag := root.AddChild(NewNode("fragment@0"))
	frag.SetProperty("target-path", Strings(target))
	frag.AddChild(NewNode(overlayNode)).AddChild(NewNode(name)).SetProperty("compatible", Strings("test,"+name))
	root.AddChild(NewNode(symbolsNode)).SetProperty(name, Strings("/fragment@0/"+overlayNode+"/"+name))
	return root
}

// statusOverlay sets the status of /soc/uart@1000.
func statusOverlay(status string) *Node {
	root := NewNode("")
	frag := root.AddChild(NewNode("fragment@0"))
	frag.SetProperty("target-path", Strings("/soc/uart@1000"))
	frag.AddChild(NewNode(overlayNode)).SetProperty("status", Strings(status))
	return root
}
