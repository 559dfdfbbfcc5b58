package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/dtoverlay/pkg/config"
	"github.com/openfroyo/dtoverlay/pkg/fdt"
	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/openfroyo/dtoverlay/pkg/stores"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func setConfig(t *testing.T, path string) {
	t.Helper()
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
}

func uartOverlay(t *testing.T) []byte {
	t.Helper()
	ov := fdt.NewNode("")
	frag := ov.AddChild(fdt.NewNode("fragment@0"))
	frag.SetProperty("target-path", fdt.Strings("/"))
	uart := frag.AddChild(fdt.NewNode("__overlay__")).AddChild(fdt.NewNode("uart"))
	uart.SetProperty("status", fdt.Strings("okay"))
	data, err := fdt.Flatten(ov)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	return data
}

func TestRunApply(t *testing.T) {
	dir := t.TempDir()
	fwDir := filepath.Join(dir, "firmware")
	if err := os.Mkdir(fwDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(fwDir, "uart.dtbo"), uartOverlay(t))

	journal := filepath.Join(dir, "journal.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, []byte(`firmware:
  search_paths:
    - `+fwDir+`
journal:
  path: `+journal+`
`))
	setConfig(t, cfgPath)

	ctx := context.Background()
	exported := filepath.Join(dir, "live.dtb")
	if err := runApply(ctx, "uart", "uart.dtbo", exported, false); err != nil {
		t.Fatalf("runApply failed: %v", err)
	}

	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatalf("expected exported tree: %v", err)
	}
	root, err := fdt.Unflatten(data)
	if err != nil {
		t.Fatalf("exported tree does not parse: %v", err)
	}
	if root.Find("/uart") == nil {
		t.Error("expected /uart in the exported tree")
	}

	store, err := openStore(ctx, journal)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer store.Close()

	events, err := store.ListEvents(ctx, stores.EventFilter{Instance: "uart"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	kinds := make(map[overlay.EventKind]bool)
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	for _, want := range []overlay.EventKind{overlay.EventCreated, overlay.EventApplied, overlay.EventRemoved, overlay.EventDestroyed} {
		if !kinds[want] {
			t.Errorf("expected a %s event, got %v", want, kinds)
		}
	}

	t.Run("missing source", func(t *testing.T) {
		err := runApply(ctx, "spi", "spi.dtbo", "", false)
		if overlay.KindOf(err) != overlay.KindLoad {
			t.Errorf("expected load error, got %v", err)
		}
	})

	t.Run("rejected extension", func(t *testing.T) {
		writeFile(t, filepath.Join(fwDir, "uart.bin"), uartOverlay(t))
		if err := runApply(ctx, "bin", "uart.bin", "", false); err == nil {
			t.Error("expected policy to reject uart.bin")
		}
	})
}

func TestPrintApply(t *testing.T) {
	tests := []struct {
		name   string
		handle int
		want   string
	}{
		{name: "first changeset", handle: 0, want: "Handle:   0\n"},
		{name: "later changeset", handle: 3, want: "Handle:   3\n"},
		{name: "not applied", handle: overlay.NoHandle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := applyResult{Name: "uart", Path: "uart.dtbo", Status: overlay.StatusApplied, Handle: tt.handle}
			if err := printApply(&buf, r); err != nil {
				t.Fatalf("printApply failed: %v", err)
			}
			out := buf.String()
			if tt.want == "" {
				if strings.Contains(out, "Handle:") {
					t.Errorf("expected no handle line, got %q", out)
				}
				return
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("expected %q in %q", tt.want, out)
			}
		})
	}
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	writeFile(t, good, []byte("registry:\n  max_instances: 4\n"))
	if err := runValidate(good); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, []byte("registry:\n  max_instances: -1\n"))
	if err := runValidate(bad); err == nil {
		t.Error("expected validation failure")
	}

	err := runValidate(filepath.Join(dir, "missing.yaml"))
	var verrs config.Errors
	if err == nil || errors.As(err, &verrs) {
		t.Errorf("expected read error, got %v", err)
	}
}
