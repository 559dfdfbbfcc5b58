package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const vendorPolicy = `package site.vendor

import rego.v1

deny contains msg if {
	not startswith(input.path, "vendor/")
	msg := "not a vendor overlay"
}
`

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "site")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		filepath.Join(dir, "vendor.rego"):  vendorPolicy,
		filepath.Join(sub, "strict.json"):  `{"name": "strict", "rego": "package strict"}`,
		filepath.Join(sub, "noname.json"):  `{"rego": "package anon"}`,
		filepath.Join(dir, "notes.txt"):    "ignored",
		filepath.Join(sub, "broken.json"):  `{`,
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	byName := make(map[string]Policy)
	for _, p := range policies {
		byName[p.Name] = p
	}
	if len(byName) != 2 {
		t.Fatalf("expected 2 policies, got %v", policies)
	}
	if p := byName["vendor"]; p.Severity != SeverityError || !p.Enabled {
		t.Errorf("expected enabled error-severity rego policy, got %+v", p)
	}
	if p := byName["strict"]; p.Severity != SeverityError || p.CreatedAt.IsZero() {
		t.Errorf("expected JSON defaults applied, got %+v", p)
	}

	t.Run("single file", func(t *testing.T) {
		policies, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "vendor.rego")})
		if err != nil {
			t.Fatalf("LoadFromPaths failed: %v", err)
		}
		if len(policies) != 1 || policies[0].Name != "vendor" {
			t.Errorf("expected the vendor policy, got %v", policies)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
			t.Error("expected error for missing path")
		}
	})
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		loaded []Policy
	)
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		loaded = policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	if err := os.WriteFile(filepath.Join(dir, "vendor.rego"), []byte(vendorPolicy), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(loaded)
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for policy reload")
}
