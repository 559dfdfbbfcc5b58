package firmware

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("failed to create zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	return buf.Bytes()
}

func setupLoader(t *testing.T, maxSize int64, paths ...string) *Loader {
	t.Helper()
	l, err := NewLoader(Config{SearchPaths: paths, MaxSize: maxSize, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return l
}

func TestNewLoaderValidation(t *testing.T) {
	if _, err := NewLoader(Config{}); err == nil {
		t.Error("expected error without search paths")
	}
	if _, err := NewLoader(Config{SearchPaths: []string{"."}, MaxSize: -1}); err == nil {
		t.Error("expected error for negative max size")
	}
	l := setupLoader(t, 0, ".")
	if l.maxSize != DefaultMaxSize {
		t.Errorf("expected default max size %d, got %d", DefaultMaxSize, l.maxSize)
	}
	if !filepath.IsAbs(l.SearchPaths()[0]) {
		t.Errorf("expected absolute search path, got %s", l.SearchPaths()[0])
	}
}

func TestLoaderRequest(t *testing.T) {
	ctx := context.Background()
	first := t.TempDir()
	second := t.TempDir()

	writeFile(t, filepath.Join(first, "plain.dtbo"), []byte("first"))
	writeFile(t, filepath.Join(second, "plain.dtbo"), []byte("second"))
	writeFile(t, filepath.Join(second, "only-second.dtbo"), []byte("second only"))
	writeFile(t, filepath.Join(first, "packed.dtbo.zst"), zstdBytes(t, []byte("zstd payload")))
	writeFile(t, filepath.Join(first, "sub", "gz.dtbo.gz"), gzipBytes(t, []byte("gzip payload")))

	l := setupLoader(t, 0, first, second)

	tests := []struct {
		name        string
		request     string
		want        string
		compression string
		location    string
	}{
		{"first path wins", "plain.dtbo", "first", "", filepath.Join(first, "plain.dtbo")},
		{"falls through to second path", "only-second.dtbo", "second only", "", filepath.Join(second, "only-second.dtbo")},
		{"zstd fallback", "packed.dtbo", "zstd payload", "zstd", filepath.Join(first, "packed.dtbo.zst")},
		{"gzip fallback in subdirectory", "sub/gz.dtbo", "gzip payload", "gzip", filepath.Join(first, "sub", "gz.dtbo.gz")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := l.Request(ctx, tt.request)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer l.Release(blob)

			img := blob.(*Image)
			if string(img.Bytes()) != tt.want {
				t.Errorf("expected %q, got %q", tt.want, img.Bytes())
			}
			if img.Compression != tt.compression {
				t.Errorf("expected compression %q, got %q", tt.compression, img.Compression)
			}
			if img.Location != tt.location {
				t.Errorf("expected location %s, got %s", tt.location, img.Location)
			}
		})
	}

	if got := l.Outstanding(); got != 0 {
		t.Errorf("expected no outstanding images, got %d", got)
	}
}

func TestLoaderRequestErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "big.dtbo"), bytes.Repeat([]byte{1}, 64))
	writeFile(t, filepath.Join(dir, "bomb.dtbo.zst"), zstdBytes(t, bytes.Repeat([]byte{0}, 4096)))
	writeFile(t, filepath.Join(dir, "broken.dtbo.gz"), []byte("not gzip"))

	l := setupLoader(t, 32, dir)

	tests := []struct {
		name    string
		request string
		want    error
		op      string
	}{
		{"empty", "", ErrInvalidName, "lookup"},
		{"absolute", "/etc/passwd", ErrInvalidName, "lookup"},
		{"traversal", "../secret.dtbo", ErrInvalidName, "lookup"},
		{"nested traversal", "a/../../secret.dtbo", ErrInvalidName, "lookup"},
		{"missing", "missing.dtbo", ErrNotFound, "lookup"},
		{"too large", "big.dtbo", ErrTooLarge, "read"},
		{"decompressed too large", "bomb.dtbo", ErrTooLarge, "decompress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Request(ctx, tt.request)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected *LoadError, got %T", err)
			}
			if le.Op != tt.op {
				t.Errorf("expected op %s, got %s", tt.op, le.Op)
			}
		})
	}

	t.Run("corrupt archive", func(t *testing.T) {
		_, err := l.Request(ctx, "broken.dtbo")
		var le *LoadError
		if !errors.As(err, &le) || le.Op != "decompress" {
			t.Errorf("expected decompress error, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := l.Request(cctx, "big.dtbo")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	if got := l.Outstanding(); got != 0 {
		t.Errorf("expected failed requests to hand out nothing, got %d", got)
	}
}

func TestLoaderReleaseOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.dtbo"), []byte("a"))
	l := setupLoader(t, 0, dir)

	blob, err := l.Request(context.Background(), "a.dtbo")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if got := l.Outstanding(); got != 1 {
		t.Fatalf("expected 1 outstanding, got %d", got)
	}

	l.Release(blob)
	l.Release(blob)

	if got := l.Outstanding(); got != 0 {
		t.Errorf("expected 0 outstanding after double release, got %d", got)
	}
	if blob.Bytes() != nil {
		t.Error("expected data dropped on release")
	}
}

func TestMux(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.dtbo"), []byte("local"))
	local := setupLoader(t, 0, dir)

	remoteDir := t.TempDir()
	writeFile(t, filepath.Join(remoteDir, "b.dtbo"), []byte("remote"))
	remote := setupSFTP(t, remoteDir)

	m := NewMux(local, remote)
	ctx := context.Background()

	a, err := m.Request(ctx, "a.dtbo")
	if err != nil {
		t.Fatalf("local request failed: %v", err)
	}
	b, err := m.Request(ctx, "sftp:///b.dtbo")
	if err != nil {
		t.Fatalf("remote request failed: %v", err)
	}
	if string(a.Bytes()) != "local" || string(b.Bytes()) != "remote" {
		t.Errorf("unexpected payloads %q %q", a.Bytes(), b.Bytes())
	}

	m.Release(a)
	m.Release(b)
	if local.Outstanding() != 0 || remote.Outstanding() != 0 {
		t.Errorf("expected releases routed back, local=%d remote=%d", local.Outstanding(), remote.Outstanding())
	}

	noRemote := NewMux(local, nil)
	if _, err := noRemote.Request(ctx, "sftp:///b.dtbo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound without remote loader, got %v", err)
	}
}
