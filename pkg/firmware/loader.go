package firmware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog"
)

// DefaultMaxSize bounds a decompressed blob when no limit is configured.
const DefaultMaxSize = 16 << 20

// Config configures a local Loader.
type Config struct {
	// SearchPaths are tried in order for every request.
	SearchPaths []string

	// MaxSize bounds the decompressed blob size. 0 selects DefaultMaxSize.
	MaxSize int64

	// Logger receives load logs.
	Logger zerolog.Logger
}

// Loader reads firmware blobs from local search paths. For every path it
// tries the plain name, then name.zst, then name.gz.
type Loader struct {
	tracker

	paths   []string
	maxSize int64
	logger  zerolog.Logger
}

var _ overlay.Firmware = (*Loader)(nil)

// NewLoader creates a local loader.
func NewLoader(cfg Config) (*Loader, error) {
	if len(cfg.SearchPaths) == 0 {
		return nil, fmt.Errorf("at least one search path is required")
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("max size must not be negative, got %d", cfg.MaxSize)
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}

	paths := make([]string, 0, len(cfg.SearchPaths))
	for _, p := range cfg.SearchPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("invalid search path %s: %w", p, err)
		}
		paths = append(paths, abs)
	}

	return &Loader{
		paths:   paths,
		maxSize: cfg.MaxSize,
		logger:  cfg.Logger.With().Str("component", "firmware").Logger(),
	}, nil
}

// SearchPaths returns the absolute search paths in lookup order.
func (l *Loader) SearchPaths() []string {
	return append([]string(nil), l.paths...)
}

// Request implements overlay.Firmware.
func (l *Loader) Request(ctx context.Context, name string) (overlay.Blob, error) {
	if err := validName(name); err != nil {
		return nil, &LoadError{Op: "lookup", Name: name, Err: err}
	}

	startTime := time.Now()
	for _, dir := range l.paths {
		for _, c := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, &LoadError{Op: "lookup", Name: name, Err: err, IsTemporary: true}
			}

			location := filepath.Join(dir, filepath.FromSlash(name)+c.suffix)
			f, err := os.Open(location)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, &LoadError{Op: "read", Name: name, Err: err}
			}

			data, err := readImage(f, c.compression, l.maxSize)
			f.Close()
			if err != nil {
				op := "read"
				if c.compression != "" {
					op = "decompress"
				}
				return nil, &LoadError{Op: op, Name: name, Err: err}
			}

			l.logger.Debug().
				Str("name", name).
				Str("location", location).
				Int("bytes", len(data)).
				Dur("duration", time.Since(startTime)).
				Msg("firmware loaded")

			return l.handOut(&Image{
				Name:        name,
				Location:    location,
				Compression: c.compression,
				data:        data,
			}), nil
		}
	}

	l.logger.Debug().Str("name", name).Strs("search_paths", l.paths).Msg("firmware not found")
	return nil, &LoadError{Op: "lookup", Name: name, Err: ErrNotFound}
}

// Release implements overlay.Firmware.
func (l *Loader) Release(blob overlay.Blob) {
	if l.release(blob) {
		l.logger.Debug().Str("name", blob.(*Image).Name).Msg("firmware released")
	}
}
