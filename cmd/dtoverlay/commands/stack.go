package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/dtoverlay/pkg/config"
	"github.com/openfroyo/dtoverlay/pkg/fdt"
	"github.com/openfroyo/dtoverlay/pkg/firmware"
	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/openfroyo/dtoverlay/pkg/policy"
	"github.com/openfroyo/dtoverlay/pkg/stores"
	"github.com/openfroyo/dtoverlay/pkg/telemetry"
	"github.com/rs/zerolog"
)

// stack is the wired overlay subsystem shared by serve and apply.
type stack struct {
	cfg      *config.Config
	logger   zerolog.Logger
	tree     *fdt.LiveTree
	loader   *firmware.Loader
	remote   *firmware.SFTPLoader
	firmware overlay.Firmware
	policies *policy.Engine
	store    *stores.SQLiteStore
	registry *overlay.Registry
}

type stackOptions struct {
	observer overlay.Observer
	events   overlay.Journal
}

func buildStack(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts stackOptions) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = s.closeResources()
		}
	}()

	base, err := loadBaseTree(cfg.Tree.Base)
	if err != nil {
		return nil, err
	}
	s.tree = fdt.NewLiveTree(base, logger)

	if err := s.buildFirmware(ctx, cfg, logger); err != nil {
		return nil, err
	}

	if cfg.Journal.Path != "" {
		store, err := openStore(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	var journal overlay.Journal
	switch {
	case s.store != nil:
		journal = telemetry.Tee(s.store, opts.events)
	case opts.events != nil:
		journal = opts.events
	}

	registry, err := overlay.NewRegistry(overlay.Config{
		Firmware:     s.firmware,
		Engine:       s.tree,
		Logger:       logger,
		Observer:     opts.observer,
		Journal:      journal,
		MaxInstances: cfg.Registry.MaxInstances,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	s.registry = registry
	built = true
	return s, nil
}

func (s *stack) buildFirmware(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	loader, err := firmware.NewLoader(firmware.Config{
		SearchPaths: cfg.Firmware.SearchPaths,
		MaxSize:     cfg.Firmware.MaxSize,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create firmware loader: %w", err)
	}
	s.loader = loader

	var remote overlay.Firmware
	if rc := cfg.Firmware.FirmwareRemote(); rc != nil {
		s.remote, err = firmware.NewSFTPLoader(rc, logger)
		if err != nil {
			return fmt.Errorf("failed to create remote firmware loader: %w", err)
		}
		remote = s.remote
	}
	s.firmware = firmware.NewMux(loader, remote)

	if !cfg.Policy.Enabled {
		return nil
	}
	s.policies, err = policy.NewEngine(logger, policy.Options{Extensions: cfg.Policy.Extensions})
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.Dir != "" {
		if err := s.policies.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
			return err
		}
	}
	s.firmware = policy.NewAdmission(s.firmware, s.policies, logger)
	return nil
}

// close tears the registry down, exports the tree if configured, and closes
// the remote session and the journal.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.registry != nil {
		errs = append(errs, s.registry.Close(ctx))
		s.logger.Debug().Int("outstanding", s.loader.Outstanding()).Msg("Registry closed")
	}
	if s.cfg.Tree.Export != "" {
		if err := exportTree(s.tree, s.cfg.Tree.Export); err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Info().Str("path", s.cfg.Tree.Export).Msg("Exported live tree")
		}
	}
	errs = append(errs, s.closeResources())
	return errors.Join(errs...)
}

func (s *stack) closeResources() error {
	var errs []error
	if s.remote != nil {
		errs = append(errs, s.remote.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// loadBaseTree reads a flattened tree, or returns nil for an empty live tree.
func loadBaseTree(path string) (*fdt.Node, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read base tree: %w", err)
	}
	root, err := fdt.Unflatten(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base tree %s: %w", path, err)
	}
	return root, nil
}

func exportTree(tree *fdt.LiveTree, path string) error {
	data, err := tree.Export()
	if err != nil {
		return fmt.Errorf("failed to flatten live tree: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write live tree: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
