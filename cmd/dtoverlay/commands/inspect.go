package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/dtoverlay/pkg/fdt"
	"github.com/openfroyo/dtoverlay/pkg/firmware"
	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "inspect SOURCE",
		Short: "Print a flattened tree or overlay",
		Long: `Print a flattened tree or overlay as source text.

SOURCE is read directly when it names an existing file, compressed or not.
Otherwise it is fetched through the configured firmware search paths.`,
		Example: `  # Inspect a local overlay
  dtoverlay inspect ./uart.dtbo

  # Inspect an overlay from the firmware search path, resolved
  dtoverlay inspect uart.dtbo --resolve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), args[0], resolve)
		},
	}

	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve phandles against the base tree before printing")

	return cmd
}

func runInspect(ctx context.Context, source string, resolve bool) error {
	fw, name, cleanup, err := inspectFirmware(ctx, source)
	if err != nil {
		return err
	}
	defer cleanup()

	blob, err := fw.Request(ctx, name)
	if err != nil {
		return err
	}
	defer fw.Release(blob)

	root, err := fdt.Unflatten(blob.Bytes())
	if err != nil {
		return err
	}
	if resolve {
		if err := resolveAgainstBase(root); err != nil {
			return err
		}
	}
	return fdt.Format(os.Stdout, root)
}

// resolveAgainstBase resolves root against the configured base tree, or an
// empty tree when none is set.
func resolveAgainstBase(root *fdt.Node) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := loadBaseTree(cfg.Tree.Base)
	if err != nil {
		return err
	}
	if base == nil {
		base = fdt.NewNode("")
	}
	root.MarkDetached()
	return fdt.Resolve(base, root)
}

// inspectFirmware picks a loader rooted at the file's directory for local
// files, or the configured firmware stack otherwise.
func inspectFirmware(ctx context.Context, source string) (overlay.Firmware, string, func(), error) {
	if info, err := os.Stat(source); err == nil && !info.IsDir() {
		loader, err := firmware.NewLoader(firmware.Config{
			SearchPaths: []string{filepath.Dir(source)},
			Logger:      log.Logger,
		})
		if err != nil {
			return nil, "", nil, err
		}
		name := filepath.Base(source)
		for _, ext := range []string{".zst", ".gz"} {
			name = strings.TrimSuffix(name, ext)
		}
		return loader, name, func() {}, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, "", nil, err
	}
	s := &stack{cfg: cfg, logger: log.Logger}
	if err := s.buildFirmware(ctx, cfg, log.Logger); err != nil {
		_ = s.closeResources()
		return nil, "", nil, fmt.Errorf("failed to set up firmware: %w", err)
	}
	return s.firmware, source, func() { _ = s.closeResources() }, nil
}
