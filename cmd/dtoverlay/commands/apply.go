package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type applyResult struct {
	Name   string         `json:"name"`
	Path   string         `json:"path"`
	Status overlay.Status `json:"status"`
	Handle int            `json:"handle"`
	Error  string         `json:"error,omitempty"`
}

func newApplyCommand() *cobra.Command {
	var (
		exportPath string
		keep       bool
	)

	cmd := &cobra.Command{
		Use:   "apply NAME SOURCE",
		Short: "Apply a single overlay",
		Long: `Apply a single overlay instance against the base tree.

The instance NAME is created, SOURCE is written to its path, and the result
is printed. The live tree can be exported while the overlay is applied. The
overlay is removed again on exit unless --keep is set.`,
		Example: `  # Apply and check the result
  dtoverlay apply uart uart.dtbo

  # Export the tree with the overlay applied
  dtoverlay apply uart uart.dtbo --export /tmp/live.dtb`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), args[0], args[1], exportPath, keep)
		},
	}

	cmd.Flags().StringVar(&exportPath, "export", "", "write the live tree to this file while the overlay is applied")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the overlay applied in the journal")

	return cmd
}

func runApply(ctx context.Context, name, source, exportPath string, keep bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if exportPath != "" {
		cfg.Tree.Export = ""
	}

	s, err := buildStack(ctx, cfg, log.Logger, stackOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if keep {
			_ = s.closeResources()
			return
		}
		if err := s.close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Teardown failed")
		}
	}()

	if _, err := s.registry.Create(ctx, name); err != nil {
		return err
	}

	writeErr := s.registry.WritePath(ctx, name, source)
	result, err := describe(s.registry, name)
	if err != nil {
		return err
	}
	if writeErr != nil {
		result.Error = writeErr.Error()
	}

	if err := printApply(os.Stdout, result); err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	if exportPath != "" {
		if err := exportTree(s.tree, exportPath); err != nil {
			return err
		}
		log.Info().Str("path", exportPath).Msg("Exported live tree")
	}
	return nil
}

func describe(reg *overlay.Registry, name string) (applyResult, error) {
	inst, ok := reg.Lookup(name)
	if !ok {
		return applyResult{}, overlay.ErrNoEntry
	}
	return applyResult{
		Name:   inst.Name(),
		Path:   inst.Path(),
		Status: inst.Status(),
		Handle: inst.Handle(),
	}, nil
}

func printApply(w io.Writer, r applyResult) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "Instance: %s\n", r.Name)
	fmt.Fprintf(w, "Path:     %s\n", r.Path)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	if r.Handle != overlay.NoHandle {
		fmt.Fprintf(w, "Handle:   %d\n", r.Handle)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	return nil
}
