package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/config"
	"github.com/openfroyo/dtoverlay/pkg/namespace"
	"github.com/openfroyo/dtoverlay/pkg/policy"
	"github.com/openfroyo/dtoverlay/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the overlay daemon",
		Long: `Run the overlay daemon.

This command:
  - Loads the base tree and the optional journal
  - Exposes instances as directories under the namespace root
  - Serves Prometheus metrics when enabled
  - Removes every applied overlay on shutdown, newest first`,
		Example: `  # Serve with a config file
  dtoverlay serve -c /etc/dtoverlay/config.yaml

  # Override the namespace root
  dtoverlay serve --root /tmp/overlays`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if root != "" {
				cfg.Namespace.Root = root
				cfg.Namespace.Enabled = true
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "namespace root directory (enables the namespace)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger
	ctx = tel.WithContext(ctx)

	ctx, span := tel.Tracer.StartCommandSpan(ctx, "serve")
	defer span.End()

	s, err := buildStack(ctx, cfg, logger, stackOptions{
		observer: tel.Metrics,
		events:   tel.Events,
	})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if srv := tel.Metrics.NewServer(); srv != nil {
		g.Go(func() error {
			logger.Info().Str("address", srv.Addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if s.policies != nil && cfg.Policy.Watch && cfg.Policy.Dir != "" {
		loader := policy.NewLoader(logger)
		if err := loader.Watch(gctx, []string{cfg.Policy.Dir}, func(policies []policy.Policy) error {
			return s.policies.AddPolicies(gctx, policies)
		}); err != nil {
			logger.Warn().Err(err).Msg("Policy reload disabled")
		} else {
			defer func() { _ = loader.StopWatching() }()
		}
	}

	if cfg.Namespace.Enabled {
		w, err := namespace.NewWatcher(namespace.Config{
			Root:     cfg.Namespace.Root,
			Debounce: cfg.Namespace.Debounce,
			Logger:   logger,
		}, s.registry)
		if err != nil {
			_ = s.close(context.Background())
			_ = tel.Shutdown(context.Background())
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	logger.Info().
		Bool("namespace", cfg.Namespace.Enabled).
		Bool("policy", s.policies != nil).
		Bool("journal", s.store != nil).
		Msg("Overlay daemon started")

	<-gctx.Done()
	runErr := g.Wait()

	logger.Info().Msg("Shutting down, removing overlays")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, s.close(shutdownCtx), tel.Shutdown(shutdownCtx))
}
