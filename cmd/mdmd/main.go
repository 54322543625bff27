// Command mdmd runs the MDM transaction engine: a Resource/Bundle
// Interceptor HTTP surface, Prometheus metrics, and an on-demand
// batch-match sweep, wired the way the teacher's own cmd/main.go wires
// its cdc-sink server (cobra root, pflag-bound subcommands, a Preflight
// pass before anything starts serving).
package main

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/santedb/mdm/internal/app"
	"github.com/santedb/mdm/internal/config"
	"github.com/santedb/mdm/internal/httpapi"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("mdmd exited with an error")
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "mdmd",
		Short:         "MDM transaction engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Preflight(); err != nil {
				return errors.Wrap(err, "configuration invalid")
			}
			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return errors.Wrap(err, "invalid logLevel")
			}
			log.SetLevel(level)
			return nil
		},
	}
	cfg.Bind(root.PersistentFlags())

	root.AddCommand(newServeCmd(cfg), newBatchMatchCmd(cfg))
	return root
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the MDM HTTP surface and metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			serverApp, cleanup, err := app.InitializeServer(ctx, cfg)
			if err != nil {
				return errors.Wrap(err, "could not assemble server")
			}
			defer cleanup()

			go serveMetrics(cfg.MetricsAddr)

			log.WithField("bindAddr", cfg.BindAddr).Info("mdmd listening")
			return serveHTTP(cfg.BindAddr, serverApp)
		},
	}
}

func newBatchMatchCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "batch-match",
		Short: "re-run match-and-link over every LOCAL of a type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			job, cleanup, err := app.InitializeBatchJob(ctx, cfg)
			if err != nil {
				return errors.Wrap(err, "could not assemble batch-match job")
			}
			defer cleanup()

			return job.Run(ctx)
		},
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("metrics server stopped")
	}
}

func serveHTTP(addr string, serverApp *app.ServerApp) error {
	handler := httpapi.NewServer(serverApp.Bundle, serverApp.Merger, serverApp.Synth)
	return http.ListenAndServe(addr, handler)
}
