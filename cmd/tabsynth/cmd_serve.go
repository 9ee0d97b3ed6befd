package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tabsynth/internal/api"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/JSON API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			svc, err := newService(logger)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			srv := api.NewServer(svc.ingester, svc.manager, svc.pipeline, svc.datasets, api.Options{
				CORSOrigins:   cfg.API.CORSOrigins,
				DefaultEpochs: cfg.Training.DefaultEpochs,
				DefaultRows:   cfg.Generation.DefaultRows,
			}, logger)

			// Training runs inside the request, so reads and writes get long timeouts.
			httpSrv := &http.Server{
				Addr:              cfg.API.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       5 * time.Minute,
				WriteTimeout:      30 * time.Minute,
				IdleTimeout:       120 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("HTTP API server starting", "addr", cfg.API.ListenAddr, "data_dir", svc.layout.Root())
				if listenErr := httpSrv.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
					return fmt.Errorf("serve: HTTP server: %w", listenErr)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")
				const shutdownTimeout = 30 * time.Second
				if shutdownErr := api.Shutdown(httpSrv, shutdownTimeout); shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
					return fmt.Errorf("serve: graceful shutdown: %w", shutdownErr)
				}
				return nil
			})

			return g.Wait()
		},
	}
	return cmd
}
