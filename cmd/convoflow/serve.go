package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/execution-hub/convoflow/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, logger, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Config.Telemetry.Enabled {
				shutdown, err := telemetry.InitTracer(a.Config.Telemetry.ServiceName, os.Stderr, logger)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(sctx)
				}()
			}

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.Config.Server.Addr = addr
			}
			httpServer := &http.Server{
				Addr:         a.Config.Server.Addr,
				Handler:      a.Server().Router(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			if a.Config.Sweeper.Enabled {
				go a.Sweeper.Run(ctx)
			} else {
				logger.Info().Msg("sweeper disabled")
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", httpServer.Addr).Str("driver", a.Config.Store.Driver).Msg("http server started")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			logger.Info().Msg("shutting down")
			ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// Streaming clients hold connections open; closing the hub ends them.
			a.Hub.Stop()
			return httpServer.Shutdown(ctxShutdown)
		},
	}

	cmd.Flags().String("addr", "", "Override server.addr.")
	return cmd
}
