package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with the fine sweep and activity relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			srv := &http.Server{
				Addr:              ":" + c.cfg.Port,
				Handler:           c.app.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.app.RunBackground(ctx)
			}()

			errCh := make(chan error, 1)
			go func() {
				c.logger.Info("listening", "addr", srv.Addr, "driver", c.cfg.DatabaseDriver)
				errCh <- srv.ListenAndServe()
			}()

			var err error
			select {
			case <-ctx.Done():
				c.logger.Info("shutting down")
				shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
				defer stop()
				err = srv.Shutdown(shutdownCtx)
			case err = <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
			}
			cancel()
			wg.Wait()
			return err
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.app.DB.Migrate(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info("schema up to date", "driver", c.cfg.DatabaseDriver)
			return nil
		},
	}
}
