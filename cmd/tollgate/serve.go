package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/davidbz/tollgate/internal/observability"
	"github.com/davidbz/tollgate/internal/storage/postgres"
)

func newServeCommand() *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrateFirst {
				url, err := databaseURL()
				if err != nil {
					return err
				}
				if err := postgres.MigrateUp(url); err != nil {
					return err
				}
			}

			container, err := buildContainer()
			if err != nil {
				return err
			}
			return container.Invoke(func(app application) error {
				return run(ctx, app)
			})
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply database migrations before serving")
	return cmd
}

func run(ctx context.Context, app application) error {
	logger := observability.FromContext(ctx)

	if err := app.Ledger.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover ledger: %w", err)
	}
	app.Ledger.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Server.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		time.Duration(app.ServerConfig.ShutdownTimeout)*time.Second,
	)
	defer cancel()

	errs := []error{serveErr}
	errs = append(errs, app.Server.Shutdown(shutdownCtx))
	// Detached calls outlive their handlers; settle them while the stores are open.
	errs = append(errs, app.Gateway.Drain(shutdownCtx))
	errs = append(errs, app.Ledger.Stop(shutdownCtx))
	closeResources(app.Pool, app.Redis)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func closeResources(pool *pgxpool.Pool, client *redis.Client) {
	if pool != nil {
		pool.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}
