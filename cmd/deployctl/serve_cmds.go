package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbtc/oss-medical-record/internal/api"
	"github.com/sbtc/oss-medical-record/internal/platform/httpserver"
	"github.com/sbtc/oss-medical-record/internal/platform/postgres"
	"github.com/sbtc/oss-medical-record/internal/platform/tracing"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only registry lookups over HTTP (DEPLOYCTL_HTTP_ADDR)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			httpCfg, err := httpserver.ConfigFromEnv(api.ServiceName)
			if err != nil {
				return usageError(err)
			}
			_, namespace, err := a.target()
			if err != nil {
				return err
			}

			traceCfg, err := tracing.ConfigFromEnv()
			if err != nil {
				return usageError(fmt.Errorf("invalid tracing config: %w", err))
			}
			if traceCfg.ServiceName == "deployctl" {
				traceCfg.ServiceName = api.ServiceName
			}
			provider, err := tracing.NewProvider(ctx, traceCfg)
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()

			cache, err := cacheOption()
			if err != nil {
				return err
			}
			be, err := a.openBackend(ctx, namespace, cache)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			handler := httpserver.Wrap(a.logger, provider.Tracer(), api.ServiceName, api.Handler(a.logger, be.registry, be.checks...))
			return httpserver.Run(ctx, a.logger, httpCfg, handler)
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres registry schema (DEPLOYCTL_DATABASE_URL)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := postgres.ConfigFromEnv()
				if err != nil {
					return usageError(err)
				}
				if err := postgres.MigrateUp(cfg.URL); err != nil {
					return err
				}
				a.logger.Info("schema migrated")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert every migration",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := postgres.ConfigFromEnv()
				if err != nil {
					return usageError(err)
				}
				return postgres.MigrateDown(cfg.URL)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := postgres.ConfigFromEnv()
				if err != nil {
					return usageError(err)
				}
				v, dirty, err := postgres.SchemaVersion(cfg.URL)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(a.stdout, "version %d dirty=%t\n", v, dirty)
				return err
			},
		},
	)
	return cmd
}
