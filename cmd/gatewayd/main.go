// Command gatewayd runs the external-call gateway daemon: a connection
// registry with circuit breaking, bounded retry, and sliding-window rate
// limiting, managed over an operator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencomply/gateway/config"
	"github.com/opencomply/gateway/gateway"
	"github.com/opencomply/gateway/ratelimit"
	"github.com/opencomply/gateway/ratelimit/store"
	"github.com/opencomply/gateway/server"
)

// Version information set via ldflags during build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "gatewayd",
		Short:         "Resilient external-call gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}

	counterStore := ratelimit.NewStore(store.RedisConfig{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}, logger)
	defer counterStore.Close()

	limiter := ratelimit.New(counterStore, ratelimit.Config{
		Window:        cfg.RateLimit.Window,
		MaxRequests:   cfg.RateLimit.MaxRequests,
		FailurePolicy: ratelimit.ParseFailurePolicy(cfg.RateLimit.FailurePolicy),
		Logger:        logger,
	})

	registry, err := gateway.New(gateway.Config{
		Logger:  logger,
		Limiter: limiter,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Logger:         logger,
		Registry:       registry,
		InboundLimiter: limiter,
	})

	logger.Info("starting gatewayd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("rateLimitPolicy", cfg.RateLimit.FailurePolicy))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", zap.Error(err))
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gatewayd stopped")
	return nil
}
